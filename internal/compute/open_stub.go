//go:build !(linux && cgo && opencl)

package compute

// Open returns ErrUnavailable; build with -tags opencl on linux to link the
// platform library.
func Open() (API, error) {
	return nil, ErrUnavailable
}
