package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log is the global logger instance wrapper
var Log *Logger

type Logger struct {
	z zerolog.Logger
}

// FatalError is the panic value raised by Fatal. Replay has no recovery
// state, so callers either let it unwind the process or recover it in tests.
type FatalError struct {
	Msg string
}

func (e *FatalError) Error() string {
	return "fatal: " + e.Msg
}

func init() {
	// Default setup
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	z := zerolog.New(output).With().Timestamp().Logger()
	Log = &Logger{z: z}
}

// Setup configures the global logger on stderr.
func Setup(level string, format string) {
	SetupWriter(os.Stderr, level, format)
}

// SetupWriter is Setup with the output redirected to w.
func SetupWriter(w io.Writer, level string, format string) {
	zerolog.SetGlobalLevel(ParseLevel(level))

	if strings.ToLower(format) != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	Log = &Logger{z: zerolog.New(w).With().Timestamp().Logger()}
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// EnableVerbosity lowers the global level to debug when the engine debug
// verbosity asks for summaries that info level would filter out.
func EnableVerbosity(debug int) {
	if debug >= 1 && zerolog.GlobalLevel() > zerolog.DebugLevel {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// Info logs at Info level with variadic key-value pairs
func (l *Logger) Info(msg string, args ...interface{}) {
	e := l.z.Info()
	addFields(e, args...)
	e.Msg(msg)
}

// Debug logs at Debug level with variadic key-value pairs
func (l *Logger) Debug(msg string, args ...interface{}) {
	e := l.z.Debug()
	addFields(e, args...)
	e.Msg(msg)
}

// Warn logs at Warn level with variadic key-value pairs
func (l *Logger) Warn(msg string, args ...interface{}) {
	e := l.z.Warn()
	addFields(e, args...)
	e.Msg(msg)
}

// Error logs at Error level with variadic key-value pairs
func (l *Logger) Error(msg string, args ...interface{}) {
	e := l.z.Error()
	addFields(e, args...)
	e.Msg(msg)
}

// Fatal logs the violation and panics with a *FatalError.
func (l *Logger) Fatal(msg string, args ...interface{}) {
	e := l.z.WithLevel(zerolog.FatalLevel)
	addFields(e, args...)
	e.Msg(msg)
	panic(&FatalError{Msg: fmt.Sprint(append([]interface{}{msg, " "}, args...)...)})
}

// Hexdump logs b as 32-bit little-endian words, sixteen per line.
func (l *Logger) Hexdump(label string, b []byte) {
	if !l.z.Debug().Enabled() {
		return
	}
	var sb strings.Builder
	for i := 0; i+4 <= len(b); i += 4 {
		if i != 0 && (i/4)%0x10 == 0 {
			sb.WriteByte('\n')
		}
		w := uint32(b[i]) | uint32(b[i+1])<<8 | uint32(b[i+2])<<16 | uint32(b[i+3])<<24
		fmt.Fprintf(&sb, "%8x ", w)
	}
	l.z.Debug().Str("label", label).Int("len", len(b)).Msg("dump\n" + sb.String())
}

// addFields adds variadic key-value pairs to the event
func addFields(e *zerolog.Event, args ...interface{}) {
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			key, ok := args[i].(string)
			if !ok {
				key = fmt.Sprintf("%v", args[i])
			}
			e.Interface(key, args[i+1])
		}
	}
}
