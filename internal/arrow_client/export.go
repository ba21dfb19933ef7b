package arrow_client

import (
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Column names of the replay output schema.
const (
	ColRun      = "run"
	ColDuration = "duration_us"
	ColOutput   = "output"
)

// Run is one replay of a session and the output it produced.
type Run struct {
	Index    int
	Duration time.Duration
	Output   []float32
}

// OutputSchema returns the schema replay outputs are exported with. meta is
// attached as schema metadata (package path, manifest fingerprint).
func OutputSchema(meta map[string]string) *arrow.Schema {
	keys := make([]string, 0, len(meta))
	vals := make([]string, 0, len(meta))
	for k, v := range meta {
		keys = append(keys, k)
		vals = append(vals, v)
	}
	md := arrow.NewMetadata(keys, vals)
	return arrow.NewSchema([]arrow.Field{
		{Name: ColRun, Type: arrow.PrimitiveTypes.Int64},
		{Name: ColDuration, Type: arrow.PrimitiveTypes.Int64},
		{Name: ColOutput, Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
	}, &md)
}

// NewOutputRecord builds one record holding every run. The caller releases
// it.
func NewOutputRecord(mem memory.Allocator, schema *arrow.Schema, runs []Run) arrow.Record {
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	idx := b.Field(0).(*array.Int64Builder)
	dur := b.Field(1).(*array.Int64Builder)
	out := b.Field(2).(*array.ListBuilder)
	vals := out.ValueBuilder().(*array.Float32Builder)

	for _, r := range runs {
		idx.Append(int64(r.Index))
		dur.Append(r.Duration.Microseconds())
		if r.Output == nil {
			out.AppendNull()
			continue
		}
		out.Append(true)
		vals.AppendValues(r.Output, nil)
	}
	return b.NewRecord()
}

// WriteIPC writes records as an LZ4-compressed Arrow IPC stream.
func WriteIPC(w io.Writer, schema *arrow.Schema, recs ...arrow.Record) error {
	wr := ipc.NewWriter(w, ipc.WithSchema(schema), ipc.WithLZ4())
	for i, rec := range recs {
		if err := wr.Write(rec); err != nil {
			_ = wr.Close()
			return fmt.Errorf("write record %d: %w", i, err)
		}
	}
	if err := wr.Close(); err != nil {
		return fmt.Errorf("close ipc writer: %w", err)
	}
	return nil
}

// Outputs reads the output column of a record back into float32 slices. A
// null row yields nil.
func Outputs(rec arrow.Record) ([][]float32, error) {
	idx := rec.Schema().FieldIndices(ColOutput)
	if len(idx) == 0 {
		return nil, fmt.Errorf("record has no %q column", ColOutput)
	}
	list, ok := rec.Column(idx[0]).(*array.List)
	if !ok {
		return nil, fmt.Errorf("column %q is %s, not a list", ColOutput, rec.Column(idx[0]).DataType())
	}
	values, ok := list.ListValues().(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("column %q holds %s, not float32", ColOutput, list.ListValues().DataType())
	}

	out := make([][]float32, list.Len())
	for i := range out {
		if list.IsNull(i) {
			continue
		}
		start, end := list.ValueOffsets(i)
		out[i] = append([]float32{}, values.Float32Values()[start:end]...)
	}
	return out, nil
}
