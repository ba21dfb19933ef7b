package arrow_client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-thneed/internal/logger"
)

// DefaultPort is the Flight data port outputs are sent to when the address
// names none.
const DefaultPort = 3000

var ErrNotConnected = errors.New("client not connected, call Connect() first")

// FlightClient sends replay outputs to an Arrow Flight server.
type FlightClient struct {
	client  flight.Client
	addr    string
	timeout time.Duration
}

// NewFlightClient creates a client for host:port. A non-positive port uses
// DefaultPort.
func NewFlightClient(host string, port int) *FlightClient {
	if port <= 0 {
		port = DefaultPort
	}
	return &FlightClient{
		addr:    fmt.Sprintf("%s:%d", host, port),
		timeout: 30 * time.Second,
	}
}

// NewFlightClientAddr creates a client for an address already in host:port
// form.
func NewFlightClientAddr(addr string) *FlightClient {
	return &FlightClient{addr: addr, timeout: 30 * time.Second}
}

func (fc *FlightClient) Addr() string { return fc.addr }

// Connect establishes the gRPC channel. No request is made until DoPut.
func (fc *FlightClient) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddlewareCtx(ctx, fc.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	fc.client = client
	return nil
}

// Close disconnects from the Flight server.
func (fc *FlightClient) Close() error {
	if fc.client == nil {
		return nil
	}
	err := fc.client.Close()
	fc.client = nil
	return err
}

// DoPut streams records to the server under the given descriptor path and
// waits for the server to acknowledge them.
func (fc *FlightClient) DoPut(ctx context.Context, path []string, schema *arrow.Schema, recs ...arrow.Record) error {
	if fc.client == nil {
		return ErrNotConnected
	}
	if len(recs) == 0 {
		return fmt.Errorf("no records provided")
	}

	ctx, cancel := context.WithTimeout(ctx, fc.timeout)
	defer cancel()

	stream, err := fc.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to open DoPut stream: %w", err)
	}

	w := flight.NewRecordWriter(stream, ipc.WithSchema(schema))
	w.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: path,
	})
	rows := int64(0)
	for i, rec := range recs {
		if err := w.Write(rec); err != nil {
			_ = w.Close()
			return fmt.Errorf("failed to write record %d: %w", i, err)
		}
		rows += rec.NumRows()
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close send: %w", err)
	}

	acks := 0
	for {
		_, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("DoPut: %w", err)
		}
		acks++
	}

	logger.Log.Info("sent replay outputs", "addr", fc.addr, "path", path, "records", len(recs), "rows", rows, "acks", acks)
	return nil
}
