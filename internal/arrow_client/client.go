package arrow_client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/plantvit/internal/logger"
	"github.com/23skdu/plantvit/internal/metrics"
)

const (
	// PortData is the default Flight port for prediction export.
	PortData = 3000

	// DefaultPath is the descriptor path predictions are written under.
	DefaultPath = "predictions"
)

var ErrNotConnected = errors.New("client not connected, call Connect() first")

// Exporter receives batches of prediction records.
type Exporter interface {
	Connect(ctx context.Context) error
	Export(ctx context.Context, recs []PredictionRecord) error
	Close() error
}

// FlightClient writes prediction records to an Arrow Flight server with
// DoPut.
type FlightClient struct {
	client  flight.Client
	addr    string
	path    string
	timeout time.Duration
	alloc   memory.Allocator
}

// NewFlightClient prepares a client for host:port. Port 0 selects PortData.
func NewFlightClient(host string, port int) *FlightClient {
	if port <= 0 {
		port = PortData
	}
	return &FlightClient{
		addr:    host + ":" + strconv.Itoa(port),
		path:    DefaultPath,
		timeout: 30 * time.Second,
		alloc:   memory.NewGoAllocator(),
	}
}

// NewFlightClientAddr prepares a client for a host:port string.
func NewFlightClientAddr(addr string) *FlightClient {
	c := NewFlightClient("", PortData)
	c.addr = addr
	return c
}

func (fc *FlightClient) Addr() string { return fc.addr }

// Connect dials the Flight server.
func (fc *FlightClient) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddlewareCtx(ctx, fc.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	fc.client = client
	return nil
}

func (fc *FlightClient) Close() error {
	if fc.client != nil {
		err := fc.client.Close()
		fc.client = nil
		return err
	}
	return nil
}

// Export sends recs as one record batch.
func (fc *FlightClient) Export(ctx context.Context, recs []PredictionRecord) (err error) {
	defer func() { metrics.RecordFlightExport(err) }()

	if fc.client == nil {
		return ErrNotConnected
	}
	if len(recs) == 0 {
		return nil
	}

	rec, err := BuildRecord(fc.alloc, recs)
	if err != nil {
		return err
	}
	defer rec.Release()

	ctx, cancel := context.WithTimeout(ctx, fc.timeout)
	defer cancel()

	stream, err := fc.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to open DoPut stream: %w", err)
	}
	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(fc.alloc))
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{fc.path}})
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close stream: %w", err)
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("DoPut failed: %w", err)
		}
	}

	logger.Log.Debug("Exported predictions", "rows", len(recs), "addr", fc.addr)
	return nil
}
