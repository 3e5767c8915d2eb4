package arrow_client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/go-cmp/cmp"
)

func sampleRecords() []PredictionRecord {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []PredictionRecord{
		{
			ID: "a", Source: "leaf.png", Time: ts, ClassIndex: 1, Class: "rust",
			Confidence: 0.7, Ablation: "full",
			Probabilities: []float32{0.2, 0.7, 0.1}, Features: []float32{1, 2},
		},
		{
			ID: "b", Time: ts.Add(time.Second), ClassIndex: 0, Class: "healthy",
			Confidence: 0.5, Ablation: "no_lda",
			Probabilities: []float32{0.5, 0.25, 0.25},
		},
	}
}

func TestRecordRoundTrip(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	want := sampleRecords()
	rec, err := BuildRecord(mem, want)
	if err != nil {
		t.Fatalf("BuildRecord: %v", err)
	}
	defer rec.Release()

	if rec.NumRows() != 2 || !rec.Schema().Equal(Schema()) {
		t.Fatalf("rows=%d schema=%s", rec.NumRows(), rec.Schema())
	}
	got, err := ReadRecord(rec)
	if err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip (-want +got):\n%s", diff)
	}
}

func TestBuildRecordEmpty(t *testing.T) {
	if _, err := BuildRecord(memory.NewGoAllocator(), nil); err == nil {
		t.Error("expected error for empty batch")
	}
}

func TestNewFlightClient(t *testing.T) {
	c := NewFlightClient("localhost", 0)
	if c.Addr() != "localhost:3000" {
		t.Errorf("Addr = %s", c.Addr())
	}
	if got := NewFlightClientAddr("flight:9000").Addr(); got != "flight:9000" {
		t.Errorf("Addr = %s", got)
	}
}

func TestExportReturnsErrorWhenNotConnected(t *testing.T) {
	c := NewFlightClient("localhost", 3000)
	if err := c.Export(context.Background(), sampleRecords()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestMockFlightClient(t *testing.T) {
	var _ Exporter = (*MockFlightClient)(nil)
	var _ Exporter = (*FlightClient)(nil)

	m := NewMockFlightClient()
	ctx := context.Background()
	if err := m.Export(ctx, sampleRecords()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if err := m.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.Export(ctx, sampleRecords()); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if err := m.Export(ctx, nil); err != nil {
		t.Fatalf("Export(nil): %v", err)
	}
	if m.Rows() != 2 || len(m.Batches()) != 1 {
		t.Errorf("rows=%d batches=%d", m.Rows(), len(m.Batches()))
	}

	boom := errors.New("boom")
	m.FailWith(boom)
	if err := m.Export(ctx, sampleRecords()); !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
	m.Reset()
	if m.Rows() != 0 {
		t.Error("Reset kept rows")
	}
}

type collectServer struct {
	flight.BaseFlightServer
	mu   sync.Mutex
	path []string
	got  []PredictionRecord
}

func (s *collectServer) DoPut(stream flight.FlightService_DoPutServer) error {
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer rdr.Release()
	for rdr.Next() {
		recs, err := ReadRecord(rdr.Record())
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.got = append(s.got, recs...)
		if d := rdr.LatestFlightDescriptor(); d != nil {
			s.path = d.Path
		}
		s.mu.Unlock()
	}
	return rdr.Err()
}

func TestExportToFlightServer(t *testing.T) {
	srv := flight.NewServerWithMiddleware(nil)
	if err := srv.Init("localhost:0"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	svc := &collectServer{}
	srv.RegisterFlightService(svc)
	go func() { _ = srv.Serve() }()
	defer srv.Shutdown()

	c := NewFlightClientAddr(srv.Addr().String())
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	if err := c.Export(ctx, sampleRecords()); err != nil {
		t.Fatalf("Export: %v", err)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if diff := cmp.Diff(sampleRecords(), svc.got); diff != "" {
		t.Errorf("server received (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{DefaultPath}, svc.path); diff != "" {
		t.Errorf("descriptor path (-want +got):\n%s", diff)
	}
}
