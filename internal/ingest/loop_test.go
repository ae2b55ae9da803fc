package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/novatechflow/jasminmongologd/internal/decoder"
	"github.com/novatechflow/jasminmongologd/internal/dedup"
	"github.com/novatechflow/jasminmongologd/internal/record"
	"github.com/novatechflow/jasminmongologd/internal/sink"
	"github.com/novatechflow/jasminmongologd/internal/supervisor"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type ackEvent struct {
	op      string
	requeue bool
}

type fakeAck struct {
	mu     sync.Mutex
	events []ackEvent
	ch     chan ackEvent
}

func newFakeAck() *fakeAck {
	return &fakeAck{ch: make(chan ackEvent, 16)}
}

func (a *fakeAck) record(e ackEvent) error {
	a.mu.Lock()
	a.events = append(a.events, e)
	a.mu.Unlock()
	a.ch <- e
	return nil
}

func (a *fakeAck) Ack(tag uint64, multiple bool) error {
	return a.record(ackEvent{op: "ack"})
}

func (a *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	return a.record(ackEvent{op: "nack", requeue: requeue})
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error {
	return a.record(ackEvent{op: "reject", requeue: requeue})
}

func (a *fakeAck) next(t *testing.T) ackEvent {
	t.Helper()
	select {
	case e := <-a.ch:
		return e
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for acknowledgment")
		return ackEvent{}
	}
}

func (a *fakeAck) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}

type fakeSource struct {
	deliveries chan amqp.Delivery
	closed     chan *amqp.Error
}

func (f *fakeSource) Deliveries() <-chan amqp.Delivery { return f.deliveries }
func (f *fakeSource) Closed() <-chan *amqp.Error       { return f.closed }

// scriptWriter pops one scripted error per Persist call; a nil entry (or an
// exhausted script) means success.
type scriptWriter struct {
	mu        sync.Mutex
	script    []error
	persisted []*record.LogRecord
	started   chan struct{}
	block     chan struct{}
}

func (w *scriptWriter) Persist(ctx context.Context, rec *record.LogRecord) error {
	w.mu.Lock()
	var err error
	if len(w.script) > 0 {
		err = w.script[0]
		w.script = w.script[1:]
	}
	started := w.started
	block := w.block
	w.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if block != nil {
		<-block
	}
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.persisted = append(w.persisted, rec)
	w.mu.Unlock()
	return nil
}

func (w *scriptWriter) Close(ctx context.Context) error { return nil }

func (w *scriptWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.persisted)
}

type harness struct {
	deliveries chan amqp.Delivery
	closed     chan *amqp.Error
	dials      atomic.Int32
	cancel     context.CancelFunc
	group      *errgroup.Group
}

func startLoop(t *testing.T, w *scriptWriter, cfg Config) *harness {
	t.Helper()
	h := &harness{
		deliveries: make(chan amqp.Delivery, 16),
		closed:     make(chan *amqp.Error, 1),
	}
	supCfg := supervisor.Config{
		BackoffMin: time.Millisecond,
		BackoffMax: 2 * time.Millisecond,
		Logger:     quiet,
	}
	supCfg.Name = "broker"
	brokerSup := supervisor.New[Source](supCfg, func(ctx context.Context) (Source, error) {
		h.dials.Add(1)
		return &fakeSource{deliveries: h.deliveries, closed: h.closed}, nil
	}, nil)
	supCfg.Name = "storage"
	storageSup := supervisor.New[sink.Writer](supCfg, func(ctx context.Context) (sink.Writer, error) {
		return w, nil
	}, nil)

	cfg.RetryBackoffMin = time.Millisecond
	cfg.RetryBackoffMax = 2 * time.Millisecond
	cfg.Logger = quiet
	loop := New(cfg, brokerSup, storageSup, decoder.New(false), dedup.New(64))

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return brokerSup.Run(gctx) })
	g.Go(func() error { return storageSup.Run(gctx) })
	g.Go(func() error { return loop.Run(gctx) })
	h.group = g
	t.Cleanup(func() { cancel(); _ = g.Wait() })
	return h
}

func submitDelivery(ack amqp.Acknowledger, id string) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: ack,
		RoutingKey:   "submit.sm.smppconn1",
		MessageId:    id,
		Body:         []byte(`{"source_addr":"100","destination_addr":"31612345678","short_message":"aGk=","status":"ESME_ROK"}`),
		Headers:      amqp.Table{"created_at": "2026-08-30 10:00:00", "source_connector": "httpapi"},
		Timestamp:    time.Now(),
	}
}

func TestPersistAndAck(t *testing.T) {
	w := &scriptWriter{}
	h := startLoop(t, w, Config{})

	ack := newFakeAck()
	h.deliveries <- submitDelivery(ack, "msg-1")

	if e := ack.next(t); e.op != "ack" {
		t.Fatalf("expected ack got %+v", e)
	}
	if w.count() != 1 {
		t.Fatalf("expected one persisted record got %d", w.count())
	}
	if got := w.persisted[0].MessageID; got != "msg-1" {
		t.Fatalf("unexpected message id %q", got)
	}
}

func TestMalformedDeliveryDeadLettered(t *testing.T) {
	w := &scriptWriter{}
	h := startLoop(t, w, Config{})

	ack := newFakeAck()
	bad := submitDelivery(ack, "msg-bad")
	bad.Body = []byte(`{`)
	h.deliveries <- bad

	if e := ack.next(t); e.op != "nack" || e.requeue {
		t.Fatalf("expected nack without requeue got %+v", e)
	}
	if w.count() != 0 {
		t.Fatalf("malformed delivery must not be persisted")
	}

	// The loop keeps consuming after a dead-letter.
	h.deliveries <- submitDelivery(ack, "msg-2")
	if e := ack.next(t); e.op != "ack" {
		t.Fatalf("expected ack got %+v", e)
	}
}

func TestTransientFailureRetried(t *testing.T) {
	w := &scriptWriter{script: []error{
		&sink.TransientError{Err: errors.New("step down")},
	}}
	h := startLoop(t, w, Config{PersistRetries: 3})

	ack := newFakeAck()
	h.deliveries <- submitDelivery(ack, "msg-1")

	if e := ack.next(t); e.op != "ack" {
		t.Fatalf("expected ack after retry got %+v", e)
	}
	if w.count() != 1 {
		t.Fatalf("expected one persisted record got %d", w.count())
	}
}

func TestRetriesExhaustedRejects(t *testing.T) {
	transient := &sink.TransientError{Err: errors.New("timeout")}
	w := &scriptWriter{script: []error{transient, transient, transient}}
	h := startLoop(t, w, Config{PersistRetries: 2})

	ack := newFakeAck()
	h.deliveries <- submitDelivery(ack, "msg-1")

	if e := ack.next(t); e.op != "nack" || e.requeue {
		t.Fatalf("expected nack without requeue got %+v", e)
	}
	if w.count() != 0 {
		t.Fatalf("expected no persisted records got %d", w.count())
	}
}

func TestFatalErrorHaltsConsumption(t *testing.T) {
	w := &scriptWriter{script: []error{
		&sink.FatalError{Err: errors.New("unauthorized")},
	}}
	h := startLoop(t, w, Config{PersistRetries: 3})

	ack := newFakeAck()
	h.deliveries <- submitDelivery(ack, "msg-1")

	err := h.group.Wait()
	if err == nil || !sink.IsFatal(err) {
		t.Fatalf("expected fatal error from group got %v", err)
	}
	// The message stays unacked so the broker can redeliver it elsewhere.
	if ack.count() != 0 {
		t.Fatalf("fatal delivery must not be acknowledged, got %d events", ack.count())
	}
}

func TestRedeliveredDuplicateAckedWithoutWrite(t *testing.T) {
	w := &scriptWriter{}
	h := startLoop(t, w, Config{})

	ack := newFakeAck()
	h.deliveries <- submitDelivery(ack, "msg-1")
	if e := ack.next(t); e.op != "ack" {
		t.Fatalf("expected ack got %+v", e)
	}

	dup := submitDelivery(ack, "msg-1")
	dup.Redelivered = true
	h.deliveries <- dup
	if e := ack.next(t); e.op != "ack" {
		t.Fatalf("expected ack for duplicate got %+v", e)
	}
	if w.count() != 1 {
		t.Fatalf("duplicate must not be written twice, got %d", w.count())
	}
}

func TestShutdownDrainsInFlightCycle(t *testing.T) {
	w := &scriptWriter{
		started: make(chan struct{}, 1),
		block:   make(chan struct{}),
	}
	h := startLoop(t, w, Config{})

	ack := newFakeAck()
	h.deliveries <- submitDelivery(ack, "msg-1")

	select {
	case <-w.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("persist never started")
	}

	h.cancel()
	close(w.block)

	if e := ack.next(t); e.op != "ack" {
		t.Fatalf("expected in-flight cycle to complete with ack got %+v", e)
	}
	if err := h.group.Wait(); err != nil {
		t.Fatalf("expected clean shutdown got %v", err)
	}
	if w.count() != 1 {
		t.Fatalf("expected the in-flight record persisted got %d", w.count())
	}
}

func TestSessionLossTriggersReacquire(t *testing.T) {
	w := &scriptWriter{}
	h := startLoop(t, w, Config{})

	ack := newFakeAck()
	h.deliveries <- submitDelivery(ack, "msg-1")
	if e := ack.next(t); e.op != "ack" {
		t.Fatalf("expected ack got %+v", e)
	}

	h.closed <- &amqp.Error{Code: 320, Reason: "connection forced"}

	deadline := time.Now().Add(5 * time.Second)
	for h.dials.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected a re-dial after session loss, dials=%d", h.dials.Load())
		}
		time.Sleep(time.Millisecond)
	}

	h.deliveries <- submitDelivery(ack, "msg-2")
	if e := ack.next(t); e.op != "ack" {
		t.Fatalf("expected ack on new session got %+v", e)
	}
}
