package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/flowlog/streamproc/internal/snapshotstore"
	"github.com/flowlog/streamproc/internal/streamlog"
	"github.com/flowlog/streamproc/internal/streamproc"
)

// ============================================================================
// Test fixtures
// ============================================================================

// counterState is the simplest possible StateResource: an int, serialized
// as decimal text.
type counterState struct {
	mu    sync.Mutex
	value int
}

func (s *counterState) Reset() {
	s.mu.Lock()
	s.value = 0
	s.mu.Unlock()
}

func (s *counterState) SerializeTo(w io.Writer) error {
	s.mu.Lock()
	v := s.value
	s.mu.Unlock()
	_, err := fmt.Fprintf(w, "%d", v)
	return err
}

func (s *counterState) RestoreFrom(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	var v int
	if _, err := fmt.Sscanf(string(data), "%d", &v); err != nil {
		return err
	}
	s.mu.Lock()
	s.value = v
	s.mu.Unlock()
	return nil
}

func (s *counterState) Inc() {
	s.mu.Lock()
	s.value++
	s.mu.Unlock()
}

func (s *counterState) Get() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// testProcessor is a StreamProcessor whose handler construction is
// pluggable per test via newHandler.
type testProcessor struct {
	state      *counterState
	newHandler func(rec streamlog.Record) streamproc.EventProcessor
	onEventErr error
	onCloseErr error
}

func (p *testProcessor) OnOpen(ctx context.Context) error { return nil }

func (p *testProcessor) OnEvent(rec streamlog.Record) (streamproc.EventProcessor, error) {
	if p.onEventErr != nil {
		return nil, p.onEventErr
	}
	if p.newHandler == nil {
		return nil, nil
	}
	return p.newHandler(rec), nil
}

func (p *testProcessor) OnRecovered() error { return nil }
func (p *testProcessor) OnClose() error     { return p.onCloseErr }
func (p *testProcessor) StateResource() streamproc.StateResource {
	return p.state
}

// fakeHandler is an EventProcessor whose four phases default to "succeed
// immediately, write the record's payload, increment the shared counter",
// with each phase overridable per test.
type fakeHandler struct {
	rec   streamlog.Record
	state *counterState

	processFn    func(lc *streamproc.LifecycleContext) error
	sideEffectFn func() (bool, error)
	writeFn      func(w streamlog.Writer) (streamlog.Position, error)
	updateFn     func() error

	mu              sync.Mutex
	processCalls    int
	sideEffectCalls int
	writeCalls      int
	updateCalls     int
}

func (h *fakeHandler) Process(lc *streamproc.LifecycleContext) error {
	h.mu.Lock()
	h.processCalls++
	h.mu.Unlock()
	if h.processFn != nil {
		return h.processFn(lc)
	}
	return nil
}

func (h *fakeHandler) ExecuteSideEffects() (bool, error) {
	h.mu.Lock()
	h.sideEffectCalls++
	h.mu.Unlock()
	if h.sideEffectFn != nil {
		return h.sideEffectFn()
	}
	return true, nil
}

func (h *fakeHandler) WriteEvent(w streamlog.Writer) (streamlog.Position, error) {
	h.mu.Lock()
	h.writeCalls++
	h.mu.Unlock()
	if h.writeFn != nil {
		return h.writeFn(w)
	}
	return w.Append(h.rec.Payload)
}

func (h *fakeHandler) UpdateState() error {
	h.mu.Lock()
	h.updateCalls++
	h.mu.Unlock()
	if h.updateFn != nil {
		return h.updateFn()
	}
	h.state.Inc()
	return nil
}

func (h *fakeHandler) calls() (process, sideEffect, write, update int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.processCalls, h.sideEffectCalls, h.writeCalls, h.updateCalls
}

// waitUntil polls cond until it returns true or timeout elapses, for
// assertions against state mutated on the controller's own loop goroutine.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

// triggerSnapshotTick runs the controller's snapshot tick synchronously,
// submitted onto its loop like the periodic timer would.
func triggerSnapshotTick(t *testing.T, c *Controller) {
	t.Helper()
	done := make(chan struct{})
	if err := c.loop.Submit(func() {
		c.takeSnapshotTick()
		close(done)
	}); err != nil {
		t.Fatalf("submit snapshot tick: %v", err)
	}
	<-done
}

// ============================================================================
// Basic lifecycle
// ============================================================================

func TestOpenEntersRunningAndClose(t *testing.T) {
	logStore := streamlog.NewMemoryLog()
	snapStore := snapshotstore.NewMemoryStore()
	state := &counterState{}
	proc := &testProcessor{state: state}

	c := NewController("basic", Config{SnapshotPeriod: time.Hour}, Dependencies{
		Log: logStore, SnapshotStore: snapStore, Processor: proc,
	})

	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if c.Phase() != PhaseRunning {
		t.Fatalf("phase = %v, want RUNNING", c.Phase())
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if c.Phase() != PhaseClosed {
		t.Fatalf("phase = %v, want CLOSED", c.Phase())
	}
	// Idempotent: no second teardown runs, but the repeat call reports
	// ErrClosed rather than silently succeeding again.
	if err := c.Close(); !errors.Is(err, ErrClosed) {
		t.Fatalf("second Close: err = %v, want ErrClosed", err)
	}
}

func TestOpenTwiceFails(t *testing.T) {
	logStore := streamlog.NewMemoryLog()
	snapStore := snapshotstore.NewMemoryStore()
	proc := &testProcessor{state: &counterState{}}

	c := NewController("twice", Config{SnapshotPeriod: time.Hour}, Dependencies{
		Log: logStore, SnapshotStore: snapStore, Processor: proc,
	})
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	if err := c.Open(context.Background()); !errors.Is(err, ErrAlreadyOpen) {
		t.Fatalf("second Open: got %v, want ErrAlreadyOpen", err)
	}
}

// ============================================================================
// S1 - Snapshotless cold start
// ============================================================================

func TestScenario_S1_SnapshotlessColdStart(t *testing.T) {
	logStore := streamlog.NewMemoryLog()
	logStore.SeedRecord(streamlog.Record{Position: 0, ProducerID: "input"})
	logStore.SeedRecord(streamlog.Record{Position: 1, ProducerID: "input"})
	logStore.SeedRecord(streamlog.Record{Position: 2, ProducerID: "input"})
	logStore.SetCommitPosition(2)

	snapStore := snapshotstore.NewMemoryStore()
	state := &counterState{}
	proc := &testProcessor{state: state}
	proc.newHandler = func(rec streamlog.Record) streamproc.EventProcessor {
		return &fakeHandler{rec: rec, state: state}
	}

	c := NewController("s1", Config{SnapshotPeriod: time.Hour}, Dependencies{
		Log: logStore, SnapshotStore: snapStore, Processor: proc,
	})
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	if !waitUntil(t, time.Second, func() bool { return state.Get() == 3 }) {
		t.Fatalf("counter = %d, want 3", state.Get())
	}
	if got := c.Status().LastSuccessfullyProcessedPosition; got != 2 {
		t.Fatalf("lastSuccessfullyProcessedPosition = %d, want 2", got)
	}
}

// ============================================================================
// S2 - Reprocess after crash
// ============================================================================

func TestScenario_S2_ReprocessAfterCrash(t *testing.T) {
	logStore := streamlog.NewMemoryLog()
	for i := 0; i < 6; i++ {
		logStore.SeedRecord(streamlog.Record{Position: streamlog.Position(i), ProducerID: "other"})
	}
	logStore.SeedRecord(streamlog.Record{Position: 6, ProducerID: "other"})                                    // r@6, the input record
	logStore.SeedRecord(streamlog.Record{Position: 7, ProducerID: "s2", SourceRecordPosition: 6}) // w@7, our own prior output
	logStore.SetCommitPosition(7)

	snapStore := snapshotstore.NewMemoryStore()
	w, err := snapStore.CreateSnapshot("s2", snapshotstore.Position(5))
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	if _, err := w.Write([]byte("5")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	state := &counterState{}
	var mu sync.Mutex
	var reprocessedHandler *fakeHandler
	proc := &testProcessor{state: state}
	proc.newHandler = func(rec streamlog.Record) streamproc.EventProcessor {
		h := &fakeHandler{rec: rec, state: state}
		mu.Lock()
		reprocessedHandler = h
		mu.Unlock()
		return h
	}

	c := NewController("s2", Config{SnapshotPeriod: time.Hour}, Dependencies{
		Log: logStore, SnapshotStore: snapStore, Processor: proc,
	})
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	if !waitUntil(t, time.Second, func() bool { return state.Get() == 6 }) {
		t.Fatalf("counter = %d, want 6", state.Get())
	}
	if c.Phase() != PhaseRunning {
		t.Fatalf("phase = %v, want RUNNING", c.Phase())
	}

	mu.Lock()
	h := reprocessedHandler
	mu.Unlock()
	_, sideEffects, writes, updates := h.calls()
	if sideEffects != 0 || writes != 0 {
		t.Fatalf("reprocessing ran side-effects=%d writes=%d, want 0, 0", sideEffects, writes)
	}
	if updates != 1 {
		t.Fatalf("updateState called %d times, want 1", updates)
	}
}

// ============================================================================
// S3 - Transient write retries
// ============================================================================

func TestScenario_S3_TransientWriteRetries(t *testing.T) {
	logStore := streamlog.NewMemoryLog()
	logStore.SeedRecord(streamlog.Record{Position: 0, ProducerID: "input", Payload: []byte("payload")})
	logStore.SetCommitPosition(0)

	snapStore := snapshotstore.NewMemoryStore()
	state := &counterState{}
	var handler *fakeHandler
	proc := &testProcessor{state: state}
	proc.newHandler = func(rec streamlog.Record) streamproc.EventProcessor {
		attempts := 0
		h := &fakeHandler{rec: rec, state: state}
		h.writeFn = func(w streamlog.Writer) (streamlog.Position, error) {
			attempts++
			if attempts < 3 {
				return streamlog.NoPosition, nil
			}
			return w.Append(rec.Payload)
		}
		handler = h
		return h
	}

	c := NewController("s3", Config{SnapshotPeriod: time.Hour}, Dependencies{
		Log: logStore, SnapshotStore: snapStore, Processor: proc,
	})
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	if !waitUntil(t, time.Second, func() bool { return state.Get() == 1 }) {
		t.Fatalf("counter = %d, want 1", state.Get())
	}

	_, sideEffects, writes, updates := handler.calls()
	if writes != 3 {
		t.Fatalf("writeEvent called %d times, want 3", writes)
	}
	if sideEffects != 1 {
		t.Fatalf("executeSideEffects called %d times, want 1", sideEffects)
	}
	if updates != 1 {
		t.Fatalf("updateState called %d times, want 1", updates)
	}
	if got, want := c.Status().LastWrittenPosition, streamlog.Position(1); got != want {
		t.Fatalf("lastWrittenPosition = %d, want %d", got, want)
	}
}

// ============================================================================
// S4 - Snapshot safety gate
// ============================================================================

func TestScenario_S4_SnapshotSafetyGate(t *testing.T) {
	logStore := streamlog.NewMemoryLog()
	logStore.SeedRecord(streamlog.Record{Position: 0, ProducerID: "input", Payload: []byte("payload")})
	// CommitPosition defaults to NoPosition: lags any write from the start.

	snapStore := snapshotstore.NewMemoryStore()
	state := &counterState{}
	proc := &testProcessor{state: state}
	proc.newHandler = func(rec streamlog.Record) streamproc.EventProcessor {
		return &fakeHandler{rec: rec, state: state}
	}

	c := NewController("s4", Config{SnapshotPeriod: time.Hour}, Dependencies{
		Log: logStore, SnapshotStore: snapStore, Processor: proc,
	})
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	if !waitUntil(t, time.Second, func() bool { return state.Get() == 1 }) {
		t.Fatalf("handler never ran")
	}

	triggerSnapshotTick(t, c)
	if _, err := snapStore.LastSnapshot("s4"); !errors.Is(err, snapshotstore.ErrNotFound) {
		t.Fatalf("expected no snapshot while commit position lags, got err=%v", err)
	}

	logStore.SetCommitPosition(c.Status().LastWrittenPosition)
	triggerSnapshotTick(t, c)

	snap, err := snapStore.LastSnapshot("s4")
	if err != nil {
		t.Fatalf("expected a snapshot once commit position caught up: %v", err)
	}
	if snap.Position != snapshotstore.Position(c.Status().LastSuccessfullyProcessedPosition) {
		t.Fatalf("snapshot position = %d, want %d", snap.Position, c.Status().LastSuccessfullyProcessedPosition)
	}
}

// ============================================================================
// S5 - Handler throws
// ============================================================================

func TestScenario_S5_HandlerThrows(t *testing.T) {
	logStore := streamlog.NewMemoryLog()
	logStore.SeedRecord(streamlog.Record{Position: 0, ProducerID: "input"})
	logStore.SeedRecord(streamlog.Record{Position: 1, ProducerID: "input"})
	logStore.SeedRecord(streamlog.Record{Position: 2, ProducerID: "input"})
	logStore.SetCommitPosition(2)

	snapStore := snapshotstore.NewMemoryStore()
	state := &counterState{}
	boom := errors.New("boom")
	proc := &testProcessor{state: state}
	proc.newHandler = func(rec streamlog.Record) streamproc.EventProcessor {
		h := &fakeHandler{rec: rec, state: state}
		if rec.Position == 1 {
			h.processFn = func(lc *streamproc.LifecycleContext) error { return boom }
		}
		return h
	}

	c := NewController("s5", Config{SnapshotPeriod: time.Hour}, Dependencies{
		Log: logStore, SnapshotStore: snapStore, Processor: proc,
	})
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	if !waitUntil(t, time.Second, func() bool { return c.IsFailed() }) {
		t.Fatalf("expected controller to fail")
	}
	if c.Phase() != PhaseFailed {
		t.Fatalf("phase = %v, want FAILED", c.Phase())
	}
	// Record 2 must never be reached: only record 0 completed.
	if state.Get() != 1 {
		t.Fatalf("counter = %d, want 1 (only record 0 should have completed)", state.Get())
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := snapStore.LastSnapshot("s5"); !errors.Is(err, snapshotstore.ErrNotFound) {
		t.Fatalf("expected no snapshot written during close after failure, got err=%v", err)
	}
}

// ============================================================================
// S6 - Suspend/resume
// ============================================================================

func TestScenario_S6_SuspendResume(t *testing.T) {
	logStore := streamlog.NewMemoryLog()
	logStore.SeedRecord(streamlog.Record{Position: 0, ProducerID: "input"})
	logStore.SetCommitPosition(0)

	snapStore := snapshotstore.NewMemoryStore()
	state := &counterState{}
	var mu sync.Mutex
	var order []streamlog.Position
	proc := &testProcessor{state: state}
	proc.newHandler = func(rec streamlog.Record) streamproc.EventProcessor {
		h := &fakeHandler{rec: rec, state: state}
		h.updateFn = func() error {
			mu.Lock()
			order = append(order, rec.Position)
			mu.Unlock()
			state.Inc()
			return nil
		}
		return h
	}

	c := NewController("s6", Config{SnapshotPeriod: time.Hour}, Dependencies{
		Log: logStore, SnapshotStore: snapStore, Processor: proc,
	})
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	if !waitUntil(t, time.Second, func() bool { return state.Get() == 1 }) {
		t.Fatalf("record 0 never processed")
	}

	if err := c.Suspend(); err != nil {
		t.Fatalf("Suspend: %v", err)
	}

	w := logStore.NewWriter().WithProducer("other")
	if _, err := w.Append([]byte("r1")); err != nil {
		t.Fatalf("Append r1: %v", err)
	}
	if _, err := w.Append([]byte("r2")); err != nil {
		t.Fatalf("Append r2: %v", err)
	}

	if !waitUntil(t, time.Second, func() bool { return c.Phase() == PhaseSuspended }) {
		t.Fatalf("controller did not suspend, phase=%v", c.Phase())
	}
	if state.Get() != 1 {
		t.Fatalf("records processed while suspended, counter = %d", state.Get())
	}

	if err := c.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !waitUntil(t, time.Second, func() bool { return state.Get() == 3 }) {
		t.Fatalf("records not processed after resume, counter = %d", state.Get())
	}

	// Record 0's own output took position 1, so r1 and r2 sit at 2 and 3.
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 0 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("unexpected processing order: %v", order)
	}
}

// ============================================================================
// Read-only processors
// ============================================================================

func TestReadOnlySkipsWritePhase(t *testing.T) {
	logStore := streamlog.NewMemoryLog()
	logStore.SeedRecord(streamlog.Record{Position: 0, ProducerID: "input"})
	logStore.SetCommitPosition(0)

	snapStore := snapshotstore.NewMemoryStore()
	state := &counterState{}
	var handler *fakeHandler
	proc := &testProcessor{state: state}
	proc.newHandler = func(rec streamlog.Record) streamproc.EventProcessor {
		handler = &fakeHandler{rec: rec, state: state}
		return handler
	}

	c := NewController("readonly", Config{SnapshotPeriod: time.Hour, ReadOnly: true}, Dependencies{
		Log: logStore, SnapshotStore: snapStore, Processor: proc,
	})
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	if !waitUntil(t, time.Second, func() bool { return state.Get() == 1 }) {
		t.Fatalf("counter = %d, want 1", state.Get())
	}
	_, _, writes, _ := handler.calls()
	if writes != 0 {
		t.Fatalf("writeEvent called %d times for a read-only processor, want 0", writes)
	}
}
