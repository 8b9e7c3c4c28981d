package rfid

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSource struct {
	tags   chan string
	errs   chan error
	active atomic.Int32
	peak   atomic.Int32
	closed atomic.Bool

	// ignoreCtx makes Next block until release is closed.
	ignoreCtx atomic.Bool
	release   chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		tags:    make(chan string),
		errs:    make(chan error, 1),
		release: make(chan struct{}),
	}
}

func (f *fakeSource) Next(ctx context.Context) (string, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if f.ignoreCtx.Load() {
		<-f.release
		return "", ctx.Err()
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case t := <-f.tags:
		return t, nil
	case err := <-f.errs:
		return "", err
	}
}

func (f *fakeSource) Mode() Mode { return ModeSimulated }

func (f *fakeSource) Close() error {
	f.closed.Store(true)
	return nil
}

type reconnectingSource struct {
	*fakeSource
	reconnects atomic.Int32
	fail       bool
}

func (r *reconnectingSource) Reconnect(ctx context.Context) error {
	r.reconnects.Add(1)
	if r.fail {
		return errors.New("port gone")
	}
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []TagEvent
	ch     chan TagEvent
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan TagEvent, 16)}
}

func (r *recorder) listen(ev TagEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.ch <- ev
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func waitEvent(t *testing.T, ch <-chan TagEvent) TagEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tag event")
		return TagEvent{}
	}
}

func sendTag(t *testing.T, src *fakeSource, tag string) {
	t.Helper()
	select {
	case src.tags <- tag:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not read tag %q", tag)
	}
}

func TestSimulatedCandidateSetIncludesUnknownTag(t *testing.T) {
	sim := NewSimulated([]string{"A", "B"}, time.Millisecond, 2*time.Millisecond)
	tags := sim.Tags()
	if len(tags) != 3 || tags[2] != UnknownTag {
		t.Fatalf("unexpected candidate set: %v", tags)
	}

	allowed := map[string]bool{"A": true, "B": true, UnknownTag: true}
	for i := 0; i < 25; i++ {
		tag, err := sim.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !allowed[tag] {
			t.Fatalf("tag %q outside candidate set", tag)
		}
	}

	again := NewSimulated([]string{UnknownTag, "A"}, time.Millisecond, time.Millisecond)
	if len(again.Tags()) != 2 {
		t.Fatalf("unknown tag duplicated: %v", again.Tags())
	}
}

func TestSimulatedNextHonorsContext(t *testing.T) {
	sim := NewSimulated(nil, time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := sim.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestServiceDeliversTagsToListener(t *testing.T) {
	src := newFakeSource()
	svc := NewServiceWithSource(src, time.Second, testLogger())
	rec := newRecorder()
	svc.RegisterListener(rec.listen)

	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Close()

	sendTag(t, src, " TAG-1 \n")
	ev := waitEvent(t, rec.ch)
	if ev.ID != "TAG-1" || ev.ScannedAt.IsZero() {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestRegisterListenerReturnsPrevious(t *testing.T) {
	svc := NewServiceWithSource(newFakeSource(), time.Second, testLogger())

	var firstCalled bool
	first := func(TagEvent) { firstCalled = true }
	if prev := svc.RegisterListener(first); prev != nil {
		t.Fatal("expected no previous listener")
	}
	prev := svc.RegisterListener(func(TagEvent) {})
	if prev == nil {
		t.Fatal("expected previous listener to be returned")
	}
	prev(TagEvent{})
	if !firstCalled {
		t.Fatal("returned listener is not the first one")
	}
}

func TestStartStopNeverRunsTwoWorkers(t *testing.T) {
	src := newFakeSource()
	svc := NewServiceWithSource(src, time.Second, testLogger())
	defer svc.Close()

	for i := 0; i < 5; i++ {
		if err := svc.Start(); err != nil {
			t.Fatalf("Start: %v", err)
		}
		if err := svc.Start(); err != nil {
			t.Fatalf("second Start: %v", err)
		}
		if err := svc.Stop(); err != nil {
			t.Fatalf("Stop: %v", err)
		}
		if err := svc.Stop(); err != nil {
			t.Fatalf("second Stop: %v", err)
		}
	}
	if peak := src.peak.Load(); peak > 1 {
		t.Fatalf("observed %d concurrent workers", peak)
	}
}

func TestStopTimeoutBlocksNewWorker(t *testing.T) {
	src := newFakeSource()
	src.ignoreCtx.Store(true)
	svc := NewServiceWithSource(src, 50*time.Millisecond, testLogger())

	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := svc.Stop(); !errors.Is(err, ErrStopTimeout) {
		t.Fatalf("expected ErrStopTimeout, got %v", err)
	}
	if err := svc.Start(); !errors.Is(err, ErrWorkerBusy) {
		t.Fatalf("expected ErrWorkerBusy, got %v", err)
	}

	close(src.release)
	src.ignoreCtx.Store(false)

	deadline := time.Now().Add(2 * time.Second)
	for {
		err := svc.Start()
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Start after release: %v", err)
		}
	}
	if peak := src.peak.Load(); peak > 1 {
		t.Fatalf("observed %d concurrent workers", peak)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestNoListenerAfterStop(t *testing.T) {
	src := newFakeSource()
	svc := NewServiceWithSource(src, time.Second, testLogger())
	var calls atomic.Int32
	svc.RegisterListener(func(TagEvent) { calls.Add(1) })

	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case src.tags <- "LATE":
		t.Fatal("stopped worker still reading")
	case <-time.After(50 * time.Millisecond):
	}
	if calls.Load() != 0 {
		t.Fatalf("listener invoked %d times after Stop", calls.Load())
	}
}

func TestNoSourceReportsError(t *testing.T) {
	svc := NewServiceWithSource(nil, time.Second, testLogger())
	if svc.ActiveMode() != ModeNone {
		t.Fatalf("mode = %q", svc.ActiveMode())
	}
	if err := svc.Start(); !errors.Is(err, ErrNoSource) {
		t.Fatalf("expected ErrNoSource, got %v", err)
	}

	rec := newRecorder()
	if !svc.StartCapture(rec.listen) {
		t.Fatal("capture request should be accepted")
	}
	if ev := waitEvent(t, rec.ch); ev.ID != "" {
		t.Fatalf("expected empty sentinel, got %+v", ev)
	}
	if svc.CapturePending() {
		t.Fatal("capture still pending after failure")
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestCaptureRejectsSecondRequest(t *testing.T) {
	src := newFakeSource()
	svc := NewServiceWithSource(src, time.Second, testLogger())
	defer svc.Close()

	normal := newRecorder()
	svc.RegisterListener(normal.listen)
	a, b := newRecorder(), newRecorder()

	if !svc.StartCapture(a.listen) {
		t.Fatal("first capture rejected")
	}
	if svc.StartCapture(b.listen) {
		t.Fatal("second capture accepted")
	}
	if !svc.IsScanning() {
		t.Fatal("capture did not start scanning")
	}

	sendTag(t, src, "CAP-1")
	if ev := waitEvent(t, a.ch); ev.ID != "CAP-1" {
		t.Fatalf("capture got %+v", ev)
	}

	sendTag(t, src, "NEXT")
	if ev := waitEvent(t, normal.ch); ev.ID != "NEXT" {
		t.Fatalf("listener got %+v", ev)
	}
	if b.count() != 0 || a.count() != 1 {
		t.Fatalf("capture callbacks a=%d b=%d", a.count(), b.count())
	}
	if !svc.IsScanning() {
		t.Fatal("scanning should continue after capture")
	}
}

func TestStopCaptureRestoresListener(t *testing.T) {
	src := newFakeSource()
	svc := NewServiceWithSource(src, time.Second, testLogger())
	defer svc.Close()

	normal, capture := newRecorder(), newRecorder()
	svc.RegisterListener(normal.listen)

	if !svc.StartCapture(capture.listen) {
		t.Fatal("capture rejected")
	}
	svc.StopCapture()
	svc.StopCapture()

	sendTag(t, src, "AFTER")
	if ev := waitEvent(t, normal.ch); ev.ID != "AFTER" {
		t.Fatalf("listener got %+v", ev)
	}
	if capture.count() != 0 {
		t.Fatal("cancelled capture received a tag")
	}
}

func TestRegisterListenerDuringCapture(t *testing.T) {
	src := newFakeSource()
	svc := NewServiceWithSource(src, time.Second, testLogger())
	defer svc.Close()

	capture, replacement := newRecorder(), newRecorder()
	svc.StartCapture(capture.listen)
	svc.RegisterListener(replacement.listen)

	sendTag(t, src, "ONE")
	if ev := waitEvent(t, capture.ch); ev.ID != "ONE" {
		t.Fatalf("capture got %+v", ev)
	}
	sendTag(t, src, "TWO")
	if ev := waitEvent(t, replacement.ch); ev.ID != "TWO" {
		t.Fatalf("replacement got %+v", ev)
	}
}

func TestListenerPanicIsRecovered(t *testing.T) {
	src := newFakeSource()
	svc := NewServiceWithSource(src, time.Second, testLogger())
	defer svc.Close()

	rec := newRecorder()
	svc.RegisterListener(func(ev TagEvent) {
		if ev.ID == "BOOM" {
			panic("listener failure")
		}
		rec.listen(ev)
	})
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sendTag(t, src, "BOOM")
	sendTag(t, src, "OK")
	if ev := waitEvent(t, rec.ch); ev.ID != "OK" {
		t.Fatalf("got %+v", ev)
	}
}

func TestConnectionLostWithoutReconnectAbortsCapture(t *testing.T) {
	src := newFakeSource()
	svc := NewServiceWithSource(src, time.Second, testLogger())
	defer svc.Close()

	rec := newRecorder()
	svc.StartCapture(rec.listen)
	src.errs <- ErrConnectionLost

	if ev := waitEvent(t, rec.ch); ev.ID != "" {
		t.Fatalf("expected sentinel, got %+v", ev)
	}
	deadline := time.Now().Add(time.Second)
	for svc.IsScanning() {
		if time.Now().After(deadline) {
			t.Fatal("scanning still active after connection loss")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop after worker death: %v", err)
	}
}

func TestAbortedCaptureCallbackCanRestart(t *testing.T) {
	src := newFakeSource()
	svc := NewServiceWithSource(src, 300*time.Millisecond, testLogger())
	defer svc.Close()

	restarted := make(chan error, 1)
	svc.StartCapture(func(ev TagEvent) {
		if ev.ID != "" {
			restarted <- fmt.Errorf("expected sentinel, got %q", ev.ID)
			return
		}
		restarted <- svc.Start()
	})
	src.errs <- errors.New("hardware gone")

	select {
	case err := <-restarted:
		if err != nil {
			t.Fatalf("Start from aborted capture: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("capture callback not invoked")
	}
	if !svc.IsScanning() {
		t.Fatal("scanning not restarted")
	}

	rec := newRecorder()
	svc.RegisterListener(rec.listen)
	sendTag(t, src, "AGAIN")
	if ev := waitEvent(t, rec.ch); ev.ID != "AGAIN" {
		t.Fatalf("got %+v", ev)
	}
}

func TestListenerCanStopScanning(t *testing.T) {
	src := newFakeSource()
	svc := NewServiceWithSource(src, 300*time.Millisecond, testLogger())
	defer svc.Close()

	stopped := make(chan error, 1)
	svc.RegisterListener(func(TagEvent) { stopped <- svc.Stop() })
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sendTag(t, src, "STOP_ME")

	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop from listener: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener not invoked")
	}
	if svc.IsScanning() {
		t.Fatal("still scanning after Stop from listener")
	}
	select {
	case src.tags <- "LATE":
		t.Fatal("stopped worker still reading")
	case <-time.After(50 * time.Millisecond):
	}

	// The old worker has exited, so a new session starts without ErrWorkerBusy.
	if err := svc.Start(); err != nil {
		t.Fatalf("Start after listener stop: %v", err)
	}
}

func TestConnectionLostReconnects(t *testing.T) {
	src := &reconnectingSource{fakeSource: newFakeSource()}
	svc := NewServiceWithSource(src, time.Second, testLogger())
	defer svc.Close()

	rec := newRecorder()
	svc.RegisterListener(rec.listen)
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	src.errs <- ErrConnectionLost
	sendTag(t, src.fakeSource, "BACK")
	if ev := waitEvent(t, rec.ch); ev.ID != "BACK" {
		t.Fatalf("got %+v", ev)
	}
	if src.reconnects.Load() != 1 {
		t.Fatalf("reconnects = %d", src.reconnects.Load())
	}
}

func TestReconnectFailureStopsScanning(t *testing.T) {
	src := &reconnectingSource{fakeSource: newFakeSource(), fail: true}
	svc := NewServiceWithSource(src, time.Second, testLogger())
	defer svc.Close()

	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	src.errs <- ErrConnectionLost

	deadline := time.Now().Add(time.Second)
	for svc.IsScanning() {
		if time.Now().After(deadline) {
			t.Fatal("scanning still active after failed reconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	src := newFakeSource()
	svc := NewServiceWithSource(src, time.Second, testLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !src.closed.Load() {
		t.Fatal("source not closed")
	}
	if err := svc.Start(); !errors.Is(err, ErrNoSource) {
		t.Fatalf("Start after Close: %v", err)
	}
}

func TestNewServiceFallsBackToSimulation(t *testing.T) {
	cfg := Config{
		Mode:           ModeSerial,
		Fallback:       true,
		SerialPort:     "/nonexistent/ttyRFID",
		SimMinInterval: time.Millisecond,
		SimMaxInterval: time.Millisecond,
	}
	svc := NewService(cfg, testLogger())
	defer svc.Close()
	if svc.ActiveMode() != ModeSimulated {
		t.Fatalf("mode = %q", svc.ActiveMode())
	}

	cfg.Fallback = false
	strict := NewService(cfg, testLogger())
	defer strict.Close()
	if strict.ActiveMode() != ModeNone {
		t.Fatalf("strict mode = %q", strict.ActiveMode())
	}
	if err := strict.Start(); !errors.Is(err, ErrNoSource) {
		t.Fatalf("expected ErrNoSource, got %v", err)
	}
}

func TestOpenReportsCapabilityError(t *testing.T) {
	_, err := Open(Config{Mode: ModeSerial, SerialPort: "/nonexistent/ttyRFID"}, testLogger())
	var capErr *CapabilityError
	if !errors.As(err, &capErr) || capErr.Mode != ModeSerial {
		t.Fatalf("expected CapabilityError, got %v", err)
	}
}
