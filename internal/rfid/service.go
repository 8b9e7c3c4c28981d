package rfid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"consultease/central/internal/metrics"
)

const defaultJoinTimeout = 2 * time.Second

// Service coordinates continuous scanning on a single background worker and fans tag
// events out to one registered listener.
type Service struct {
	logger      *slog.Logger
	joinTimeout time.Duration

	// life serializes Start, Stop and Close.
	life sync.Mutex

	mu       sync.Mutex
	source   Source
	mode     Mode
	scanning bool
	cancel   context.CancelFunc
	done     chan struct{}
	listener Listener
	capture  *captureRequest
	closed   bool

	// listening holds the done channel of a worker that is inside a listener or capture
	// callback.
	listening chan struct{}
}

// NewService opens the configured source. When the source is unavailable and cfg.Fallback
// is set, the simulated source is used instead; otherwise the service has no source and
// Start returns ErrNoSource.
func NewService(cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	src, err := Open(cfg, logger)
	if err != nil {
		var capErr *CapabilityError
		switch {
		case cfg.Fallback && errors.As(err, &capErr):
			logger.Warn("rfid reader unavailable, falling back to simulation", "mode", cfg.Mode, "error", err)
			src = NewSimulated(cfg.SimTags, cfg.SimMinInterval, cfg.SimMaxInterval)
		default:
			logger.Error("rfid reader unavailable, scanning disabled", "mode", cfg.Mode, "error", err)
			src = nil
		}
	}

	return NewServiceWithSource(src, cfg.JoinTimeout, logger)
}

// NewServiceWithSource wraps an already opened source. A nil source yields a service
// whose Start reports ErrNoSource.
func NewServiceWithSource(src Source, joinTimeout time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if joinTimeout <= 0 {
		joinTimeout = defaultJoinTimeout
	}
	mode := ModeNone
	if src != nil {
		mode = src.Mode()
	}
	return &Service{
		logger:      logger.With("component", "rfid"),
		joinTimeout: joinTimeout,
		source:      src,
		mode:        mode,
	}
}

// ActiveMode reports the mode actually in use after any fallback.
func (s *Service) ActiveMode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// IsScanning reports whether a scan session is active.
func (s *Service) IsScanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanning
}

// RegisterListener installs fn as the tag listener and returns the one it replaced. While
// a capture is pending the pending capture keeps intercepting the next tag and fn takes
// effect once the capture completes.
func (s *Service) RegisterListener(fn Listener) Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.listener
	s.listener = fn
	return prev
}

// Start begins scanning. Starting an active session is a no-op.
func (s *Service) Start() error {
	s.life.Lock()
	defer s.life.Unlock()
	return s.startLocked()
}

func (s *Service) startLocked() error {
	s.mu.Lock()
	if s.scanning {
		s.mu.Unlock()
		s.logger.Warn("scan already running")
		return nil
	}
	if s.source == nil || s.closed {
		s.mu.Unlock()
		return ErrNoSource
	}
	prev := s.done
	src := s.source
	s.mu.Unlock()

	// A worker left behind by a timed-out Stop must be gone before a new one starts.
	if prev != nil {
		timer := time.NewTimer(s.joinTimeout)
		select {
		case <-prev:
			timer.Stop()
		case <-timer.C:
			return ErrWorkerBusy
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.scanning = true
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	s.logger.Info("scan started", "mode", src.Mode())
	go s.scanLoop(ctx, src, done)
	return nil
}

// Stop ends the scan session and waits up to the join timeout for the worker. Once Stop
// returns nil no listener is invoked until the next Start. While a listener is running
// Stop only cancels the session: the worker exits when that listener returns, so a
// listener may stop scanning without joining itself.
func (s *Service) Stop() error {
	s.life.Lock()
	defer s.life.Unlock()
	return s.stopLocked()
}

func (s *Service) stopLocked() error {
	s.mu.Lock()
	if !s.scanning {
		s.mu.Unlock()
		return nil
	}
	s.scanning = false
	cancel := s.cancel
	done := s.done
	inListener := s.listening != nil && s.listening == done
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	if inListener {
		s.logger.Info("scan stopped while a listener was running")
		return nil
	}

	timer := time.NewTimer(s.joinTimeout)
	defer timer.Stop()
	select {
	case <-done:
		s.logger.Info("scan stopped")
		return nil
	case <-timer.C:
		s.logger.Warn("scan worker did not stop in time", "timeout", s.joinTimeout)
		return ErrStopTimeout
	}
}

// Close stops scanning and releases the source. It is safe to call more than once.
func (s *Service) Close() error {
	s.life.Lock()
	defer s.life.Unlock()

	stopErr := s.stopLocked()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return stopErr
	}
	s.closed = true
	src := s.source
	s.mu.Unlock()

	if src == nil {
		return stopErr
	}
	if err := src.Close(); err != nil {
		return errors.Join(stopErr, fmt.Errorf("close rfid source: %w", err))
	}
	return stopErr
}

func (s *Service) scanLoop(ctx context.Context, src Source, done chan struct{}) {
	// The aborted capture is delivered after done is closed so its callback may call Start.
	var aborted *captureRequest
	defer func() {
		close(done)
		if aborted != nil {
			s.logger.Warn("scan worker aborted with capture pending")
			s.safeInvoke(aborted.fn, TagEvent{})
		}
	}()

	reason := ""
	defer func() { aborted = s.finishStopped(ctx, done, reason) }()

	for ctx.Err() == nil {
		tag, err := src.Next(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if !errors.Is(err, ErrConnectionLost) {
				s.logger.Error("tag source failed", "mode", src.Mode(), "error", err)
				reason = "source_error"
				return
			}
			rc, ok := src.(Reconnecter)
			if !ok {
				s.logger.Error("reader lost, scanning stopped", "mode", src.Mode(), "error", err)
				reason = "connection_lost"
				return
			}
			s.logger.Warn("reader lost, reconnecting", "mode", src.Mode(), "error", err)
			if rerr := rc.Reconnect(ctx); rerr != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Error("reader reconnect failed, scanning stopped", "mode", src.Mode(), "error", rerr)
				reason = "reconnect_failed"
				return
			}
			s.logger.Info("reader reconnected", "mode", src.Mode())
			continue
		}

		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		metrics.TagsScanned.WithLabelValues(string(src.Mode())).Inc()
		s.dispatch(ctx, done, TagEvent{ID: tag, ScannedAt: time.Now()})
	}
}

// finishStopped clears the session when the worker ends on its own and returns the pending
// capture, which the caller aborts with the empty sentinel.
func (s *Service) finishStopped(ctx context.Context, done chan struct{}, reason string) *captureRequest {
	if ctx.Err() != nil {
		return nil
	}

	s.mu.Lock()
	if s.done == done {
		s.scanning = false
		if s.cancel != nil {
			s.cancel()
			s.cancel = nil
		}
	}
	pending := s.capture
	s.capture = nil
	s.mu.Unlock()

	metrics.ScanWorkerExits.WithLabelValues(reason).Inc()
	return pending
}

func (s *Service) dispatch(ctx context.Context, done chan struct{}, ev TagEvent) {
	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	fn := s.listener
	if s.capture != nil {
		fn = s.capture.fn
		s.capture = nil
	}
	if fn == nil {
		s.mu.Unlock()
		s.logger.Debug("tag read with no listener", "tag", ev.ID)
		return
	}
	s.listening = done
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.listening == done {
			s.listening = nil
		}
		s.mu.Unlock()
	}()
	s.safeInvoke(fn, ev)
}

func (s *Service) safeInvoke(fn Listener, ev TagEvent) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ListenerPanics.Inc()
			s.logger.Error("rfid listener panic", "tag", ev.ID, "panic", r)
		}
	}()
	fn(ev)
}
