package rfid

type captureRequest struct {
	fn Listener
}

// StartCapture routes the next tag to fn instead of the registered listener, then restores
// normal routing before the worker reads again. Scanning is started if idle and keeps
// running afterwards. It returns false when fn is nil or another capture is pending. If
// scanning cannot start, fn receives an empty TagEvent.
func (s *Service) StartCapture(fn Listener) bool {
	if fn == nil {
		return false
	}

	req := &captureRequest{fn: fn}

	s.mu.Lock()
	if s.capture != nil {
		s.mu.Unlock()
		s.logger.Warn("capture already pending, request ignored")
		return false
	}
	s.capture = req
	scanning := s.scanning
	s.mu.Unlock()

	if scanning {
		return true
	}

	if err := s.Start(); err != nil {
		s.mu.Lock()
		owned := s.capture == req
		if owned {
			s.capture = nil
		}
		s.mu.Unlock()

		s.logger.Error("capture could not start scanning", "error", err)
		if owned {
			s.safeInvoke(fn, TagEvent{})
		}
	}
	return true
}

// StopCapture cancels a pending capture. Scanning continues. Calling it with no capture
// pending does nothing.
func (s *Service) StopCapture() {
	s.mu.Lock()
	pending := s.capture != nil
	s.capture = nil
	s.mu.Unlock()

	if pending {
		s.logger.Info("capture cancelled")
	}
}

// CapturePending reports whether a capture is waiting for a tag.
func (s *Service) CapturePending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capture != nil
}
