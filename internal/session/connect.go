package session

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/sensorlink/internal/device"
)

// Connect establishes the link and waits until the device reports Ready.
//
// A successful physical call only acknowledges initiation; the result comes
// from the Ready notification or, when that never arrives, from the watchdog.
// Connect is rejected while a disconnect is in flight. A failed connect
// schedules a cleanup disconnect.
func (s *Session) Connect(ctx context.Context) bool {
	if state := s.State(); s.isConnectedState(state) {
		s.log().WithField("state", state).Debug("Already connected")
		return true
	}

	if !s.admit(opConnect, opDisconnect) {
		s.log().WithError(ErrDisconnectInFlight).Warn("Connect rejected")
		return false
	}
	defer s.leave(opConnect)

	ok, err := await(ctx, s, opConnect, s.doConnect)
	if err != nil {
		s.log().WithError(err).Debug("Connect wait abandoned")
		return false
	}
	return ok
}

func (s *Session) doConnect(ctx context.Context) (bool, error) {
	done := make(chan bool, 1)

	s.mu.Lock()
	s.connectDone = done
	s.connectAcked = false
	s.connectRequestedAt = s.opts.Now()
	s.mu.Unlock()

	s.log().Info("Connecting")

	callCtx, cancel := s.callContext()
	ok, err := s.transport.Connect(callCtx, s.dev.Address)
	cancel()

	var result bool
	if err != nil || !ok {
		s.resolveConnect(false)
		if err != nil {
			err = device.NormalizeError(err)
			s.log().WithError(err).Error("Connect failed")
			s.reportError(err)
		} else {
			s.log().Error("Connect refused by transport")
		}
	} else {
		s.mu.Lock()
		if s.connectDone == done {
			s.connectAcked = true
		}
		s.mu.Unlock()

		select {
		case result = <-done:
		case <-ctx.Done():
		}
	}

	if result {
		s.log().Info("Connected")
		return true, nil
	}

	if ctx.Err() == nil {
		s.schedule("connect-cleanup", func(ctx context.Context) {
			s.disconnect(ctx, true)
		})
	}
	return false, nil
}

// resolveConnect delivers ok to the pending connect, if any.
func (s *Session) resolveConnect(ok bool) {
	s.mu.Lock()
	done := s.connectDone
	s.connectDone = nil
	s.connectAcked = false
	s.connectRequestedAt = time.Time{}
	s.mu.Unlock()

	if done != nil {
		done <- ok
	}
}

// Disconnect tears the link down and waits until the device reports
// Disconnected. It is rejected while a connect is in flight. A confirmed
// failure is re-issued up to Options.DisconnectRetries times.
func (s *Session) Disconnect(ctx context.Context) bool {
	return s.disconnect(ctx, false)
}

// disconnect with internal set skips the connect exclusion; it is the cleanup
// path of a failed connect or init.
func (s *Session) disconnect(ctx context.Context, internal bool) bool {
	if state := s.State(); state == device.Disconnected {
		s.log().Debug("Already disconnected")
		return true
	}

	if internal {
		s.join(opDisconnect)
	} else if !s.admit(opDisconnect, opConnect) {
		s.log().WithError(ErrConnectInFlight).Warn("Disconnect rejected")
		return false
	}
	defer s.leave(opDisconnect)

	ok, err := await(ctx, s, opDisconnect, s.doDisconnect)
	if err != nil {
		s.log().WithError(err).Debug("Disconnect wait abandoned")
		return false
	}
	return ok
}

func (s *Session) doDisconnect(ctx context.Context) (bool, error) {
	for attempt := 0; ; attempt++ {
		if s.disconnectOnce(ctx) {
			s.reset()
			s.log().Info("Disconnected")
			return true, nil
		}

		if ctx.Err() != nil || attempt >= s.opts.DisconnectRetries {
			s.log().WithField("attempt", attempt+1).Error("Disconnect failed")
			return false, nil
		}
		if s.State() == device.Disconnected {
			s.reset()
			return true, nil
		}

		s.log().WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"max":     s.opts.DisconnectRetries,
		}).Warn("Disconnect not confirmed, retrying")
	}
}

func (s *Session) disconnectOnce(ctx context.Context) bool {
	done := make(chan bool, 1)

	s.mu.Lock()
	s.disconnectDone = done
	s.disconnectRequestedAt = s.opts.Now()
	s.mu.Unlock()

	callCtx, cancel := s.callContext()
	ok, err := s.transport.Disconnect(callCtx, s.dev.Address)
	cancel()

	if err != nil || !ok {
		s.resolveDisconnect(false)
		if err != nil {
			err = device.NormalizeError(err)
			s.log().WithError(err).Warn("Disconnect call failed")
			s.reportError(err)
		}
		return false
	}

	select {
	case result := <-done:
		return result
	case <-ctx.Done():
		return false
	}
}

// resolveDisconnect delivers ok to the pending disconnect, if any.
func (s *Session) resolveDisconnect(ok bool) {
	s.mu.Lock()
	done := s.disconnectDone
	s.disconnectDone = nil
	s.disconnectRequestedAt = time.Time{}
	s.mu.Unlock()

	if done != nil {
		done <- ok
	}
}
