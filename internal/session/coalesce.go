package session

import (
	"context"
	"fmt"
)

// opKind names one coalescing slot. Each kind has at most one physical call in flight.
type opKind int

const (
	opConnect opKind = iota
	opDisconnect
	opStartNotify
	opStopNotify
	opBattery
	opDeviceInfo
	opInit
)

func (k opKind) String() string {
	switch k {
	case opConnect:
		return "connect"
	case opDisconnect:
		return "disconnect"
	case opStartNotify:
		return "start-notify"
	case opStopNotify:
		return "stop-notify"
	case opBattery:
		return "battery"
	case opDeviceInfo:
		return "device-info"
	case opInit:
		return "init"
	default:
		return fmt.Sprintf("op(%d)", int(k))
	}
}

// coalesce joins the in-flight call of kind, or starts fn when there is none.
// Every caller joined to one flight receives the identical result. ctx bounds
// only this caller's wait; the flight itself runs under the session context.
func coalesce[T any](ctx context.Context, s *Session, kind opKind, fn func(ctx context.Context) (T, error)) (T, error) {
	s.join(kind)
	defer s.leave(kind)

	return await(ctx, s, kind, fn)
}

// await runs or joins the flight of kind. The caller must already be joined.
func await[T any](ctx context.Context, s *Session, kind opKind, fn func(ctx context.Context) (T, error)) (T, error) {
	ch := s.flights.DoChan(kind.String(), func() (any, error) {
		s.setActive(kind, true)
		defer s.setActive(kind, false)

		return fn(s.context())
	})

	var zero T
	select {
	case res := <-ch:
		if res.Shared {
			s.log().WithField("op", kind).Debug("Joined in-flight operation")
		}
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (s *Session) join(kind opKind) {
	s.mu.Lock()
	s.waiting[kind]++
	s.mu.Unlock()
}

// admit joins kind unless conflict is in flight. Check and join happen under
// one lock so a connect and a disconnect can never both be admitted.
func (s *Session) admit(kind, conflict opKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[conflict] || s.waiting[conflict] > 0 {
		return false
	}
	s.waiting[kind]++
	return true
}

func (s *Session) leave(kind opKind) {
	s.mu.Lock()
	s.waiting[kind]--
	s.mu.Unlock()
}

func (s *Session) setActive(kind opKind, active bool) {
	s.mu.Lock()
	s.active[kind] = active
	s.mu.Unlock()
}

// inFlight reports whether kind has a running flight or a caller about to join one.
func (s *Session) inFlight(kind opKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[kind] || s.waiting[kind] > 0
}
