package oauth

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"loopauth/pkg/logging"
)

// Status is the lifecycle state of a single authentication attempt.
type Status string

const (
	// StatusNotStarted means Start has not run yet.
	StatusNotStarted Status = "not_started"

	// StatusTokenAlreadyValid means a stored credential made the browser flow unnecessary.
	StatusTokenAlreadyValid Status = "token_already_valid"

	// StatusListening means the callback listener is bound and awaiting the redirect.
	StatusListening Status = "listening"

	// StatusExchangePending means a code was received and is being exchanged.
	StatusExchangePending Status = "exchange_pending"

	// StatusCompleted means the exchange succeeded and the credential was persisted.
	StatusCompleted Status = "completed"

	// StatusFailed means the attempt ended without a usable credential.
	StatusFailed Status = "failed"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether no further transitions can leave this status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusTokenAlreadyValid, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Session events.
const (
	eventTokenValid     = "token_valid"
	eventListen         = "listen"
	eventPortsExhausted = "ports_exhausted"
	eventCallback       = "callback"
	eventExchangeOK     = "exchange_ok"
	eventFail           = "fail"
)

// Session is the state of one authentication attempt. Only the AuthServer
// drives transitions; any goroutine may read it.
type Session struct {
	id      string
	machine *fsm.FSM

	completed atomic.Bool
	port      atomic.Int32

	mu  sync.RWMutex
	err error

	done     chan struct{}
	doneOnce sync.Once
}

func newSession() *Session {
	s := &Session{
		id:   uuid.NewString(),
		done: make(chan struct{}),
	}

	s.machine = fsm.NewFSM(
		string(StatusNotStarted),
		fsm.Events{
			{Name: eventTokenValid, Src: []string{string(StatusNotStarted)}, Dst: string(StatusTokenAlreadyValid)},
			{Name: eventListen, Src: []string{string(StatusNotStarted)}, Dst: string(StatusListening)},
			{Name: eventPortsExhausted, Src: []string{string(StatusNotStarted)}, Dst: string(StatusFailed)},
			{Name: eventCallback, Src: []string{string(StatusListening)}, Dst: string(StatusExchangePending)},
			{Name: eventExchangeOK, Src: []string{string(StatusExchangePending)}, Dst: string(StatusCompleted)},
			{Name: eventFail, Src: []string{
				string(StatusNotStarted),
				string(StatusListening),
				string(StatusExchangePending),
			}, Dst: string(StatusFailed)},
		},
		fsm.Callbacks{
			"enter_" + string(StatusTokenAlreadyValid): func(_ context.Context, _ *fsm.Event) {
				s.completed.Store(true)
			},
			"enter_" + string(StatusCompleted): func(_ context.Context, _ *fsm.Event) {
				s.completed.Store(true)
			},
			"enter_" + string(StatusFailed): func(_ context.Context, e *fsm.Event) {
				if len(e.Args) > 0 {
					if err, ok := e.Args[0].(error); ok {
						s.mu.Lock()
						s.err = err
						s.mu.Unlock()
					}
				}
			},
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logging.Debug("OAuth", "Session %s: %s -> %s (%s)",
					logging.TruncateSessionID(s.id), e.Src, e.Dst, e.Event)
				if Status(e.Dst).IsTerminal() {
					s.markDone()
				}
			},
		},
	)

	return s
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string {
	return s.id
}

// Status returns the current status.
func (s *Session) Status() Status {
	return Status(s.machine.Current())
}

// CompletedSuccessfully reports whether the session produced or found a valid credential.
// Once true it never reverts.
func (s *Session) CompletedSuccessfully() bool {
	return s.completed.Load()
}

// Port returns the bound callback port, or 0 when none is bound.
func (s *Session) Port() int {
	return int(s.port.Load())
}

// Err returns the detail of a failed session, or nil.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Done is closed once the session is terminal or has been stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) setPort(port int) {
	s.port.Store(int32(port))
}

func (s *Session) markDone() {
	s.doneOnce.Do(func() {
		close(s.done)
	})
}

// fire applies an event. Transitions always run on a background context so
// a cancelled session context cannot leave a failure unrecorded.
func (s *Session) fire(event string, args ...interface{}) error {
	if err := s.machine.Event(context.Background(), event, args...); err != nil {
		return errors.Wrapf(err, "session %s: event %q from %s",
			logging.TruncateSessionID(s.id), event, s.machine.Current())
	}
	return nil
}

// fail moves the session to StatusFailed with err as the detail.
// Failing an already terminal session is a no-op.
func (s *Session) fail(err error) {
	if s.Status().IsTerminal() {
		return
	}
	if ferr := s.fire(eventFail, err); ferr != nil {
		logging.Debug("OAuth", "Ignoring failure for session %s: %v", logging.TruncateSessionID(s.id), ferr)
	}
}
