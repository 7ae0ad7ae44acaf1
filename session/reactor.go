package session

import (
	"log/slog"
	"reflect"
	"time"

	"github.com/c360/acqstreams/device"
	"github.com/c360/acqstreams/errors"
)

// source is one entry in the reactor's table: an optional readiness
// channel plus a timeout, and the callback both feed into.
type source struct {
	key      any
	ready    <-chan struct{} // nil for a pure timer
	interval time.Duration   // zero means no timeout
	deadline time.Time       // zero when interval is zero
	cb       device.SourceFunc
}

// rearmAfterTimeout advances the deadline by one interval, anchored to
// the previous deadline so repeated short timeouts do not drift. A
// deadline that has fallen more than one interval behind is reset from
// now instead of burst-firing to catch up.
func (s *source) rearmAfterTimeout(now time.Time) {
	if s.interval <= 0 {
		return
	}
	s.deadline = s.deadline.Add(s.interval)
	if s.deadline.Before(now) {
		s.deadline = now.Add(s.interval)
	}
}

// rearmAfterReady restarts the timeout from now: readiness resets the
// "max time without data" clock.
func (s *source) rearmAfterReady(now time.Time) {
	if s.interval > 0 {
		s.deadline = now.Add(s.interval)
	}
}

// reactor is the session's cooperative execution context: a
// single-threaded poll loop over event sources, with a thread-safe
// invoke primitive for cross-thread requests and an idle-priority task
// queue for stop detection. It exists only while the session runs.
type reactor struct {
	logger     *slog.Logger
	sources    []*source
	table      map[any]*source
	invokeC    chan func()
	idleTasks  []func()
	onFinalize func(key any)
}

func newReactor(logger *slog.Logger, onFinalize func(key any)) *reactor {
	return &reactor{
		logger:     logger,
		table:      make(map[any]*source),
		invokeC:    make(chan func(), 64),
		onFinalize: onFinalize,
	}
}

// addSource registers a source under key. A key is registered at most
// once.
func (r *reactor) addSource(key any, ready <-chan struct{}, timeoutMS int, cb device.SourceFunc) error {
	if cb == nil {
		return errors.WrapArgument(errors.New("nil source callback"),
			"reactor", "addSource", "callback validation")
	}
	if _, exists := r.table[key]; exists {
		return errors.WrapArgument(errors.ErrSourceRegistered,
			"reactor", "addSource", "duplicate key check")
	}
	if ready == nil && timeoutMS <= 0 {
		return errors.WrapArgument(errors.New("pure timer needs a positive timeout"),
			"reactor", "addSource", "timeout validation")
	}

	s := &source{key: key, ready: ready, cb: cb}
	if timeoutMS > 0 {
		s.interval = time.Duration(timeoutMS) * time.Millisecond
		s.deadline = time.Now().Add(s.interval)
	}
	r.sources = append(r.sources, s)
	r.table[key] = s
	return nil
}

// removeSource deregisters the source under key. Removing an unknown
// key is reported, not fatal.
func (r *reactor) removeSource(key any) error {
	if _, exists := r.table[key]; !exists {
		r.logger.Warn("Removing unknown event source", "key", key)
		return errors.WrapArgument(errors.ErrSourceUnknown,
			"reactor", "removeSource", "source lookup")
	}
	r.finalize(key)
	return nil
}

// finalize drops the source and notifies the owner. This runs both for
// explicit removal and for callbacks returning false, so bookkeeping
// happens at finalize time, not at remove-call time.
func (r *reactor) finalize(key any) {
	s, exists := r.table[key]
	if !exists {
		return
	}
	delete(r.table, key)
	for i, candidate := range r.sources {
		if candidate == s {
			r.sources = append(r.sources[:i], r.sources[i+1:]...)
			break
		}
	}
	if r.onFinalize != nil {
		r.onFinalize(key)
	}
}

// sourceCount returns the number of registered sources.
func (r *reactor) sourceCount() int {
	return len(r.table)
}

// invoke marshals fn into the reactor thread. Safe to call from any
// goroutine; fn runs during a poll iteration.
func (r *reactor) invoke(fn func()) {
	select {
	case r.invokeC <- fn:
	default:
		r.logger.Error("Reactor invoke queue full, dropping request")
	}
}

// scheduleIdle queues fn to run when the current poll iteration has
// dispatched its events.
func (r *reactor) scheduleIdle(fn func()) {
	r.idleTasks = append(r.idleTasks, fn)
}

// dispatch runs a source callback; a false return finalizes the source.
func (r *reactor) dispatch(s *source, revents int) {
	// The source may have been finalized by an earlier callback in the
	// same iteration.
	if _, live := r.table[s.key]; !live {
		return
	}
	if !s.cb(revents) {
		r.finalize(s.key)
	}
}

// pollOnce runs one iteration of the loop: it waits (at most maxWait)
// for cross-thread invokes, source readiness, or the earliest source
// deadline, dispatches what fired, then runs queued idle tasks.
func (r *reactor) pollOnce(maxWait time.Duration) {
	// Cross-thread requests queued since the last iteration run first.
	for drained := false; !drained; {
		select {
		case fn := <-r.invokeC:
			fn()
		default:
			drained = true
		}
	}

	now := time.Now()
	wait := maxWait
	for _, s := range r.sources {
		if s.interval <= 0 {
			continue
		}
		if until := s.deadline.Sub(now); until < wait {
			wait = until
		}
	}
	if wait < 0 || len(r.idleTasks) > 0 {
		wait = 0
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	// select over {invoke, timer, every readiness channel}.
	cases := make([]reflect.SelectCase, 2, len(r.sources)+2)
	cases[0] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(r.invokeC)}
	cases[1] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(timer.C)}
	bySlot := make([]*source, 0, len(r.sources))
	for _, s := range r.sources {
		if s.ready != nil {
			cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(s.ready)})
			bySlot = append(bySlot, s)
		}
	}

	chosen, recv, ok := reflect.Select(cases)
	switch {
	case chosen == 0:
		if ok {
			recv.Interface().(func())()
		}
	case chosen == 1:
		// Timeout: dispatch every source whose deadline has elapsed,
		// delivering revents 0 so callbacks can tell "polled without
		// data" from "data ready".
		now = time.Now()
		expired := make([]*source, 0, len(r.sources))
		for _, s := range r.sources {
			if s.interval > 0 && !s.deadline.After(now) {
				expired = append(expired, s)
			}
		}
		for _, s := range expired {
			s.rearmAfterTimeout(now)
			r.dispatch(s, 0)
		}
	default:
		s := bySlot[chosen-2]
		if ok {
			s.rearmAfterReady(time.Now())
			r.dispatch(s, device.ReadyEvent)
		} else {
			// Readiness channel closed: the underlying mechanism is
			// gone. Deliver a final timeout-style callback, then
			// finalize so the closed channel cannot busy-loop the poll.
			r.dispatch(s, 0)
			r.finalize(s.key)
		}
	}

	if len(r.idleTasks) > 0 {
		tasks := r.idleTasks
		r.idleTasks = nil
		for _, fn := range tasks {
			fn()
		}
	}
}
