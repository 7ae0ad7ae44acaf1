// Package session implements the dispatch core of the acquisition
// framework: a cooperative, single-threaded event engine multiplexing
// event sources across simultaneously running devices, and the datafeed
// bus fanning decoded packets out through an ordered transform chain to
// registered consumers.
//
// Threading contract: every entry point assumes session-thread-confined
// access, with one exception — Stop may be called from any goroutine
// and only ever marshals a request into the session's own thread.
package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/acqstreams/datafeed"
	"github.com/c360/acqstreams/device"
	"github.com/c360/acqstreams/errors"
	"github.com/c360/acqstreams/metric"
	"github.com/c360/acqstreams/trigger"
)

// defaultPollWait bounds one poll iteration when no source deadline is
// nearer; invokes and readiness still wake the loop immediately.
const defaultPollWait = 100 * time.Millisecond

// DatafeedCallback receives packets synchronously on the session
// thread. Payload buffers are only valid for the duration of the call.
type DatafeedCallback func(di *device.Instance, pkt datafeed.Packet)

// Session owns a set of device instances, the lazily-created execution
// context that drives them, the datafeed consumers and the transform
// chain. The execution context exists if and only if the session is
// running; there is exactly one per session at a time.
type Session struct {
	ID     string
	logger *slog.Logger

	devices    []*device.Instance
	callbacks  []DatafeedCallback
	transforms []Transform
	trig       *trigger.Spec
	metrics    *metric.Registry

	// mu guards reactor/running/runActive for the one cross-thread
	// entry point (Stop); everything else is session-thread-confined.
	mu        sync.Mutex
	reactor   *reactor
	running   bool
	runActive bool
	stoppedCB func()
}

var _ device.Feed = (*Session)(nil)

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithMetrics enables metrics on the given registry.
func WithMetrics(reg *metric.Registry) Option {
	return func(s *Session) { s.metrics = reg }
}

// New creates a session.
func New(opts ...Option) *Session {
	s := &Session{ID: uuid.NewString()[:8]}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "session", "session", s.ID)
	return s
}

// Close destroys the session. It fails while devices are still
// attached; remove them first.
func (s *Session) Close() error {
	if s.isRunning() {
		return errors.WrapArgument(errors.ErrAlreadyRunning, "session", "Close", "running check")
	}
	if len(s.devices) > 0 {
		return errors.WrapArgument(errors.ErrDevicesAttached, "session", "Close", "attached device check")
	}
	return nil
}

// AddDevice attaches a device instance. A device belongs to at most
// one session. If the session is already running, the device's
// configuration is committed and its acquisition started immediately;
// when that start fails the device stays attached but not acquiring,
// and the error is returned to the caller without rollback, matching
// the partial-failure policy of the underlying drivers.
func (s *Session) AddDevice(di *device.Instance) error {
	if di == nil {
		return errors.WrapArgument(errors.New("nil device"), "session", "AddDevice", "device validation")
	}
	if err := di.Attach(s); err != nil {
		return err
	}
	s.devices = append(s.devices, di)

	if !s.isRunning() {
		return nil
	}

	if err := s.commitConfig(di); err != nil {
		s.logger.Error("Failed to commit device settings in running session",
			"device", di.ID, "error", err)
		return err
	}
	if err := di.Driver().AcquisitionStart(di, s); err != nil {
		s.logger.Error("Failed to start acquisition in running session",
			"device", di.ID, "error", err)
		return err
	}
	return nil
}

// RemoveDevices detaches all devices from the session. The session
// itself remains usable.
func (s *Session) RemoveDevices() {
	for _, di := range s.devices {
		di.Detach()
	}
	s.devices = nil
}

// Devices returns the attached device instances.
func (s *Session) Devices() []*device.Instance {
	out := make([]*device.Instance, len(s.devices))
	copy(out, s.devices)
	return out
}

// AddDatafeedCallback registers a consumer. Callbacks run in
// registration order on the session thread.
func (s *Session) AddDatafeedCallback(cb DatafeedCallback) error {
	if cb == nil {
		return errors.WrapArgument(errors.New("nil callback"), "session", "AddDatafeedCallback", "callback validation")
	}
	s.callbacks = append(s.callbacks, cb)
	return nil
}

// SetTrigger sets the session-wide trigger specification.
func (s *Session) SetTrigger(t *trigger.Spec) {
	s.trig = t
}

// Trigger implements device.Feed.
func (s *Session) Trigger() *trigger.Spec {
	return s.trig
}

// SetStoppedCallback registers fn to be invoked exactly once when the
// session stops while no blocking Run is active.
func (s *Session) SetStoppedCallback(fn func()) {
	s.stoppedCB = fn
}

// Start validates and starts acquisition on every attached device, in
// order. On the first failure every device already started is stopped
// again, in the same order, and the execution context is released
// before the error returns. This is the only multi-device rollback
// path in the system; order is preserved so no device whose stop is
// not idempotent gets stopped twice.
func (s *Session) Start() error {
	if s.isRunning() {
		return errors.WrapArgument(errors.ErrAlreadyRunning, "session", "Start", "running check")
	}
	if len(s.devices) == 0 {
		return errors.WrapArgument(errors.New("session has no devices"), "session", "Start", "device check")
	}
	for _, di := range s.devices {
		if !di.HasEnabledChannel() {
			return errors.WrapArgument(
				fmt.Errorf("device %s: %w", di.ID, errors.ErrNoEnabledChans),
				"session", "Start", "channel validation")
		}
	}
	if !s.trig.Empty() {
		if _, err := s.trig.Compile(16); err != nil {
			return errors.Wrap(err, "session", "Start", "trigger validation")
		}
	}

	for _, di := range s.devices {
		if err := s.commitConfig(di); err != nil {
			return errors.Wrap(err, "session", "Start",
				fmt.Sprintf("device %s config commit", di.ID))
		}
	}

	s.logger.Info("Starting session", "devices", len(s.devices))

	s.mu.Lock()
	s.reactor = newReactor(s.logger, s.onSourceFinalized)
	s.running = true
	s.mu.Unlock()

	var started []*device.Instance
	for _, di := range s.devices {
		if err := di.Driver().AcquisitionStart(di, s); err != nil {
			s.logger.Error("Could not start acquisition, rolling back",
				"device", di.ID, "error", err)
			for _, prev := range started {
				if stopErr := prev.Driver().AcquisitionStop(prev); stopErr != nil {
					s.logger.Error("Rollback stop failed",
						"device", prev.ID, "error", stopErr)
				}
			}
			s.releaseReactor()
			return errors.Wrap(err, "session", "Start",
				fmt.Sprintf("device %s acquisition start", di.ID))
		}
		started = append(started, di)
	}

	return nil
}

// Run drives the execution context until the session stops. It fails
// when the session is not running or another blocking run is already
// active.
func (s *Session) Run() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return errors.WrapArgument(errors.ErrNotRunning, "session", "Run", "running check")
	}
	if s.runActive {
		s.mu.Unlock()
		return errors.WrapArgument(errors.ErrRunActive, "session", "Run", "nested run check")
	}
	s.runActive = true
	r := s.reactor
	s.mu.Unlock()

	s.logger.Info("Running session")
	for {
		r.pollOnce(defaultPollWait)
		s.mu.Lock()
		if !s.running {
			s.runActive = false
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()
	}
}

// Stop requests an asynchronous session stop. It is reentrant from any
// goroutine: the actual device stops are marshalled into the session
// thread via the reactor's invoke primitive and never touch device
// state directly. Stopping an already-stopped session is a silent
// no-op.
func (s *Session) Stop() {
	s.mu.Lock()
	r := s.reactor
	s.mu.Unlock()

	if r == nil {
		s.logger.Debug("Stop on stopped session, ignoring")
		return
	}
	r.invoke(s.stopSync)
}

// stopSync runs on the session thread and asks every device to stop.
// Devices drain asynchronously; the session transitions to stopped via
// idle detection once their event sources finalize.
func (s *Session) stopSync() {
	s.logger.Info("Stopping session")
	for _, di := range s.devices {
		if err := di.Driver().AcquisitionStop(di); err != nil {
			s.logger.Error("Device stop request failed", "device", di.ID, "error", err)
		}
	}
}

// Send implements device.Feed: it pushes a packet through the ordered
// transform chain and, if the packet survives, to every registered
// callback in registration order. A transform error aborts this send
// and propagates to the calling driver as a per-call, non-fatal
// failure. Packets from one device sent synchronously within one event
// source callback reach consumers in send order.
func (s *Session) Send(di *device.Instance, pkt datafeed.Packet) error {
	if di == nil || pkt == nil {
		return errors.WrapArgument(errors.New("nil device or packet"), "session", "Send", "argument validation")
	}

	for _, t := range s.transforms {
		out, err := t.Apply(di, pkt)
		if err != nil {
			return errors.Wrap(err, "session", "Send",
				fmt.Sprintf("transform %s", t.Name()))
		}
		if out == nil {
			// Dropped: short-circuit remaining transforms and consumers.
			if s.metrics != nil {
				s.metrics.Core.PacketsDropped.WithLabelValues(s.ID).Inc()
			}
			return nil
		}
		pkt = out
	}

	for _, cb := range s.callbacks {
		cb(di, pkt)
	}
	if s.metrics != nil {
		s.metrics.Core.PacketsSent.WithLabelValues(s.ID, pkt.Type().String()).Inc()
	}
	return nil
}

// AddSource implements device.Feed. Dual semantics: with a nil ready
// channel the source is a pure repeating timer; with both, the callback
// fires on readiness or on elapsed timeout, whichever comes first, and
// revents distinguishes the two.
func (s *Session) AddSource(key any, ready <-chan struct{}, timeoutMS int, cb device.SourceFunc) error {
	s.mu.Lock()
	r := s.reactor
	s.mu.Unlock()
	if r == nil {
		return errors.WrapBug(errors.ErrNotRunning, "session", "AddSource", "execution context lookup")
	}
	if err := r.addSource(key, ready, timeoutMS, cb); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.Core.SourcesRegistered.WithLabelValues(s.ID).Set(float64(r.sourceCount()))
	}
	return nil
}

// RemoveSource implements device.Feed.
func (s *Session) RemoveSource(key any) error {
	s.mu.Lock()
	r := s.reactor
	s.mu.Unlock()
	if r == nil {
		return errors.WrapBug(errors.ErrNotRunning, "session", "RemoveSource", "execution context lookup")
	}
	return r.removeSource(key)
}

// onSourceFinalized runs on the session thread whenever a source leaves
// the reactor table. When the count drops to zero an idle-priority
// one-shot is scheduled; if the count is still zero when it fires the
// session is declared stopped. Re-registering a source before the idle
// check fires therefore cancels the pending stop.
func (s *Session) onSourceFinalized(any) {
	r := s.reactor
	if r == nil {
		return
	}
	if s.metrics != nil {
		s.metrics.Core.SourcesRegistered.WithLabelValues(s.ID).Set(float64(r.sourceCount()))
	}
	if r.sourceCount() == 0 {
		r.scheduleIdle(s.checkStopped)
	}
}

// checkStopped is the idle-stop detector. Devices stop asynchronously,
// so no single caller knows "all devices done"; the zero-source state,
// observed from idle priority, is that signal.
func (s *Session) checkStopped() {
	s.mu.Lock()
	if s.reactor == nil || s.reactor.sourceCount() > 0 || !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	runActive := s.runActive
	s.reactor = nil
	s.mu.Unlock()

	s.logger.Info("Session stopped")

	// Exactly one of {blocking run termination, stopped callback} must
	// notify the caller; neither firing would leave them hung forever.
	switch {
	case runActive:
		// Run observes running==false and returns.
	case s.stoppedCB != nil:
		s.stoppedCB()
	default:
		s.logger.Error("BUG: session stopped with no blocking run and no stopped callback; caller will never learn")
	}
}

// isRunning reports the running flag under the lock.
func (s *Session) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// releaseReactor tears down the execution context after a failed start.
func (s *Session) releaseReactor() {
	s.mu.Lock()
	s.reactor = nil
	s.running = false
	s.mu.Unlock()
}

// commitConfig flushes batched configuration to the device for drivers
// that support it.
func (s *Session) commitConfig(di *device.Instance) error {
	if c, ok := di.Driver().(device.Committer); ok {
		return c.ConfigCommit(di)
	}
	return nil
}
