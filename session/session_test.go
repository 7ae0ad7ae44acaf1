package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/acqstreams/datafeed"
	"github.com/c360/acqstreams/device"
	"github.com/c360/acqstreams/errors"
)

// fakeDriver emits a Header, then one Logic packet per source fire, and
// closes with End either after `samples` fires or when stopped.
// samples < 0 means endless until stopped.
type fakeDriver struct {
	name          string
	samples       int
	failOn        string // model whose acquisition start fails
	started       []string
	stopped       []string
	stopRequested map[string]bool
}

func newFakeDriver(name string, samples int) *fakeDriver {
	return &fakeDriver{
		name:          name,
		samples:       samples,
		stopRequested: make(map[string]bool),
	}
}

func (d *fakeDriver) Name() string                                  { return d.name }
func (d *fakeDriver) Scan(map[device.ConfigKey]any) ([]*device.Instance, error) { return nil, nil }
func (d *fakeDriver) Open(*device.Instance) error                   { return nil }
func (d *fakeDriver) Close(*device.Instance) error                  { return nil }
func (d *fakeDriver) ConfigGet(*device.Instance, device.ConfigKey) (any, error) {
	return nil, errors.ErrConfigKey
}
func (d *fakeDriver) ConfigSet(*device.Instance, device.ConfigKey, any) error { return nil }
func (d *fakeDriver) ConfigList() []device.ConfigKey                          { return nil }

func (d *fakeDriver) AcquisitionStart(di *device.Instance, feed device.Feed) error {
	if d.failOn == di.Model {
		return errors.WrapTransport(errors.ErrTimeout, d.name, "AcquisitionStart", "device arm")
	}
	d.started = append(d.started, di.Model)
	if err := feed.Send(di, &datafeed.Header{FeedVersion: 1, StartTime: time.Now()}); err != nil {
		return err
	}

	remaining := d.samples
	return feed.AddSource(di, nil, 1, func(revents int) bool {
		if d.stopRequested[di.Model] || remaining == 0 {
			_ = feed.Send(di, &datafeed.End{})
			return false
		}
		if remaining > 0 {
			remaining--
		}
		_ = feed.Send(di, &datafeed.Logic{Data: []byte{0xAA, 0x00}, UnitSize: 2})
		return true
	})
}

func (d *fakeDriver) AcquisitionStop(di *device.Instance) error {
	d.stopped = append(d.stopped, di.Model)
	d.stopRequested[di.Model] = true
	return nil
}

func newTestDevice(d device.Driver, model string) *device.Instance {
	di := device.NewInstance(d, "testvendor", model, "1.0")
	di.Channels = []*device.Channel{
		{Index: 0, Name: "D0", Type: device.ChannelLogic, Enabled: true},
		{Index: 1, Name: "D1", Type: device.ChannelLogic, Enabled: false},
	}
	return di
}

func TestSession_RunStopsWhenSourcesDrain(t *testing.T) {
	d := newFakeDriver("fake", 3)
	s := New()
	require.NoError(t, s.AddDevice(newTestDevice(d, "LA-1")))

	var seen []string
	require.NoError(t, s.AddDatafeedCallback(func(_ *device.Instance, pkt datafeed.Packet) {
		seen = append(seen, pkt.Type().String())
	}))

	require.NoError(t, s.Start())
	require.NoError(t, s.Run())

	assert.Equal(t, []string{"header", "logic", "logic", "logic", "end"}, seen)
	assert.False(t, s.isRunning())

	// A drained session stops exactly once; a second run must refuse.
	err := s.Run()
	assert.ErrorIs(t, err, errors.ErrNotRunning)
}

func TestSession_StartValidation(t *testing.T) {
	d := newFakeDriver("fake", 1)
	s := New()

	err := s.Start()
	require.Error(t, err)
	assert.True(t, errors.IsArgument(err))

	di := newTestDevice(d, "LA-1")
	for _, ch := range di.Channels {
		ch.Enabled = false
	}
	require.NoError(t, s.AddDevice(di))

	err = s.Start()
	assert.ErrorIs(t, err, errors.ErrNoEnabledChans)
	assert.False(t, s.isRunning())
}

func TestSession_StartRollsBackInOrder(t *testing.T) {
	d := newFakeDriver("fake", -1)
	d.failOn = "LA-2"

	s := New()
	require.NoError(t, s.AddDevice(newTestDevice(d, "LA-1")))
	require.NoError(t, s.AddDevice(newTestDevice(d, "LA-2")))
	require.NoError(t, s.AddDevice(newTestDevice(d, "LA-3")))

	err := s.Start()
	require.Error(t, err)

	// Only the device started before the failure is rolled back, in
	// start order, and the session ends up not running.
	assert.Equal(t, []string{"LA-1"}, d.started)
	assert.Equal(t, []string{"LA-1"}, d.stopped)
	assert.False(t, s.isRunning())
	assert.ErrorIs(t, s.Run(), errors.ErrNotRunning)
}

func TestSession_CrossThreadStop(t *testing.T) {
	d := newFakeDriver("fake", -1)
	s := New()
	require.NoError(t, s.AddDevice(newTestDevice(d, "LA-1")))

	var last string
	require.NoError(t, s.AddDatafeedCallback(func(_ *device.Instance, pkt datafeed.Packet) {
		last = pkt.Type().String()
	}))

	require.NoError(t, s.Start())

	done := make(chan error, 1)
	go func() { done <- s.Run() }()

	time.Sleep(20 * time.Millisecond)
	s.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
	}
	assert.Equal(t, "end", last)
	assert.Equal(t, []string{"LA-1"}, d.stopped)

	// Stop on a stopped session is a silent no-op.
	s.Stop()
}

func TestSession_StoppedCallbackWithoutBlockingRun(t *testing.T) {
	d := newFakeDriver("fake", 2)
	s := New()
	require.NoError(t, s.AddDevice(newTestDevice(d, "LA-1")))

	stopped := 0
	s.SetStoppedCallback(func() { stopped++ })

	require.NoError(t, s.Start())

	// Pump the execution context directly, as an embedding main loop
	// would, instead of the blocking run.
	deadline := time.Now().Add(2 * time.Second)
	for s.isRunning() {
		require.True(t, time.Now().Before(deadline), "session never stopped")
		s.mu.Lock()
		r := s.reactor
		s.mu.Unlock()
		if r == nil {
			break
		}
		r.pollOnce(10 * time.Millisecond)
	}

	assert.Equal(t, 1, stopped)
}

func TestSession_IdleCheckIgnoresLiveSources(t *testing.T) {
	d := newFakeDriver("fake", -1)
	s := New()
	require.NoError(t, s.AddDevice(newTestDevice(d, "LA-1")))
	require.NoError(t, s.Start())

	// A stray idle check while a source is still registered must not
	// stop the session.
	s.reactor.scheduleIdle(s.checkStopped)
	s.reactor.pollOnce(time.Millisecond)
	assert.True(t, s.isRunning())

	s.Stop()
	require.NoError(t, s.Run())
	assert.False(t, s.isRunning())
}

func TestSession_SourceHandoverKeepsSessionAlive(t *testing.T) {
	// A driver whose source finalizes itself but registers a successor
	// within the same callback must not trigger the idle stop.
	s := New()
	d := newFakeDriver("fake", -1)
	di := newTestDevice(d, "LA-1")
	require.NoError(t, s.AddDevice(di))
	s.SetStoppedCallback(func() {})
	require.NoError(t, s.Start())

	handedOver := false
	require.NoError(t, s.AddSource("first", nil, 1, func(int) bool {
		_ = s.AddSource("second", nil, 1, func(int) bool {
			handedOver = true
			return false
		})
		return false
	}))
	// Start() left the fake driver's own source registered; drop it so
	// only the handover pair remains.
	require.NoError(t, s.RemoveSource(di))

	for i := 0; i < 10 && s.isRunning(); i++ {
		s.mu.Lock()
		r := s.reactor
		s.mu.Unlock()
		if r == nil {
			break
		}
		r.pollOnce(10 * time.Millisecond)
	}

	assert.True(t, handedOver)
	assert.False(t, s.isRunning())
}

func TestSession_TransformDropAndRewrite(t *testing.T) {
	s := New()
	d := newFakeDriver("fake", 0)
	di := newTestDevice(d, "LA-1")

	require.NoError(t, s.AddTransform(TransformFunc{
		TransformName: "drop-logic",
		Fn: func(_ *device.Instance, pkt datafeed.Packet) (datafeed.Packet, error) {
			if pkt.Type() == datafeed.TypeLogic {
				return nil, nil
			}
			return pkt, nil
		},
	}))
	require.NoError(t, s.AddTransform(TransformFunc{
		TransformName: "tag-meta",
		Fn: func(_ *device.Instance, pkt datafeed.Packet) (datafeed.Packet, error) {
			if m, ok := pkt.(*datafeed.Meta); ok {
				rewritten := *m
				rewritten.SampleRate = 1000
				return &rewritten, nil
			}
			return pkt, nil
		},
	}))

	var seen []datafeed.Packet
	require.NoError(t, s.AddDatafeedCallback(func(_ *device.Instance, pkt datafeed.Packet) {
		seen = append(seen, pkt)
	}))

	require.NoError(t, s.Send(di, &datafeed.Logic{Data: []byte{1, 2}, UnitSize: 2}))
	require.NoError(t, s.Send(di, &datafeed.Meta{SampleRate: 500}))

	require.Len(t, seen, 1)
	meta, ok := seen[0].(*datafeed.Meta)
	require.True(t, ok)
	assert.Equal(t, uint64(1000), meta.SampleRate)
}

func TestSession_TransformErrorAbortsSend(t *testing.T) {
	s := New()
	d := newFakeDriver("fake", 0)
	di := newTestDevice(d, "LA-1")

	require.NoError(t, s.AddTransform(TransformFunc{
		TransformName: "reject",
		Fn: func(_ *device.Instance, pkt datafeed.Packet) (datafeed.Packet, error) {
			return nil, fmt.Errorf("malformed payload: %w", errors.ErrMalformedData)
		},
	}))

	delivered := 0
	require.NoError(t, s.AddDatafeedCallback(func(_ *device.Instance, _ datafeed.Packet) {
		delivered++
	}))

	err := s.Send(di, &datafeed.End{})
	assert.ErrorIs(t, err, errors.ErrMalformedData)
	assert.Zero(t, delivered)
}

func TestSession_CallbacksRunInRegistrationOrder(t *testing.T) {
	s := New()
	d := newFakeDriver("fake", 0)
	di := newTestDevice(d, "LA-1")

	var order []string
	require.NoError(t, s.AddDatafeedCallback(func(_ *device.Instance, _ datafeed.Packet) {
		order = append(order, "a")
	}))
	require.NoError(t, s.AddDatafeedCallback(func(_ *device.Instance, _ datafeed.Packet) {
		order = append(order, "b")
	}))

	require.NoError(t, s.Send(di, &datafeed.FrameBegin{}))
	require.NoError(t, s.Send(di, &datafeed.FrameEnd{}))

	assert.Equal(t, []string{"a", "b", "a", "b"}, order)
}

func TestSession_SourceOpsOutsideRunAreBugs(t *testing.T) {
	s := New()

	err := s.AddSource("x", nil, 1, func(int) bool { return false })
	assert.True(t, errors.IsBug(err))

	err = s.RemoveSource("x")
	assert.True(t, errors.IsBug(err))
}

func TestSession_RemoveUnknownSourceIsReported(t *testing.T) {
	d := newFakeDriver("fake", -1)
	s := New()
	require.NoError(t, s.AddDevice(newTestDevice(d, "LA-1")))
	require.NoError(t, s.Start())
	defer func() {
		s.Stop()
		_ = s.Run()
	}()

	err := s.RemoveSource("never-registered")
	assert.ErrorIs(t, err, errors.ErrSourceUnknown)
	assert.True(t, errors.IsArgument(err))
}

func TestSession_CloseRequiresDetachedDevices(t *testing.T) {
	d := newFakeDriver("fake", 1)
	s := New()
	require.NoError(t, s.AddDevice(newTestDevice(d, "LA-1")))

	err := s.Close()
	assert.ErrorIs(t, err, errors.ErrDevicesAttached)

	s.RemoveDevices()
	assert.Empty(t, s.Devices())
	require.NoError(t, s.Close())
}

func TestSession_AddDeviceToRunningSessionStartsIt(t *testing.T) {
	d := newFakeDriver("fake", -1)
	s := New()
	require.NoError(t, s.AddDevice(newTestDevice(d, "LA-1")))
	require.NoError(t, s.Start())

	require.NoError(t, s.AddDevice(newTestDevice(d, "LA-2")))
	assert.Equal(t, []string{"LA-1", "LA-2"}, d.started)

	s.Stop()
	require.NoError(t, s.Run())
}
