package demo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/acqstreams/datafeed"
	"github.com/c360/acqstreams/device"
	"github.com/c360/acqstreams/errors"
	"github.com/c360/acqstreams/session"
)

func setupDevice(t *testing.T, opts ...Option) *device.Instance {
	t.Helper()
	drv := NewDriver(opts...)
	devices, err := drv.Scan(nil)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.NoError(t, drv.Open(devices[0]))
	return devices[0]
}

func TestDriver_IncrementalPatternRunsToLimit(t *testing.T) {
	di := setupDevice(t, WithHostStats(func() (float64, float64, error) {
		return 12.5, 50.0, nil
	}))
	drv := di.Driver()
	require.NoError(t, drv.ConfigSet(di, device.KeyLimitSamples, uint64(25)))
	require.NoError(t, drv.ConfigSet(di, device.KeySampleRate, uint64(1000)))

	var logic []byte
	var analog []*datafeed.Analog
	sawEnd := false

	s := session.New()
	require.NoError(t, s.AddDatafeedCallback(func(_ *device.Instance, pkt datafeed.Packet) {
		switch p := pkt.(type) {
		case *datafeed.Logic:
			logic = append(logic, p.Data...)
		case *datafeed.Analog:
			cp := *p
			cp.Data = append([]float64(nil), p.Data...)
			analog = append(analog, &cp)
		case *datafeed.End:
			sawEnd = true
		}
	}))
	require.NoError(t, s.AddDevice(di))
	require.NoError(t, s.Start())
	require.NoError(t, s.Run())

	assert.True(t, sawEnd)
	require.Len(t, logic, 25)
	for i, v := range logic {
		assert.Equal(t, byte(i), v)
	}
	require.NotEmpty(t, analog)
	assert.Equal(t, []float64{12.5, 50.0}, analog[0].Data)
	assert.Equal(t, "%", analog[0].Unit)
}

func TestDriver_WalkingPattern(t *testing.T) {
	di := setupDevice(t, WithHostStats(func() (float64, float64, error) {
		return 0, 0, nil
	}))
	drv := di.Driver()
	require.NoError(t, drv.ConfigSet(di, device.KeyPattern, PatternWalking))
	require.NoError(t, drv.ConfigSet(di, device.KeyLimitSamples, uint64(16)))

	var logic []byte
	s := session.New()
	require.NoError(t, s.AddDatafeedCallback(func(_ *device.Instance, pkt datafeed.Packet) {
		if p, ok := pkt.(*datafeed.Logic); ok {
			logic = append(logic, p.Data...)
		}
	}))
	require.NoError(t, s.AddDevice(di))
	require.NoError(t, s.Start())
	require.NoError(t, s.Run())

	require.Len(t, logic, 16)
	for i, v := range logic {
		assert.Equal(t, byte(1<<(i%8)), v, "sample %d", i)
	}
}

func TestDriver_StopEndsUnboundedCapture(t *testing.T) {
	di := setupDevice(t, WithHostStats(func() (float64, float64, error) {
		return 0, 0, nil
	}))

	sawEnd := false
	s := session.New()
	require.NoError(t, s.AddDatafeedCallback(func(_ *device.Instance, pkt datafeed.Packet) {
		if pkt.Type() == datafeed.TypeEnd {
			sawEnd = true
		}
	}))
	require.NoError(t, s.AddDevice(di))
	require.NoError(t, s.Start())

	done := make(chan error, 1)
	go func() { done <- s.Run() }()
	time.Sleep(30 * time.Millisecond)
	s.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
	}
	assert.True(t, sawEnd)
}

func TestDriver_PatternValidation(t *testing.T) {
	di := setupDevice(t)
	drv := di.Driver()

	err := drv.ConfigSet(di, device.KeyPattern, "sawtooth")
	assert.True(t, errors.IsArgument(err))

	err = drv.ConfigSet(di, device.KeySampleRate, uint64(0))
	assert.True(t, errors.IsArgument(err))

	got, err := drv.ConfigGet(di, device.KeyPattern)
	require.NoError(t, err)
	assert.Equal(t, PatternIncremental, got)

	_, err = drv.ConfigGet(di, device.KeyCaptureRatio)
	assert.ErrorIs(t, err, errors.ErrConfigKey)
}
