package modbusdmm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/acqstreams/datafeed"
	"github.com/c360/acqstreams/device"
	"github.com/c360/acqstreams/errors"
	"github.com/c360/acqstreams/session"
)

// fakeReader serves canned register triples, then an error.
type fakeReader struct {
	frames [][]uint16
	calls  int
	closed bool
}

func (r *fakeReader) ReadRegisters(addr uint16, quantity uint16) ([]uint16, error) {
	if r.calls >= len(r.frames) {
		return nil, errors.ErrTimeout
	}
	f := r.frames[r.calls]
	r.calls++
	return f, nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func setupDevice(t *testing.T, reader RegisterReader) *device.Instance {
	t.Helper()
	drv := NewDriver(WithDial(func(string) (RegisterReader, error) {
		return reader, nil
	}))
	devices, err := drv.Scan(map[device.ConfigKey]any{device.KeyConn: "rtu:///dev/null"})
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.NoError(t, drv.Open(devices[0]))
	return devices[0]
}

func TestDriver_ReadingsScaledByExponent(t *testing.T) {
	// Probe frame plus three readings: 1234×10⁻³ V, 56×10⁰ A, 78×10² Ohm.
	reader := &fakeReader{frames: [][]uint16{
		{0, 0, 0},
		{1234, 0xFFFD, 0},
		{56, 0, 1},
		{78, 2, 2},
	}}
	di := setupDevice(t, reader)
	require.NoError(t, di.Driver().ConfigSet(di, device.KeyLimitSamples, uint64(3)))

	var values []float64
	var units []string
	sawEnd := false

	s := session.New()
	require.NoError(t, s.AddDatafeedCallback(func(_ *device.Instance, pkt datafeed.Packet) {
		switch p := pkt.(type) {
		case *datafeed.Analog:
			values = append(values, p.Data...)
			units = append(units, p.Unit)
		case *datafeed.End:
			sawEnd = true
		}
	}))
	require.NoError(t, s.AddDevice(di))
	require.NoError(t, s.Start())
	require.NoError(t, s.Run())

	assert.True(t, sawEnd)
	require.Len(t, values, 3)
	assert.InDelta(t, 1.234, values[0], 1e-9)
	assert.InDelta(t, 56.0, values[1], 1e-9)
	assert.InDelta(t, 7800.0, values[2], 1e-9)
	assert.Equal(t, []string{"V", "A", "Ohm"}, units)
}

func TestDriver_ReadFailureEndsFeed(t *testing.T) {
	// Only the probe frame succeeds; the first poll read fails.
	reader := &fakeReader{frames: [][]uint16{{0, 0, 0}}}
	di := setupDevice(t, reader)

	var types []string
	s := session.New()
	require.NoError(t, s.AddDatafeedCallback(func(_ *device.Instance, pkt datafeed.Packet) {
		types = append(types, pkt.Type().String())
	}))
	require.NoError(t, s.AddDevice(di))
	require.NoError(t, s.Start())
	require.NoError(t, s.Run())

	require.NotEmpty(t, types)
	assert.Equal(t, "end", types[len(types)-1])
}

func TestDriver_ScanProbeFailure(t *testing.T) {
	reader := &fakeReader{} // every read fails
	drv := NewDriver(WithDial(func(string) (RegisterReader, error) {
		return reader, nil
	}))

	devices, err := drv.Scan(map[device.ConfigKey]any{device.KeyConn: "rtu:///dev/null"})
	assert.Empty(t, devices)
	assert.True(t, errors.IsTransport(err))
	assert.True(t, reader.closed)
}

func TestDriver_CloseReleasesReader(t *testing.T) {
	reader := &fakeReader{frames: [][]uint16{{0, 0, 0}}}
	di := setupDevice(t, reader)

	require.NoError(t, di.Driver().Close(di))
	assert.True(t, reader.closed)
	assert.Equal(t, device.StatusInactive, di.Status)
}
