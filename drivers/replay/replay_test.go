package replay

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/acqstreams/datafeed"
	"github.com/c360/acqstreams/device"
	"github.com/c360/acqstreams/errors"
	"github.com/c360/acqstreams/session"
)

func sampleCapture(n int) *Capture {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i)
	}
	return &Capture{
		SampleRate: 1_000_000,
		UnitSize:   1,
		Channels:   []string{"D0", "D1", "D2", "D3", "D4", "D5", "D6", "D7"},
		Data:       data,
	}
}

func TestCapture_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.yaml")
	orig := sampleCapture(1000)
	require.NoError(t, Save(path, orig))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, orig.SampleRate, loaded.SampleRate)
	assert.Equal(t, orig.Channels, loaded.Channels)
	assert.Equal(t, orig.Data, loaded.Data)
	assert.Equal(t, 1000, loaded.SampleCount())
}

func TestCapture_Validation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.yaml")

	bad := sampleCapture(100)
	bad.UnitSize = 2 // 100 bytes is fine, but make it misaligned
	bad.Data = bad.Data[:99]
	err := Save(path, bad)
	assert.ErrorIs(t, err, errors.ErrMalformedData)

	bad = sampleCapture(100)
	bad.UnitSize = 9
	assert.ErrorIs(t, Save(path, bad), errors.ErrOutOfRange)

	bad = sampleCapture(100)
	bad.SampleRate = 0
	assert.True(t, errors.IsArgument(Save(path, bad)))
}

func TestCapture_LoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.yaml")
	require.NoError(t, os.WriteFile(path, []byte("::: not yaml :::"), 0o644))

	_, err := Load(path)
	assert.True(t, errors.IsProtocol(err))

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.IsResource(err))
}

func TestDriver_ReplaysStoredSamples(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.yaml")
	orig := sampleCapture(10000)
	require.NoError(t, Save(path, orig))

	drv := NewDriver()
	devices, err := drv.Scan(map[device.ConfigKey]any{device.KeyConn: path})
	require.NoError(t, err)
	require.Len(t, devices, 1)
	di := devices[0]
	require.NoError(t, drv.Open(di))
	require.Len(t, di.Channels, 8)

	rate, err := drv.ConfigGet(di, device.KeySampleRate)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), rate)

	var types []string
	var replayed []byte
	s := session.New()
	require.NoError(t, s.AddDatafeedCallback(func(_ *device.Instance, pkt datafeed.Packet) {
		types = append(types, pkt.Type().String())
		if p, ok := pkt.(*datafeed.Logic); ok {
			replayed = append(replayed, p.Data...)
		}
	}))
	require.NoError(t, s.AddDevice(di))
	require.NoError(t, s.Start())
	require.NoError(t, s.Run())

	assert.Equal(t, "header", types[0])
	assert.Equal(t, "meta", types[1])
	assert.Equal(t, "end", types[len(types)-1])
	assert.Equal(t, orig.Data, replayed)
}

func TestDriver_StoredCapturesAreImmutable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.yaml")
	require.NoError(t, Save(path, sampleCapture(10)))

	drv := NewDriver()
	devices, err := drv.Scan(map[device.ConfigKey]any{device.KeyConn: path})
	require.NoError(t, err)

	err = drv.ConfigSet(devices[0], device.KeySampleRate, uint64(500))
	assert.ErrorIs(t, err, errors.ErrConfigKey)
}

func TestDriver_ScanWithoutPathFindsNothing(t *testing.T) {
	drv := NewDriver()
	devices, err := drv.Scan(nil)
	require.NoError(t, err)
	assert.Empty(t, devices)
}
