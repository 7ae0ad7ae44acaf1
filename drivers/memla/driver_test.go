package memla

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/acqstreams/datafeed"
	"github.com/c360/acqstreams/decode"
	"github.com/c360/acqstreams/device"
	"github.com/c360/acqstreams/errors"
	"github.com/c360/acqstreams/session"
	"github.com/c360/acqstreams/transport"
	"github.com/c360/acqstreams/trigger"
)

// simDevice answers the memla wire protocol on one end of a loopback
// pair, serving prebuilt cluster memory and a latched status frame.
type simDevice struct {
	end      *transport.LoopEnd
	memory   []byte
	status   []byte
	failHalt bool
}

func (s *simDevice) run() {
	cmd := make([]byte, 1)
	page := make([]byte, 2)
	for {
		_, err := s.end.Read(cmd, 200*time.Millisecond)
		if errors.Is(err, errors.ErrTimeout) {
			continue
		}
		if err != nil {
			return
		}
		switch cmd[0] {
		case cmdIdent:
			reply := append([]byte(identReply), 2)
			_, _ = s.end.Write(reply, time.Second)
		case cmdArm:
			// Capture runs inside the simulated hardware; nothing to do.
		case cmdHalt:
			if s.failHalt {
				_ = s.end.Close()
				return
			}
			_, _ = s.end.Write(s.status, time.Second)
		case cmdRead:
			if err := simReadFull(s.end, page); err != nil {
				return
			}
			p := int(binary.LittleEndian.Uint16(page))
			blk := make([]byte, BlockSize)
			if off := p * BlockSize; off < len(s.memory) {
				copy(blk, s.memory[off:])
			}
			_, _ = s.end.Write(blk, time.Second)
		}
	}
}

func simReadFull(end *transport.LoopEnd, buf []byte) error {
	for got := 0; got < len(buf); {
		n, err := end.Read(buf[got:], time.Second)
		if err != nil {
			return err
		}
		got += n
	}
	return nil
}

func statusBytes(flags byte, stopPos, trigPos, lastTS uint32) []byte {
	raw := make([]byte, statusFrameSize)
	raw[0] = statusMagic
	raw[1] = flags
	binary.LittleEndian.PutUint32(raw[2:], stopPos)
	binary.LittleEndian.PutUint32(raw[6:], trigPos)
	binary.LittleEndian.PutUint32(raw[10:], lastTS)
	return raw
}

// cluster builds one 16-byte cluster.
func cluster(ts uint16, event uint16) []byte {
	buf := make([]byte, decode.ClusterSize)
	binary.LittleEndian.PutUint16(buf[0:2], ts)
	for e := 0; e < decode.EventsPerCluster; e++ {
		binary.LittleEndian.PutUint16(buf[2+2*e:], event)
	}
	return buf
}

// contiguousMemory lays out n back-to-back clusters, cluster i holding
// value values[i] in every event.
func contiguousMemory(values []uint16) []byte {
	var mem []byte
	for i, v := range values {
		mem = append(mem, cluster(uint16(i*decode.EventsPerCluster), v)...)
	}
	return mem
}

func setupDevice(t *testing.T, sim *simDevice) *device.Instance {
	t.Helper()
	host, devEnd := transport.Loopback()
	sim.end = devEnd
	go sim.run()
	t.Cleanup(func() { _ = host.Close() })

	drv := NewDriver(WithDial(func(string) (transport.Device, error) {
		return host, nil
	}))
	devices, err := drv.Scan(map[device.ConfigKey]any{device.KeyConn: "sim"})
	require.NoError(t, err)
	require.Len(t, devices, 1)

	di := devices[0]
	require.NoError(t, drv.Open(di))
	assert.Equal(t, "MEMLA16", di.Model)
	assert.Equal(t, "rev2", di.Version)
	require.Len(t, di.Channels, 16)
	return di
}

// packetLog collects the feed as type names, expanding Logic packets
// into their sample values.
func collect(t *testing.T, s *session.Session) (*[]string, *[]int) {
	t.Helper()
	types := &[]string{}
	samples := &[]int{}
	require.NoError(t, s.AddDatafeedCallback(func(_ *device.Instance, pkt datafeed.Packet) {
		*types = append(*types, pkt.Type().String())
		switch p := pkt.(type) {
		case *datafeed.Logic:
			for i := 0; i+1 < len(p.Data); i += 2 {
				*samples = append(*samples, int(binary.LittleEndian.Uint16(p.Data[i:])))
			}
		case *datafeed.Trigger:
			*samples = append(*samples, -1)
		}
	}))
	return types, samples
}

func TestDriver_CaptureDownloadDecode(t *testing.T) {
	// Ten contiguous clusters; the device reports the stop one event
	// late, with the last valid timestamp at event 69.
	values := []uint16{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	sim := &simDevice{
		memory: contiguousMemory(values),
		status: statusBytes(0, 70, 0, 69),
	}
	di := setupDevice(t, sim)

	drv := di.Driver()
	require.NoError(t, drv.ConfigSet(di, device.KeyLimitMsec, uint64(1)))

	s := session.New()
	types, samples := collect(t, s)
	require.NoError(t, s.AddDevice(di))
	require.NoError(t, s.Start())
	require.NoError(t, s.Run())

	require.GreaterOrEqual(t, len(*types), 4)
	assert.Equal(t, "header", (*types)[0])
	assert.Equal(t, "meta", (*types)[1])
	assert.Equal(t, "end", (*types)[len(*types)-1])

	require.Len(t, *samples, 70)
	for i, v := range *samples {
		assert.Equal(t, int(values[i/decode.EventsPerCluster]), v, "sample %d", i)
	}
}

func TestDriver_TriggerRescanMarksExactSample(t *testing.T) {
	// Channel 0 goes high at cluster 5 (event 35). The device reports
	// the trigger position one event late and only to cluster
	// granularity; the driver's re-scan pins the marker.
	values := []uint16{0, 0, 0, 0, 0, 1, 1, 1, 1, 1}
	sim := &simDevice{
		memory: contiguousMemory(values),
		status: statusBytes(flagTriggerSeen, 70, 36, 69),
	}
	di := setupDevice(t, sim)

	drv := di.Driver()
	require.NoError(t, drv.ConfigSet(di, device.KeyLimitMsec, uint64(1)))

	s := session.New()
	s.SetTrigger(&trigger.Spec{Conditions: map[int]trigger.Condition{0: trigger.Rising}})
	_, samples := collect(t, s)
	require.NoError(t, s.AddDevice(di))
	require.NoError(t, s.Start())
	require.NoError(t, s.Run())

	require.Len(t, *samples, 71) // 70 samples plus the marker
	assert.Equal(t, -1, (*samples)[35])
	assert.Equal(t, 0, (*samples)[34])
	assert.Equal(t, 1, (*samples)[36])
}

func TestDriver_EndEmittedOnTransportFailure(t *testing.T) {
	sim := &simDevice{failHalt: true}
	di := setupDevice(t, sim)

	drv := di.Driver()
	require.NoError(t, drv.ConfigSet(di, device.KeyLimitMsec, uint64(1)))

	s := session.New()
	types, _ := collect(t, s)
	require.NoError(t, s.AddDevice(di))
	require.NoError(t, s.Start())
	require.NoError(t, s.Run())

	// The drain fails at the halt handshake, but consumers still get
	// closure.
	require.NotEmpty(t, *types)
	assert.Equal(t, "end", (*types)[len(*types)-1])
}

func TestDriver_StopRequestDrains(t *testing.T) {
	values := []uint16{3, 3, 3}
	sim := &simDevice{
		memory: contiguousMemory(values),
		status: statusBytes(0, 21, 0, 20),
	}
	di := setupDevice(t, sim)

	// No limits configured: the capture runs until stopped.
	s := session.New()
	types, samples := collect(t, s)
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

	assert.Equal(t, "end", (*types)[len(*types)-1])
	assert.Len(t, *samples, 21)
}

func TestDriver_ConfigValidation(t *testing.T) {
	sim := &simDevice{}
	di := setupDevice(t, sim)
	drv := di.Driver().(*Driver)

	require.NoError(t, drv.ConfigSet(di, device.KeySampleRate, uint64(200_000_000)))
	require.NoError(t, drv.ConfigCommit(di))

	require.NoError(t, drv.ConfigSet(di, device.KeySampleRate, uint64(123)))
	require.NoError(t, drv.ConfigCommit(di)) // any rate ≤ 50MHz is on the grid

	require.NoError(t, drv.ConfigSet(di, device.KeySampleRate, uint64(75_000_000)))
	err := drv.ConfigCommit(di)
	assert.ErrorIs(t, err, errors.ErrOutOfRange)

	err = drv.ConfigSet(di, device.ConfigKey("bogus"), 1)
	assert.ErrorIs(t, err, errors.ErrConfigKey)

	err = drv.ConfigSet(di, device.KeyCaptureRatio, 150)
	assert.True(t, errors.IsArgument(err))

	got, err := drv.ConfigGet(di, device.KeySampleRate)
	require.NoError(t, err)
	assert.Equal(t, uint64(75_000_000), got)

	assert.Contains(t, drv.ConfigList(), device.KeySampleRate)
}

func TestDriver_ScanWithoutConnFindsNothing(t *testing.T) {
	drv := NewDriver()
	devices, err := drv.Scan(nil)
	require.NoError(t, err)
	assert.Empty(t, devices)
}
