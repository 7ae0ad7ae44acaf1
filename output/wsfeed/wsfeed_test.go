package wsfeed

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/acqstreams/datafeed"
	"github.com/c360/acqstreams/device"
	"github.com/c360/acqstreams/errors"
	"github.com/c360/acqstreams/pkg/buffer"
)

func startOutput(t *testing.T, opts ...Option) *Output {
	t.Helper()
	out := New("127.0.0.1:0", opts...)
	require.NoError(t, out.Start())
	t.Cleanup(func() { _ = out.Stop() })
	return out
}

func dialFeed(t *testing.T, out *Output) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+out.Addr()+"/feed", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return env
}

func TestOutput_BroadcastsPackets(t *testing.T) {
	out := startOutput(t)
	conn := dialFeed(t, out)

	di := device.NewInstance(nil, "test", "LA", "1.0")
	cb := out.Callback()

	// Let the handler register the client before broadcasting.
	require.Eventually(t, func() bool {
		out.clientsMu.RLock()
		defer out.clientsMu.RUnlock()
		return len(out.clients) == 1
	}, time.Second, 5*time.Millisecond)

	cb(di, &datafeed.Meta{SampleRate: 1_000_000, LogicChans: 16})
	cb(di, &datafeed.Logic{Data: []byte{0xAA, 0x55}, UnitSize: 2})
	cb(di, &datafeed.End{})

	env := readEnvelope(t, conn)
	assert.Equal(t, "meta", env.Type)
	assert.Equal(t, di.ID, env.Device)
	var meta metaPayload
	require.NoError(t, json.Unmarshal(env.Payload, &meta))
	assert.Equal(t, uint64(1_000_000), meta.SampleRate)
	assert.Equal(t, 16, meta.LogicChans)

	env = readEnvelope(t, conn)
	assert.Equal(t, "logic", env.Type)
	var logic logicPayload
	require.NoError(t, json.Unmarshal(env.Payload, &logic))
	assert.Equal(t, []byte{0xAA, 0x55}, logic.Data)
	assert.Equal(t, 2, logic.UnitSize)
	assert.Equal(t, 1, logic.Samples)

	env = readEnvelope(t, conn)
	assert.Equal(t, "end", env.Type)
	assert.Empty(t, env.Payload)
}

func TestOutput_EnvelopeSequenceIsMonotonic(t *testing.T) {
	out := startOutput(t)
	conn := dialFeed(t, out)

	di := device.NewInstance(nil, "test", "LA", "1.0")
	require.Eventually(t, func() bool {
		out.clientsMu.RLock()
		defer out.clientsMu.RUnlock()
		return len(out.clients) == 1
	}, time.Second, 5*time.Millisecond)

	cb := out.Callback()
	for i := 0; i < 3; i++ {
		cb(di, &datafeed.Analog{Data: []float64{float64(i)}, Channels: []int{0}, Unit: "V"})
	}

	var last uint64
	for i := 0; i < 3; i++ {
		env := readEnvelope(t, conn)
		assert.Equal(t, "analog", env.Type)
		assert.Greater(t, env.Seq, last)
		last = env.Seq
	}
}

func TestOutput_SlowClientQueueDropsOldest(t *testing.T) {
	// Exercise the queue policy directly: no writer draining.
	queue, err := buffer.NewRing[[]byte](4)
	require.NoError(t, err)
	c := &client{queue: queue, wake: make(chan struct{}, 1), done: make(chan struct{})}

	out := New("127.0.0.1:0", WithQueueCapacity(4))
	out.clientsMu.Lock()
	out.clients[c] = struct{}{}
	out.clientsMu.Unlock()

	di := device.NewInstance(nil, "test", "LA", "1.0")
	for i := 0; i < 10; i++ {
		out.broadcast(di, &datafeed.Logic{Data: []byte{byte(i)}, UnitSize: 1})
	}

	assert.Equal(t, 4, c.queue.Len())
	assert.Equal(t, uint64(6), c.queue.Stats().Dropped)

	// The oldest surviving frame is the seventh packet sent.
	raw, ok := c.queue.Read()
	require.True(t, ok)
	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	var logic logicPayload
	require.NoError(t, json.Unmarshal(env.Payload, &logic))
	assert.Equal(t, []byte{6}, logic.Data)
}

func TestOutput_StopDisconnectsClients(t *testing.T) {
	out := New("127.0.0.1:0")
	require.NoError(t, out.Start())
	conn := dialFeed(t, out)

	require.NoError(t, out.Stop())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestOutput_StartValidation(t *testing.T) {
	out := New("")
	assert.True(t, errors.IsArgument(out.Start()))

	out = New("127.0.0.1:0", WithQueueCapacity(0))
	assert.True(t, errors.IsArgument(out.Start()))
}

func TestOutput_BroadcastWithoutClientsIsCheap(t *testing.T) {
	out := New("127.0.0.1:0")
	di := device.NewInstance(nil, "test", "LA", "1.0")
	// No Start, no clients: must not panic or block.
	out.Callback()(di, &datafeed.End{})
}
