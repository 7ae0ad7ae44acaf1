// Package wsfeed serves the live datafeed to WebSocket clients. It
// registers as a session datafeed callback, encodes each packet into a
// JSON envelope once, and fans the encoded frame out to every connected
// client through a bounded per-client queue.
//
// The session thread never blocks on a client: a slow consumer's queue
// drops its oldest frames and a dedicated writer goroutine per client
// drains the queue onto the wire.
package wsfeed

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/acqstreams/datafeed"
	"github.com/c360/acqstreams/device"
	"github.com/c360/acqstreams/errors"
	"github.com/c360/acqstreams/metric"
	"github.com/c360/acqstreams/pkg/buffer"
	"github.com/c360/acqstreams/session"
)

const (
	defaultPath     = "/feed"
	defaultQueueCap = 256

	writeTimeout = 5 * time.Second
)

// Envelope frames every message sent to a client.
type Envelope struct {
	Type      string          `json:"type"`
	Device    string          `json:"device"`
	Seq       uint64          `json:"seq"`
	Timestamp int64           `json:"timestamp"` // Unix milliseconds
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type headerPayload struct {
	FeedVersion int       `json:"feed_version"`
	StartTime   time.Time `json:"start_time"`
}

type metaPayload struct {
	SampleRate   uint64 `json:"samplerate"`
	LogicChans   int    `json:"logic_channels"`
	AnalogChans  int    `json:"analog_channels"`
	CaptureRatio int    `json:"capture_ratio,omitempty"`
}

type logicPayload struct {
	Data     []byte `json:"data"` // base64 on the wire
	UnitSize int    `json:"unit_size"`
	Samples  int    `json:"samples"`
}

type analogPayload struct {
	Data     []float64 `json:"data"`
	Channels []int     `json:"channels"`
	Unit     string    `json:"unit,omitempty"`
}

// Output is a WebSocket server broadcasting the datafeed.
type Output struct {
	addr     string
	path     string
	queueCap int
	logger   *slog.Logger
	metrics  *outputMetrics

	upgrader websocket.Upgrader
	listener net.Listener
	server   *http.Server

	clientsMu sync.RWMutex
	clients   map[*client]struct{}

	mu      sync.Mutex
	running bool
	seq     atomic.Uint64
	wg      sync.WaitGroup
}

type client struct {
	conn  *websocket.Conn
	queue *buffer.Ring[[]byte]
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// Option configures the output.
type Option func(*Output)

// WithLogger sets the output logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Output) { o.logger = logger }
}

// WithMetrics enables Prometheus metrics on the given registry.
func WithMetrics(reg *metric.Registry) Option {
	return func(o *Output) { o.metrics = newMetrics(reg) }
}

// WithPath sets the WebSocket endpoint path. Default is /feed.
func WithPath(path string) Option {
	return func(o *Output) { o.path = path }
}

// WithQueueCapacity bounds the per-client frame queue. Default is 256.
func WithQueueCapacity(n int) Option {
	return func(o *Output) { o.queueCap = n }
}

// New creates a WebSocket feed output listening on addr.
func New(addr string, opts ...Option) *Output {
	o := &Output{
		addr:     addr,
		path:     defaultPath,
		queueCap: defaultQueueCap,
		clients:  make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", "wsfeed")
	return o
}

// Start binds the listener and begins serving clients.
func (o *Output) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return nil
	}
	if o.addr == "" {
		return errors.WrapArgument(errors.New("listen address not set"),
			"wsfeed", "Start", "address validation")
	}
	if o.queueCap <= 0 {
		return errors.WrapArgument(
			fmt.Errorf("queue capacity %d must be positive", o.queueCap),
			"wsfeed", "Start", "queue validation")
	}

	ln, err := net.Listen("tcp", o.addr)
	if err != nil {
		return errors.WrapResource(err, "wsfeed", "Start", "listener bind")
	}
	o.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc(o.path, o.handleClient)
	o.server = &http.Server{Handler: mux}

	o.running = true
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			o.logger.Error("Server stopped", "error", err)
		}
	}()

	o.logger.Info("Serving datafeed", "addr", ln.Addr().String(), "path", o.path)
	return nil
}

// Addr returns the bound listen address, empty before Start.
func (o *Output) Addr() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.listener == nil {
		return ""
	}
	return o.listener.Addr().String()
}

// Stop closes the server and disconnects every client.
func (o *Output) Stop() error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	server := o.server
	o.mu.Unlock()

	err := server.Close()

	o.clientsMu.RLock()
	open := make([]*client, 0, len(o.clients))
	for c := range o.clients {
		open = append(open, c)
	}
	o.clientsMu.RUnlock()
	for _, c := range open {
		o.dropClient(c, "shutdown")
	}

	o.wg.Wait()
	if err != nil {
		return errors.WrapResource(err, "wsfeed", "Stop", "server close")
	}
	return nil
}

// Callback returns the datafeed callback to register with a session.
func (o *Output) Callback() session.DatafeedCallback {
	return func(di *device.Instance, pkt datafeed.Packet) {
		o.broadcast(di, pkt)
	}
}

func (o *Output) broadcast(di *device.Instance, pkt datafeed.Packet) {
	o.clientsMu.RLock()
	n := len(o.clients)
	o.clientsMu.RUnlock()
	if n == 0 {
		return
	}

	raw, err := o.encode(di, pkt)
	if err != nil {
		o.logger.Error("Packet encode failed", "type", pkt.Type().String(), "error", err)
		return
	}
	if o.metrics != nil {
		o.metrics.packetsIn.WithLabelValues(pkt.Type().String()).Inc()
	}

	o.clientsMu.RLock()
	defer o.clientsMu.RUnlock()
	for c := range o.clients {
		// DropOldest queue: Write never fails, a full queue evicts.
		_ = c.queue.Write(raw)
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
}

func (o *Output) encode(di *device.Instance, pkt datafeed.Packet) ([]byte, error) {
	var payload any
	switch p := pkt.(type) {
	case *datafeed.Header:
		payload = headerPayload{FeedVersion: p.FeedVersion, StartTime: p.StartTime}
	case *datafeed.Meta:
		payload = metaPayload{
			SampleRate:   p.SampleRate,
			LogicChans:   p.LogicChans,
			AnalogChans:  p.AnalogChans,
			CaptureRatio: p.CaptureRatio,
		}
	case *datafeed.Logic:
		payload = logicPayload{Data: p.Data, UnitSize: p.UnitSize, Samples: p.SampleCount()}
	case *datafeed.Analog:
		payload = analogPayload{Data: p.Data, Channels: p.Channels, Unit: p.Unit}
	}

	env := Envelope{
		Type:      pkt.Type().String(),
		Device:    di.ID,
		Seq:       o.seq.Add(1),
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = raw
	}
	return json.Marshal(&env)
}

func (o *Output) handleClient(w http.ResponseWriter, r *http.Request) {
	conn, err := o.upgrader.Upgrade(w, r, nil)
	if err != nil {
		o.logger.Error("Upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	queue, err := buffer.NewRing[[]byte](o.queueCap)
	if err != nil {
		_ = conn.Close()
		return
	}
	c := &client{
		conn:  conn,
		queue: queue,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}

	o.clientsMu.Lock()
	o.clients[c] = struct{}{}
	count := len(o.clients)
	o.clientsMu.Unlock()

	if o.metrics != nil {
		o.metrics.clientsConnected.Set(float64(count))
		o.metrics.connectionsTotal.Inc()
	}
	o.logger.Info("Client connected", "remote", conn.RemoteAddr().String(), "clients", count)

	o.wg.Add(2)
	go o.writePump(c)
	go o.readPump(c)
}

// writePump drains the client queue onto the wire.
func (o *Output) writePump(c *client) {
	defer o.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}
		for {
			raw, ok := c.queue.Read()
			if !ok {
				break
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				o.dropClient(c, "write")
				return
			}
			if o.metrics != nil {
				o.metrics.messagesSent.Inc()
				o.metrics.bytesSent.Add(float64(len(raw)))
			}
		}
	}
}

// readPump discards inbound frames; the feed is one-way. It exists to
// process control frames and notice the peer closing.
func (o *Output) readPump(c *client) {
	defer o.wg.Done()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			o.dropClient(c, "read")
			return
		}
	}
}

func (o *Output) dropClient(c *client, reason string) {
	c.once.Do(func() {
		o.clientsMu.Lock()
		delete(o.clients, c)
		count := len(o.clients)
		o.clientsMu.Unlock()

		close(c.done)
		_ = c.conn.Close()

		dropped := c.queue.Stats().Dropped
		if o.metrics != nil {
			o.metrics.clientsConnected.Set(float64(count))
			o.metrics.framesDropped.Add(float64(dropped))
		}
		o.logger.Info("Client disconnected",
			"remote", c.conn.RemoteAddr().String(), "reason", reason, "dropped", dropped)
	})
}

type outputMetrics struct {
	clientsConnected prometheus.Gauge
	connectionsTotal prometheus.Counter
	packetsIn        *prometheus.CounterVec
	messagesSent     prometheus.Counter
	bytesSent        prometheus.Counter
	framesDropped    prometheus.Counter
}

func newMetrics(reg *metric.Registry) *outputMetrics {
	if reg == nil {
		return nil
	}
	m := &outputMetrics{
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "acqstreams",
			Subsystem: "wsfeed",
			Name:      "clients_connected",
			Help:      "Currently connected WebSocket clients",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "acqstreams",
			Subsystem: "wsfeed",
			Name:      "client_connections_total",
			Help:      "Total client connections accepted",
		}),
		packetsIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acqstreams",
			Subsystem: "wsfeed",
			Name:      "packets_total",
			Help:      "Datafeed packets offered for broadcast",
		}, []string{"type"}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "acqstreams",
			Subsystem: "wsfeed",
			Name:      "messages_sent_total",
			Help:      "Frames written to clients",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "acqstreams",
			Subsystem: "wsfeed",
			Name:      "bytes_sent_total",
			Help:      "Bytes written to clients",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "acqstreams",
			Subsystem: "wsfeed",
			Name:      "frames_dropped_total",
			Help:      "Frames evicted from slow-client queues",
		}),
	}
	for name, c := range map[string]prometheus.Collector{
		"clients_connected":        m.clientsConnected,
		"client_connections_total": m.connectionsTotal,
		"packets_total":            m.packetsIn,
		"messages_sent_total":      m.messagesSent,
		"bytes_sent_total":         m.bytesSent,
		"frames_dropped_total":     m.framesDropped,
	} {
		if err := reg.Register("wsfeed", name, c); err != nil {
			slog.Default().Error("Metric registration failed", "metric", name, "error", err)
		}
	}
	return m
}
