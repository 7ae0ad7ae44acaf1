// Package natsfeed publishes the datafeed to NATS. Each packet becomes
// one JSON message on a per-device, per-type subject, so downstream
// consumers can subscribe to exactly the slice of the feed they need
// (e.g. "acqstreams.feed.*.analog").
package natsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/acqstreams/datafeed"
	"github.com/c360/acqstreams/device"
	"github.com/c360/acqstreams/errors"
	"github.com/c360/acqstreams/metric"
	"github.com/c360/acqstreams/pkg/retry"
	"github.com/c360/acqstreams/session"
)

const defaultSubjectPrefix = "acqstreams.feed"

// Envelope frames every published message.
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
	Data     []byte `json:"data"`
	UnitSize int    `json:"unit_size"`
	Samples  int    `json:"samples"`
}

type analogPayload struct {
	Data     []float64 `json:"data"`
	Channels []int     `json:"channels"`
	Unit     string    `json:"unit,omitempty"`
}

// Publisher is the slice of the NATS connection the output needs.
type Publisher interface {
	Publish(subject string, data []byte) error
	Flush() error
	Close()
}

// natsPublisher adapts the real NATS connection.
type natsPublisher struct {
	conn *nats.Conn
}

func (p *natsPublisher) Publish(subject string, data []byte) error {
	return p.conn.Publish(subject, data)
}

func (p *natsPublisher) Flush() error { return p.conn.Flush() }

func (p *natsPublisher) Close() { p.conn.Close() }

func dialNATS(url string) (Publisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("acqstreams-natsfeed"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &natsPublisher{conn: conn}, nil
}

// Output publishes datafeed packets to NATS.
type Output struct {
	url     string
	prefix  string
	logger  *slog.Logger
	metrics *outputMetrics
	dial    func(url string) (Publisher, error)

	pub Publisher
	seq atomic.Uint64
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

// WithSubjectPrefix overrides the subject prefix. Default is
// acqstreams.feed.
func WithSubjectPrefix(prefix string) Option {
	return func(o *Output) { o.prefix = prefix }
}

// WithDial overrides the connection factory for tests.
func WithDial(dial func(url string) (Publisher, error)) Option {
	return func(o *Output) { o.dial = dial }
}

// New creates a NATS feed output for the given server URL.
func New(url string, opts ...Option) *Output {
	o := &Output{
		url:    url,
		prefix: defaultSubjectPrefix,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", "natsfeed")
	if o.dial == nil {
		o.dial = dialNATS
	}
	return o
}

// Connect dials the NATS server with backoff. Startup races between
// this process and the broker are expected, so connection is the one
// place the output retries.
func (o *Output) Connect(ctx context.Context) error {
	if o.url == "" {
		return errors.WrapArgument(errors.New("server URL not set"),
			"natsfeed", "Connect", "url validation")
	}

	pub, err := retry.DoWithResult(ctx, retry.Quick(), func() (Publisher, error) {
		return o.dial(o.url)
	})
	if err != nil {
		return errors.WrapTransport(err, "natsfeed", "Connect", "nats dial")
	}
	o.pub = pub
	o.logger.Info("Connected", "url", o.url, "prefix", o.prefix)
	return nil
}

// Close flushes pending messages and drops the connection.
func (o *Output) Close() error {
	if o.pub == nil {
		return nil
	}
	err := o.pub.Flush()
	o.pub.Close()
	o.pub = nil
	if err != nil {
		return errors.WrapTransport(err, "natsfeed", "Close", "final flush")
	}
	return nil
}

// Callback returns the datafeed callback to register with a session.
func (o *Output) Callback() session.DatafeedCallback {
	return func(di *device.Instance, pkt datafeed.Packet) {
		o.publish(di, pkt)
	}
}

// publish encodes and sends one packet. Publish failures are logged and
// counted; the feed to other consumers is unaffected.
func (o *Output) publish(di *device.Instance, pkt datafeed.Packet) {
	if o.pub == nil {
		return
	}

	raw, err := o.encode(di, pkt)
	if err != nil {
		o.logger.Error("Packet encode failed", "type", pkt.Type().String(), "error", err)
		return
	}

	subject := fmt.Sprintf("%s.%s.%s", o.prefix, di.ID, pkt.Type().String())
	if err := o.pub.Publish(subject, raw); err != nil {
		if o.metrics != nil {
			o.metrics.publishErrors.Inc()
		}
		o.logger.Error("Publish failed", "subject", subject, "error", err)
		return
	}
	if o.metrics != nil {
		o.metrics.messagesPublished.WithLabelValues(pkt.Type().String()).Inc()
		o.metrics.bytesPublished.Add(float64(len(raw)))
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

type outputMetrics struct {
	messagesPublished *prometheus.CounterVec
	bytesPublished    prometheus.Counter
	publishErrors     prometheus.Counter
}

func newMetrics(reg *metric.Registry) *outputMetrics {
	if reg == nil {
		return nil
	}
	m := &outputMetrics{
		messagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acqstreams",
			Subsystem: "natsfeed",
			Name:      "messages_published_total",
			Help:      "Datafeed packets published to NATS",
		}, []string{"type"}),
		bytesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "acqstreams",
			Subsystem: "natsfeed",
			Name:      "bytes_published_total",
			Help:      "Bytes published to NATS",
		}),
		publishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "acqstreams",
			Subsystem: "natsfeed",
			Name:      "publish_errors_total",
			Help:      "Failed publish attempts",
		}),
	}
	for name, c := range map[string]prometheus.Collector{
		"messages_published_total": m.messagesPublished,
		"bytes_published_total":    m.bytesPublished,
		"publish_errors_total":     m.publishErrors,
	} {
		if err := reg.Register("natsfeed", name, c); err != nil {
			slog.Default().Error("Metric registration failed", "metric", name, "error", err)
		}
	}
	return m
}
