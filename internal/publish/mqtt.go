package publish

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/kmmndr/video_overlay/internal/vision"
)

const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"

	DefaultQueueSize = 64

	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

var (
	ErrNotConnected = errors.New("mqtt not connected")
	ErrQueueFull    = errors.New("mqtt publish queue full")
	ErrEncoding     = errors.New("unknown encoding")
)

type Config struct {
	Broker   string
	Topic    string
	ClientID string
	QoS      byte
	Encoding string
	// QueueSize bounds the reports waiting to be sent. Reports are dropped
	// when it is full.
	QueueSize int
}

type Stats struct {
	Connected bool
	Published uint64
	Dropped   uint64
	Errors    uint64
}

// MQTT publishes detection reports to a broker. Publish never blocks the
// caller: payloads are queued and sent by a background goroutine.
type MQTT struct {
	cfg    Config
	client mqtt.Client
	log    logrus.FieldLogger

	queue     chan []byte
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once

	mu        sync.RWMutex
	connected bool
	closed    bool

	published atomic.Uint64
	dropped   atomic.Uint64
	errors    atomic.Uint64
}

func NewMQTT(cfg Config, log logrus.FieldLogger) *MQTT {
	m := newMQTT(cfg, nil, log)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		m.setConnected(true)
		m.log.WithField("broker", cfg.Broker).Info("mqtt connection established")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		m.setConnected(false)
		m.log.WithError(err).WithField("broker", cfg.Broker).Warn("mqtt connection lost, reconnecting")
	}

	m.client = mqtt.NewClient(opts)
	return m
}

func newMQTT(cfg Config, client mqtt.Client, log logrus.FieldLogger) *MQTT {
	if cfg.Encoding == "" {
		cfg.Encoding = EncodingJSON
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	return &MQTT{
		cfg:    cfg,
		client: client,
		log:    log.WithFields(logrus.Fields{"component": "mqtt", "topic": cfg.Topic}),
		queue:  make(chan []byte, cfg.QueueSize),
		done:   make(chan struct{}),
	}
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Connect waits for the first connection and starts the sender.
func (m *MQTT) Connect(ctx context.Context) error {
	m.log.WithField("broker", m.cfg.Broker).Info("connecting to mqtt broker")

	token := m.client.Connect()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(connectTimeout):
		return errors.New("mqtt connection timeout")
	case <-token.Done():
	}
	if err := token.Error(); err != nil {
		return errors.Wrap(err, "mqtt connection failed")
	}

	m.setConnected(true)
	m.startOnce.Do(func() { go m.send() })
	return nil
}

func (m *MQTT) Publish(report vision.Report) error {
	if !m.isConnected() {
		m.errors.Add(1)
		return ErrNotConnected
	}

	payload, err := Encode(m.cfg.Encoding, report)
	if err != nil {
		m.errors.Add(1)
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrNotConnected
	}

	select {
	case m.queue <- payload:
		return nil
	default:
		m.dropped.Add(1)
		return ErrQueueFull
	}
}

func (m *MQTT) send() {
	defer close(m.done)

	for payload := range m.queue {
		token := m.client.Publish(m.cfg.Topic, m.cfg.QoS, false, payload)
		if !token.WaitTimeout(publishTimeout) {
			m.errors.Add(1)
			m.log.Warn("publish timeout")
			continue
		}
		if err := token.Error(); err != nil {
			m.errors.Add(1)
			m.log.WithError(err).Warn("publish failed")
			continue
		}

		m.published.Add(1)
		m.log.WithField("size", len(payload)).Debug("report published")
	}
}

// Disconnect flushes queued reports and closes the connection.
func (m *MQTT) Disconnect() {
	m.setConnected(false)

	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		close(m.queue)
		m.mu.Unlock()

		// The sender closes done once the queue is drained.
		m.startOnce.Do(func() { close(m.done) })
		select {
		case <-m.done:
		case <-time.After(publishTimeout):
			m.log.Warn("pending reports dropped on disconnect")
		}

		if m.client.IsConnected() {
			m.client.Disconnect(250)
			m.log.Info("mqtt disconnected")
		}
	})
}

func (m *MQTT) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Stats{
		Connected: m.connected,
		Published: m.published.Load(),
		Dropped:   m.dropped.Load(),
		Errors:    m.errors.Load(),
	}
}

func (m *MQTT) setConnected(connected bool) {
	m.mu.Lock()
	m.connected = connected
	m.mu.Unlock()
}

func (m *MQTT) isConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Encode serializes a report as JSON or msgpack.
func Encode(encoding string, report vision.Report) ([]byte, error) {
	switch encoding {
	case EncodingJSON:
		payload, err := json.Marshal(report)
		return payload, errors.Wrap(err, "unable to encode report")
	case EncodingMsgpack:
		payload, err := msgpack.Marshal(report)
		return payload, errors.Wrap(err, "unable to encode report")
	default:
		return nil, errors.Wrapf(ErrEncoding, "%q", encoding)
	}
}
