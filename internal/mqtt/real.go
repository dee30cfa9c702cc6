package mqtt

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/sweeney/pool-monitor/internal/monitor"
)

const (
	publishTimeout  = 5 * time.Second
	retryInterval   = 5 * time.Second
	defaultBacklog  = 32
	inboundCapacity = 64
)

// Config holds RealClient settings.
type Config struct {
	Broker         string
	Username       string
	Password       string
	ClientID       string
	ConnectTimeout time.Duration
	StatusTopic    string
	Topics         []string
	BacklogSize    int
}

// RealClient is a Client backed by a paho connection. It resubscribes on
// every reconnect and replays system events queued while offline.
type RealClient struct {
	client paho.Client
	cfg    Config
	log    *slog.Logger
	msgs   chan monitor.Message
	done   chan struct{}

	mu        sync.Mutex
	backlog   *backlog
	connected bool // at least one successful connect
	closeOnce sync.Once
}

// NewRealClient connects to cfg.Broker. If the broker is not reachable
// within the connect timeout the client keeps retrying in the background
// and NewRealClient still returns it; system events published meanwhile
// are queued.
func NewRealClient(cfg Config, logger *slog.Logger) (*RealClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BacklogSize == 0 {
		cfg.BacklogSize = defaultBacklog
	}

	c := &RealClient{
		cfg:     cfg,
		log:     logger,
		msgs:    make(chan monitor.Message, inboundCapacity),
		done:    make(chan struct{}),
		backlog: newBacklog(cfg.BacklogSize),
	}

	will, err := WillPayload()
	if err != nil {
		return nil, fmt.Errorf("format will: %w", err)
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(retryInterval).
		SetBinaryWill(cfg.StatusTopic, will, 1, false).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			c.log.Warn("mqtt: connection lost", "err", err)
		})

	c.client = paho.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		c.log.Warn("mqtt: broker not reachable yet, retrying in background",
			"broker", cfg.Broker, "timeout", cfg.ConnectTimeout.String())
		return c, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return c, nil
}

func (c *RealClient) onConnect(client paho.Client) {
	c.log.Info("mqtt: connected", "broker", c.cfg.Broker)

	filters := make(map[string]byte, len(c.cfg.Topics))
	for _, t := range c.cfg.Topics {
		filters[t] = 0
	}
	if len(filters) > 0 {
		token := client.SubscribeMultiple(filters, c.handle)
		if !token.WaitTimeout(publishTimeout) {
			c.log.Error("mqtt: subscribe timed out", "topics", c.cfg.Topics)
		} else if err := token.Error(); err != nil {
			c.log.Error("mqtt: subscribe failed", "topics", c.cfg.Topics, "err", err)
		} else {
			c.log.Info("mqtt: subscribed", "topics", c.cfg.Topics)
		}
	}

	c.mu.Lock()
	queued, dropped := c.backlog.take()
	reconnect := c.connected
	c.connected = true
	c.mu.Unlock()

	if dropped > 0 {
		c.log.Warn("mqtt: system events dropped while offline", "dropped", dropped)
	}
	for _, p := range queued {
		if err := c.send(p); err != nil {
			c.log.Error("mqtt: replay failed", "topic", p.topic, "err", err)
		}
	}

	if reconnect {
		if err := c.PublishSystem(SystemEvent{Timestamp: time.Now(), Event: EventReconnected}); err != nil {
			c.log.Error("mqtt: publish reconnect event", "err", err)
		}
	}
}

func (c *RealClient) handle(_ paho.Client, m paho.Message) {
	msg := monitor.Message{Topic: m.Topic(), Payload: m.Payload()}
	select {
	case c.msgs <- msg:
	case <-c.done:
	}
}

// Messages implements Client.
func (c *RealClient) Messages() <-chan monitor.Message {
	return c.msgs
}

// PublishSystem sends event to the status topic with QoS 1. While the
// link is down the event is queued and nil is returned.
func (c *RealClient) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	p := pending{topic: c.cfg.StatusTopic, payload: payload, qos: 1, retained: event.Retained}

	if !c.client.IsConnectionOpen() {
		c.mu.Lock()
		evicted := c.backlog.add(p)
		c.mu.Unlock()
		c.log.Debug("mqtt: offline, queued system event", "event", event.Event, "evicted", evicted)
		return nil
	}
	return c.send(p)
}

func (c *RealClient) send(p pending) error {
	token := c.client.Publish(p.topic, p.qos, p.retained, p.payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s: timeout", p.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", p.topic, err)
	}
	return nil
}

// IsConnected implements Client.
func (c *RealClient) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Close disconnects, allowing one second for in-flight work.
func (c *RealClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.client.Disconnect(1000)
	})
	return nil
}
