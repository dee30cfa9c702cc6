// Package nats is an alternative telemetry transport over NATS. Topics are
// used as subjects; system events go to a status subject.
package nats

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/sweeney/pool-monitor/internal/monitor"
	"github.com/sweeney/pool-monitor/internal/mqtt"
)

const inboundCapacity = 64

// Config holds connection settings.
type Config struct {
	URL           string
	Name          string
	StatusSubject string
	Subjects      []string
	Timeout       time.Duration
}

// Client implements mqtt.Client on a NATS connection.
type Client struct {
	conn *natsgo.Conn
	cfg  Config
	log  *slog.Logger
	msgs chan monitor.Message
	done chan struct{}
	subs []*natsgo.Subscription

	closeOnce sync.Once
}

// Connect dials cfg.URL and subscribes to every subject.
func Connect(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:  cfg,
		log:  logger,
		msgs: make(chan monitor.Message, inboundCapacity),
		done: make(chan struct{}),
	}

	opts := []natsgo.Option{
		natsgo.Name(cfg.Name),
		natsgo.MaxReconnects(-1),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			c.log.Warn("nats: disconnected", "err", err)
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			c.log.Info("nats: reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, natsgo.Timeout(cfg.Timeout))
	}

	conn, err := natsgo.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.URL, err)
	}
	c.conn = conn

	for _, subject := range cfg.Subjects {
		sub, err := conn.Subscribe(subject, c.handle)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		c.subs = append(c.subs, sub)
	}
	c.log.Info("nats: subscribed", "url", cfg.URL, "subjects", cfg.Subjects)
	return c, nil
}

func (c *Client) handle(m *natsgo.Msg) {
	msg := monitor.Message{Topic: m.Subject, Payload: m.Data}
	select {
	case c.msgs <- msg:
	case <-c.done:
	}
}

// Messages implements mqtt.Client.
func (c *Client) Messages() <-chan monitor.Message {
	return c.msgs
}

// PublishSystem publishes event on the status subject. The NATS client
// buffers publishes itself while reconnecting.
func (c *Client) PublishSystem(event mqtt.SystemEvent) error {
	payload, err := mqtt.FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	if err := c.conn.Publish(c.cfg.StatusSubject, payload); err != nil {
		return fmt.Errorf("publish to %s: %w", c.cfg.StatusSubject, err)
	}
	return nil
}

// IsConnected implements mqtt.Client.
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

// Close drains subscriptions and closes the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if derr := c.conn.Drain(); derr != nil {
			err = fmt.Errorf("drain: %w", derr)
			c.conn.Close()
		}
	})
	return err
}

var _ mqtt.Client = (*Client)(nil)
