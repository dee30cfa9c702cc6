// Command pool-monitor watches pool telemetry, alerts when the ORP and pH
// sensors stop reporting changes and resets the flow switch when it
// disagrees with the pump.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gopkg.in/yaml.v3"

	"github.com/sweeney/pool-monitor/internal/config"
	"github.com/sweeney/pool-monitor/internal/controller"
	"github.com/sweeney/pool-monitor/internal/gpio"
	"github.com/sweeney/pool-monitor/internal/metrics"
	"github.com/sweeney/pool-monitor/internal/monitor"
	"github.com/sweeney/pool-monitor/internal/mqtt"
	"github.com/sweeney/pool-monitor/internal/nats"
	"github.com/sweeney/pool-monitor/internal/notify"
	"github.com/sweeney/pool-monitor/internal/status"
	"github.com/sweeney/pool-monitor/internal/web"
)

// statusRefresh is how often the transport link state is copied into the
// status tracker.
const statusRefresh = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "YAML config file (optional; environment variables override it)")
	printConfig := flag.Bool("print-config", false, "Print the effective configuration and exit")
	flag.Parse()

	if err := run(*configPath, *printConfig); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(configPath string, printConfig bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if printConfig {
		return writeConfig(os.Stdout, cfg)
	}

	logger, err := newLogger(os.Stdout, cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notifier := notify.NewWebhook(cfg.Mattermost.WebhookURL, cfg.Mattermost.Username)
	if cfg.Mattermost.WebhookURL == "" {
		logger.Warn("notify: no webhook configured, alerts will only be logged")
	}
	ctrl := controller.New(controller.Config{
		URL:          cfg.Controller.URL,
		ResetPath:    cfg.Controller.ResetPath,
		PinStatePath: cfg.Controller.PinStatePath,
		FlowHeader:   cfg.Controller.FlowHeader,
		FlowPin:      cfg.Controller.FlowPin,
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	tracker := status.NewTracker(time.Now(), statusConfig(cfg))

	client, err := connect(cfg, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	msgs := make(chan monitor.Message)
	go forward(ctx, client.Messages(), msgs)

	if cfg.GPIO.Enabled {
		reader, err := gpio.NewRealReader(cfg.GPIO.Chip, cfg.GPIO.Line, cfg.GPIO.ActiveLow)
		if err != nil {
			return fmt.Errorf("init gpio: %w", err)
		}
		defer reader.Close()

		poll := time.NewTicker(cfg.GPIO.Poll)
		defer poll.Stop()
		go gpio.NewPoller(reader, cfg.Topics.WaterFlow, logger).Run(ctx, poll.C, msgs)
		logger.Info("gpio: flow switch enabled", "chip", cfg.GPIO.Chip, "line", cfg.GPIO.Line, "topic", cfg.Topics.WaterFlow)
	}

	engine := monitor.New(cfg.Engine(), monitor.Options{
		Notifier:   notifier,
		Controller: ctrl,
		Recorder:   rec,
		OnState:    tracker.Update,
		Logger:     logger,
	})

	if cfg.HTTP.Addr != "" {
		srv := web.New(cfg.HTTP.Addr, tracker, reg)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http: server error", "err", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		logger.Info("http: status server listening", "addr", cfg.HTTP.Addr)
	}

	logger.Info("started",
		"transport", cfg.Transport,
		"tick", cfg.Monitoring.TickInterval.String(),
		"throttle", cfg.Monitoring.ThrottleWindow.String(),
		"failure_count", cfg.Monitoring.FailureCount,
		"pump_rpm_threshold", cfg.Monitoring.PumpRPMThreshold,
		"heartbeat", cfg.Heartbeat.String())

	refresh := time.NewTicker(statusRefresh)
	defer refresh.Stop()
	heartbeat := time.NewTicker(cfg.Heartbeat)
	defer heartbeat.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return runLoop(ctx, loopDeps{
		engine:  engine,
		client:  client,
		tracker: tracker,
		msgs:    msgs,
		now:     time.Now,
		log:     logger,
	}, refresh.C, heartbeat.C, sigCh)
}

// connect opens the configured telemetry transport.
func connect(cfg *config.Config, logger *slog.Logger) (mqtt.Client, error) {
	topics := cfg.Engine().Topics
	if cfg.GPIO.Enabled {
		topics.WaterFlow = ""
	}
	subjects := mqtt.SubscriptionTopics(topics)

	switch cfg.Transport {
	case "nats":
		c, err := nats.Connect(nats.Config{
			URL:           cfg.NATS.URL,
			Name:          cfg.NATS.Name,
			StatusSubject: cfg.NATS.StatusSubject,
			Subjects:      subjects,
			Timeout:       cfg.MQTT.ConnectTimeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("init nats: %w", err)
		}
		return c, nil
	default:
		c, err := mqtt.NewRealClient(mqtt.Config{
			Broker:         cfg.MQTT.Broker,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			ClientID:       cfg.MQTT.ClientID,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			StatusTopic:    cfg.MQTT.StatusTopic,
			Topics:         subjects,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("init mqtt: %w", err)
		}
		return c, nil
	}
}

type loopDeps struct {
	engine  *monitor.Engine
	client  mqtt.Client
	tracker *status.Tracker
	msgs    <-chan monitor.Message
	now     func() time.Time
	log     *slog.Logger
}

// runLoop publishes STARTUP, runs the engine and handles heartbeats until a
// signal arrives or the message stream ends, then publishes SHUTDOWN.
func runLoop(ctx context.Context, d loopDeps, tick, heartbeat <-chan time.Time, sig <-chan os.Signal) error {
	d.tracker.SetConnected(d.client.IsConnected())
	d.publish(mqtt.EventStartup, "", true)

	engineCtx, stop := context.WithCancel(ctx)
	defer stop()
	done := make(chan error, 1)
	go func() { done <- d.engine.Run(engineCtx, d.msgs) }()

	for {
		select {
		case s := <-sig:
			name := signalName(s)
			d.log.Info("received signal, shutting down", "signal", name)
			stop()
			err := <-done
			d.publish(mqtt.EventShutdown, name, true)
			return err

		case err := <-done:
			d.log.Warn("engine stopped", "err", err)
			d.publish(mqtt.EventShutdown, "ENGINE_STOPPED", true)
			return err

		case <-tick:
			d.tracker.SetConnected(d.client.IsConnected())

		case <-heartbeat:
			d.tracker.SetConnected(d.client.IsConnected())
			snap := d.tracker.Snapshot()
			d.log.Info("heartbeat",
				"uptime", snap.Uptime().Truncate(time.Second).String(),
				"active", snap.Engine.Active,
				"ticks", snap.Engine.Counts.Ticks,
				"alerts", snap.Engine.Counts.Alerts)
			d.publish(mqtt.EventHeartbeat, "", false)
		}
	}
}

func (d loopDeps) publish(event, reason string, retained bool) {
	snap := d.tracker.Snapshot()
	err := d.client.PublishSystem(mqtt.SystemEvent{
		Timestamp:  d.now(),
		Event:      event,
		Reason:     reason,
		Retained:   retained,
		RawPayload: status.FormatStatusEvent(snap, event, reason),
	})
	if err != nil {
		d.log.Error("failed to publish system event", "event", event, "err", err)
		return
	}
	d.log.Debug("published system event", "event", event)
}

// forward copies in to out until ctx is done or in is closed.
func forward(ctx context.Context, in <-chan monitor.Message, out chan<- monitor.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	}
	return "UNKNOWN"
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

func statusConfig(cfg *config.Config) status.Config {
	broker := cfg.MQTT.Broker
	if cfg.Transport == "nats" {
		broker = cfg.NATS.URL
	}
	return status.Config{
		Transport:        cfg.Transport,
		Broker:           broker,
		TickInterval:     cfg.Monitoring.TickInterval,
		ThrottleWindow:   cfg.Monitoring.ThrottleWindow,
		Heartbeat:        cfg.Heartbeat,
		FailureCount:     cfg.Monitoring.FailureCount,
		Tolerance:        cfg.Monitoring.Tolerance,
		PumpRPMThreshold: cfg.Monitoring.PumpRPMThreshold,
		GPIOFlowSwitch:   cfg.GPIO.Enabled,
		HTTPAddr:         cfg.HTTP.Addr,
	}
}

// writeConfig prints cfg as YAML with secrets masked.
func writeConfig(w io.Writer, cfg *config.Config) error {
	c := *cfg
	if c.MQTT.Password != "" {
		c.MQTT.Password = "********"
	}
	if c.Mattermost.WebhookURL != "" {
		c.Mattermost.WebhookURL = "********"
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
