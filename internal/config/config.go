// Package config loads pool-monitor settings from an optional YAML file and
// the environment. Environment variables override file values. The result
// is immutable for the lifetime of the process.
package config

import (
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/pool-monitor/internal/monitor"
)

// Defaults applied when a value is absent from both file and environment.
const (
	DefaultTransport       = "mqtt"
	DefaultClientID        = "default-client-id"
	DefaultConnectTimeout  = 4000 * time.Millisecond
	DefaultStatusTopic     = "pool/monitor/system"
	DefaultTickInterval    = 10 * time.Second
	DefaultThrottleWindow  = 10 * time.Second
	DefaultFailureCount    = 3
	DefaultTolerance       = 0.001
	DefaultDispatchTimeout = 10 * time.Second
	DefaultControllerURL   = "http://127.0.0.1:8080"
	DefaultHTTPAddr        = ":9090"
	DefaultHeartbeat       = 15 * time.Minute
	DefaultLogLevel        = "info"
	DefaultGPIOChip        = "gpiochip0"
	DefaultGPIOPoll        = 500 * time.Millisecond
	DefaultGPIOFlowTopic   = "local/gpio/water-flow"
	DefaultNATSClientName  = "pool-monitor"
	DefaultWebhookUsername = "pool-monitor"
	DefaultUnsetBaseline   = string(monitor.BaselineSkip)
)

// Config is the top-level configuration.
type Config struct {
	Transport  string           `yaml:"transport"` // mqtt | nats
	MQTT       MQTTConfig       `yaml:"mqtt"`
	NATS       NATSConfig       `yaml:"nats"`
	Topics     TopicsConfig     `yaml:"topics"`
	Mattermost MattermostConfig `yaml:"mattermost"`
	Controller ControllerConfig `yaml:"controller"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	GPIO       GPIOConfig       `yaml:"gpio"`
	HTTP       HTTPConfig       `yaml:"http"`
	Heartbeat  time.Duration    `yaml:"heartbeat"`
	LogLevel   string           `yaml:"log_level"`
}

// MQTTConfig holds broker connection settings.
type MQTTConfig struct {
	Broker         string        `yaml:"broker"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	ClientID       string        `yaml:"client_id"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	StatusTopic    string        `yaml:"status_topic"`
}

// NATSConfig holds NATS connection settings. Topics are used as subjects.
type NATSConfig struct {
	URL           string `yaml:"url"`
	Name          string `yaml:"name"`
	StatusSubject string `yaml:"status_subject"`
}

// TopicsConfig names the telemetry topic for each signal.
type TopicsConfig struct {
	ORP       string `yaml:"orp"`
	PH        string `yaml:"ph"`
	RPM       string `yaml:"rpm"`
	WaterFlow string `yaml:"water_flow"`
}

// MattermostConfig is the alert webhook.
type MattermostConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Username   string `yaml:"username"`
}

// ControllerConfig is the REM controller endpoint.
type ControllerConfig struct {
	URL          string `yaml:"url"`
	ResetPath    string `yaml:"reset_path"`
	PinStatePath string `yaml:"pin_state_path"`
	FlowHeader   int    `yaml:"flow_header"`
	FlowPin      int    `yaml:"flow_pin"`
}

// MonitoringConfig drives the engine.
type MonitoringConfig struct {
	TickInterval     time.Duration `yaml:"tick_interval"`
	ThrottleWindow   time.Duration `yaml:"throttle_window"`
	FailureCount     int           `yaml:"failure_count"`
	Tolerance        float64       `yaml:"tolerance"`
	PumpRPMThreshold float64       `yaml:"pump_rpm_threshold"`
	UnsetBaseline    string        `yaml:"unset_baseline"` // skip | unchanged
	DispatchTimeout  time.Duration `yaml:"dispatch_timeout"`
}

// GPIOConfig enables a local water-flow switch wired to a GPIO line.
type GPIOConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Chip      string        `yaml:"chip"`
	Line      int           `yaml:"line"`
	ActiveLow bool          `yaml:"active_low"`
	Poll      time.Duration `yaml:"poll"`
}

// HTTPConfig is the status server. An empty Addr disables it.
type HTTPConfig struct {
	Addr     string `yaml:"addr"`
	Disabled bool   `yaml:"disabled"`
}

// Load reads path (if non-empty), applies environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str("TRANSPORT", &c.Transport)
	str("MQTT_BROKER", &c.MQTT.Broker)
	str("MQTT_USERNAME", &c.MQTT.Username)
	str("MQTT_PASSWORD", &c.MQTT.Password)
	str("MQTT_CLIENT_ID", &c.MQTT.ClientID)
	str("MQTT_STATUS_TOPIC", &c.MQTT.StatusTopic)
	str("MQTT_ORP_TOPIC", &c.Topics.ORP)
	str("MQTT_PH_TOPIC", &c.Topics.PH)
	str("MQTT_RPM_TOPIC", &c.Topics.RPM)
	str("MQTT_WATER_FLOW_TOPIC", &c.Topics.WaterFlow)
	str("NATS_URL", &c.NATS.URL)
	str("MATTERMOST_WEBHOOK_URL", &c.Mattermost.WebhookURL)
	str("REM_CONTROLLER_URL", &c.Controller.URL)
	str("UNSET_BASELINE", &c.Monitoring.UnsetBaseline)
	str("HTTP_ADDR", &c.HTTP.Addr)
	str("LOG_LEVEL", &c.LogLevel)

	var errs []string
	millis := func(key string, dst *time.Duration) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
			return
		}
		*dst = time.Duration(n) * time.Millisecond
	}
	seconds := func(key string, dst *time.Duration) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
			return
		}
		*dst = time.Duration(f * float64(time.Second))
	}
	integer := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
			return
		}
		*dst = n
	}
	float := func(key string, dst *float64) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
			return
		}
		*dst = f
	}

	millis("MQTT_CONNECT_TIMEOUT", &c.MQTT.ConnectTimeout)
	seconds("TICK_INTERVAL", &c.Monitoring.TickInterval)
	seconds("ALERT_INTERVAL", &c.Monitoring.ThrottleWindow)
	integer("FAILURE_COUNT", &c.Monitoring.FailureCount)
	float("SENSOR_VALUE_TOLERANCE", &c.Monitoring.Tolerance)
	float("PUMP_RPM_THRESHOLD", &c.Monitoring.PumpRPMThreshold)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Transport == "" {
		c.Transport = DefaultTransport
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = DefaultClientID
	}
	if c.MQTT.ConnectTimeout == 0 {
		c.MQTT.ConnectTimeout = DefaultConnectTimeout
	}
	if c.MQTT.StatusTopic == "" {
		c.MQTT.StatusTopic = DefaultStatusTopic
	}
	if c.NATS.Name == "" {
		c.NATS.Name = DefaultNATSClientName
	}
	if c.NATS.StatusSubject == "" {
		c.NATS.StatusSubject = strings.ReplaceAll(c.MQTT.StatusTopic, "/", ".")
	}
	if c.Mattermost.Username == "" {
		c.Mattermost.Username = DefaultWebhookUsername
	}
	if c.Controller.URL == "" {
		c.Controller.URL = DefaultControllerURL
	}
	if c.Monitoring.TickInterval == 0 {
		c.Monitoring.TickInterval = DefaultTickInterval
	}
	if c.Monitoring.ThrottleWindow == 0 {
		c.Monitoring.ThrottleWindow = DefaultThrottleWindow
	}
	if c.Monitoring.FailureCount == 0 {
		c.Monitoring.FailureCount = DefaultFailureCount
	}
	if c.Monitoring.Tolerance == 0 {
		c.Monitoring.Tolerance = DefaultTolerance
	}
	if c.Monitoring.UnsetBaseline == "" {
		c.Monitoring.UnsetBaseline = DefaultUnsetBaseline
	}
	if c.Monitoring.DispatchTimeout == 0 {
		c.Monitoring.DispatchTimeout = DefaultDispatchTimeout
	}
	if c.GPIO.Chip == "" {
		c.GPIO.Chip = DefaultGPIOChip
	}
	if c.GPIO.Poll == 0 {
		c.GPIO.Poll = DefaultGPIOPoll
	}
	if c.GPIO.Enabled && c.Topics.WaterFlow == "" {
		c.Topics.WaterFlow = DefaultGPIOFlowTopic
	}
	if c.HTTP.Addr == "" && !c.HTTP.Disabled {
		c.HTTP.Addr = DefaultHTTPAddr
	}
	if c.HTTP.Disabled {
		c.HTTP.Addr = ""
	}
	if c.Heartbeat == 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
}

func (c *Config) validate() error {
	switch c.Transport {
	case "mqtt":
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker (MQTT_BROKER) is required")
		}
	case "nats":
		if c.NATS.URL == "" {
			return fmt.Errorf("nats.url (NATS_URL) is required")
		}
	default:
		return fmt.Errorf("transport: unknown value %q (want mqtt or nats)", c.Transport)
	}

	if c.Topics.ORP == "" || c.Topics.PH == "" || c.Topics.RPM == "" {
		return fmt.Errorf("topics.orp, topics.ph and topics.rpm are required")
	}
	if c.Topics.WaterFlow == "" {
		return fmt.Errorf("topics.water_flow (MQTT_WATER_FLOW_TOPIC) is required unless gpio is enabled")
	}

	m := c.Monitoring
	if m.TickInterval < 0 {
		return fmt.Errorf("monitoring.tick_interval must be positive")
	}
	if m.ThrottleWindow < 0 {
		return fmt.Errorf("monitoring.throttle_window must not be negative")
	}
	if m.FailureCount < 1 {
		return fmt.Errorf("monitoring.failure_count must be at least 1")
	}
	if !finite(m.Tolerance) || m.Tolerance < 0 {
		return fmt.Errorf("monitoring.tolerance must be a finite, non-negative number")
	}
	if !finite(m.PumpRPMThreshold) || m.PumpRPMThreshold < 0 {
		return fmt.Errorf("monitoring.pump_rpm_threshold must be a finite, non-negative number")
	}
	switch monitor.BaselinePolicy(m.UnsetBaseline) {
	case monitor.BaselineSkip, monitor.BaselineUnchanged:
	default:
		return fmt.Errorf("monitoring.unset_baseline: unknown value %q (want skip or unchanged)", m.UnsetBaseline)
	}

	if c.GPIO.Enabled && c.GPIO.Line < 0 {
		return fmt.Errorf("gpio.line must not be negative")
	}
	if c.GPIO.Enabled && c.GPIO.Poll <= 0 {
		return fmt.Errorf("gpio.poll must be positive")
	}
	if err := checkPortClash(c.HTTP.Addr, c.Controller.URL); err != nil {
		return err
	}
	if c.Heartbeat < 0 {
		return fmt.Errorf("heartbeat must not be negative")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// checkPortClash rejects a status server address that would take the port
// of a controller running on this host.
func checkPortClash(httpAddr, controllerURL string) error {
	if httpAddr == "" {
		return nil
	}
	host, port, err := net.SplitHostPort(httpAddr)
	if err != nil {
		return fmt.Errorf("http.addr: %w", err)
	}
	if !isLocalHost(host) {
		return nil
	}

	u, err := url.Parse(controllerURL)
	if err != nil {
		return fmt.Errorf("controller.url: %w", err)
	}
	cport := u.Port()
	if cport == "" {
		switch u.Scheme {
		case "https":
			cport = "443"
		default:
			cport = "80"
		}
	}
	if isLocalHost(u.Hostname()) && cport == port {
		return fmt.Errorf("http.addr %q uses the controller port %s on this host (controller.url %s)",
			httpAddr, port, controllerURL)
	}
	return nil
}

// isLocalHost reports whether host names this machine: empty, unspecified,
// localhost or a loopback address.
func isLocalHost(host string) bool {
	if host == "" || strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}

// Engine returns the engine settings.
func (c *Config) Engine() monitor.Config {
	return monitor.Config{
		TickInterval:     c.Monitoring.TickInterval,
		Tolerance:        c.Monitoring.Tolerance,
		MaxFailures:      uint(c.Monitoring.FailureCount),
		ThrottleWindow:   c.Monitoring.ThrottleWindow,
		PumpRPMThreshold: c.Monitoring.PumpRPMThreshold,
		UnsetBaseline:    monitor.BaselinePolicy(c.Monitoring.UnsetBaseline),
		DispatchTimeout:  c.Monitoring.DispatchTimeout,
		Topics: monitor.Topics{
			ORP:       c.Topics.ORP,
			PH:        c.Topics.PH,
			RPM:       c.Topics.RPM,
			WaterFlow: c.Topics.WaterFlow,
		},
	}
}

// ParseLevel maps a LOG_LEVEL value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log_level: unknown value %q", s)
}
