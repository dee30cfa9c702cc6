// Package controller sends corrective actions to the relay equipment
// manager (REM) that drives the pool controller hardware.
package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Default REST paths on the REM controller.
const (
	DefaultResetPath    = "/config/reset"
	DefaultPinStatePath = "/state/setPinState"
)

// DefaultTimeout bounds a single controller request.
const DefaultTimeout = 10 * time.Second

// Config describes the REM endpoint and the flow switch input pin.
type Config struct {
	URL          string
	ResetPath    string
	PinStatePath string
	FlowHeader   int
	FlowPin      int
}

// Client issues reset requests to the REM controller.
type Client struct {
	cfg    Config
	client *http.Client
}

// New creates a Client. Empty paths fall back to the defaults.
func New(cfg Config) *Client {
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if cfg.ResetPath == "" {
		cfg.ResetPath = DefaultResetPath
	}
	if cfg.PinStatePath == "" {
		cfg.PinStatePath = DefaultPinStatePath
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: DefaultTimeout},
	}
}

// ResetRequest is the body REM expects on a full controller reset.
type ResetRequest struct {
	ControllerType string      `json:"controllerType"`
	App            AppConfig   `json:"app"`
	SPI0           SPIConfig   `json:"spi0"`
	SPI1           SPIConfig   `json:"spi1"`
	BusNumber      string      `json:"busNumber"`
	Detected       DetectedBus `json:"detected"`
	Name           string      `json:"name"`
	Type           TypeDesc    `json:"type"`
}

type AppConfig struct {
	Level     string `json:"level"`
	LogToFile bool   `json:"logToFile"`
}

type SPIConfig struct {
	IsActive bool `json:"isActive"`
}

type DetectedBus struct {
	Path string `json:"path"`
}

type TypeDesc struct {
	Desc string `json:"desc"`
}

// DefaultResetRequest returns the reset body for a Raspberry Pi REM
// running nodejs-PoolController on I2C bus 1.
func DefaultResetRequest() ResetRequest {
	return ResetRequest{
		ControllerType: "raspi",
		App:            AppConfig{Level: "warn", LogToFile: false},
		SPI0:           SPIConfig{IsActive: false},
		SPI1:           SPIConfig{IsActive: false},
		BusNumber:      "1",
		Detected:       DetectedBus{Path: "/sys/class/i2c-dev/i2c-1"},
		Name:           "nodejsPoolController",
		Type:           TypeDesc{Desc: "nodejs-PoolController"},
	}
}

// PinStateRequest sets the state of one GPIO input on the REM.
type PinStateRequest struct {
	HeaderID int  `json:"headerId"`
	PinID    int  `json:"pinId"`
	State    bool `json:"state"`
}

// ResetDevice requests a full controller reset.
func (c *Client) ResetDevice(ctx context.Context) error {
	if err := c.put(ctx, c.cfg.ResetPath, DefaultResetRequest()); err != nil {
		return fmt.Errorf("reset device: %w", err)
	}
	return nil
}

// ResetInputPin clears the latched state of the flow switch input.
func (c *Client) ResetInputPin(ctx context.Context) error {
	req := PinStateRequest{HeaderID: c.cfg.FlowHeader, PinID: c.cfg.FlowPin, State: false}
	if err := c.put(ctx, c.cfg.PinStatePath, req); err != nil {
		return fmt.Errorf("reset input pin %d/%d: %w", c.cfg.FlowHeader, c.cfg.FlowPin, err)
	}
	return nil
}

func (c *Client) put(ctx context.Context, path string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.cfg.URL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	// The REM web UI checks these; mirror what its own front end sends.
	req.Header.Set("Accept", "application/json, text/javascript, */*; q=0.01")
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("Origin", c.cfg.URL)
	req.Header.Set("Referer", c.cfg.URL+"/")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("put %s: %w", path, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("put %s: HTTP %d", path, resp.StatusCode)
	}
	return nil
}
