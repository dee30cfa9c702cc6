package monitor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Payload field names published by the pool sensors.
const (
	FieldORP       = "orpLevel"
	FieldPH        = "pHLevel"
	FieldRPM       = "rpm"
	FieldWaterFlow = "waterFlow"
)

// ErrUnknownTopic is returned for messages on a topic no signal is mapped to.
var ErrUnknownTopic = errors.New("unknown topic")

// Reading is a parsed telemetry message.
type Reading struct {
	Signal Signal
	Value  float64   // numeric signals
	Flow   FlowState // SignalWaterFlow only
}

// Router maps topics to signals and parses their payloads.
type Router struct {
	topics map[string]Signal
}

// NewRouter creates a Router for the given topic mapping. Empty topics are ignored.
func NewRouter(t Topics) *Router {
	r := &Router{topics: make(map[string]Signal, 4)}
	for topic, sig := range map[string]Signal{
		t.ORP:       SignalORP,
		t.PH:        SignalPH,
		t.RPM:       SignalPumpRPM,
		t.WaterFlow: SignalWaterFlow,
	} {
		if topic != "" {
			r.topics[topic] = sig
		}
	}
	return r
}

// Parse decodes msg into a Reading.
func (r *Router) Parse(msg Message) (Reading, error) {
	sig, ok := r.topics[msg.Topic]
	if !ok {
		return Reading{}, fmt.Errorf("%w: %q", ErrUnknownTopic, msg.Topic)
	}

	switch sig {
	case SignalORP:
		v, err := parseNumber(msg.Payload, FieldORP)
		return Reading{Signal: sig, Value: v}, err
	case SignalPH:
		v, err := parseNumber(msg.Payload, FieldPH)
		return Reading{Signal: sig, Value: v}, err
	case SignalPumpRPM:
		v, err := parseNumber(msg.Payload, FieldRPM)
		return Reading{Signal: sig, Value: v}, err
	default:
		f, err := parseFlow(msg.Payload)
		return Reading{Signal: sig, Flow: f}, err
	}
}

// parseNumber accepts {"<field>": n} or a bare JSON number.
func parseNumber(payload []byte, field string) (float64, error) {
	raw, err := extractField(payload, field)
	if err != nil {
		return 0, err
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("%s: not a number: %s", field, raw)
	}
	return v, nil
}

// parseFlow accepts {"waterFlow": x} or a bare x, where x is on/off,
// true/false or 1/0 as a string, bool or number.
func parseFlow(payload []byte) (FlowState, error) {
	raw, err := extractField(payload, FieldWaterFlow)
	if err != nil {
		return FlowUnset, err
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		// Some switches publish the bare word without quotes.
		v = string(raw)
	}

	switch x := v.(type) {
	case bool:
		if x {
			return FlowOn, nil
		}
		return FlowOff, nil
	case float64:
		return numberFlow(x)
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "on", "true", "1":
			return FlowOn, nil
		case "off", "false", "0":
			return FlowOff, nil
		}
	}
	return FlowUnset, fmt.Errorf("%s: unrecognised value %s", FieldWaterFlow, raw)
}

func numberFlow(f float64) (FlowState, error) {
	switch f {
	case 1:
		return FlowOn, nil
	case 0:
		return FlowOff, nil
	}
	return FlowUnset, fmt.Errorf("%s: unrecognised value %v", FieldWaterFlow, f)
}

// extractField returns the raw JSON for field if payload is an object, or
// the trimmed payload itself otherwise.
func extractField(payload []byte, field string) (json.RawMessage, error) {
	p := bytes.TrimSpace(payload)
	if len(p) == 0 {
		return nil, errors.New("empty payload")
	}
	if p[0] != '{' {
		return p, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(p, &obj); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	raw, ok := obj[field]
	if !ok || string(raw) == "null" {
		return nil, fmt.Errorf("payload missing %q", field)
	}
	return raw, nil
}
