package gpio

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/sweeney/pool-monitor/internal/monitor"
)

// Poller samples a Reader and emits a water-flow message whenever the
// switch state changes. The first successful read is always emitted.
type Poller struct {
	reader Reader
	topic  string
	log    *slog.Logger
}

// NewPoller creates a Poller publishing on topic.
func NewPoller(r Reader, topic string, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{reader: r, topic: topic, log: logger}
}

// Run reads the switch on every tick until ctx is done.
func (p *Poller) Run(ctx context.Context, tick <-chan time.Time, out chan<- monitor.Message) {
	var (
		last    bool
		haveOne bool
		failing bool
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		}

		on, err := p.reader.Read()
		if err != nil {
			if !failing {
				p.log.Error("gpio: read failed", "err", err)
				failing = true
			}
			continue
		}
		if failing {
			p.log.Info("gpio: read recovered")
			failing = false
		}
		if haveOne && on == last {
			continue
		}
		last, haveOne = on, true

		msg := monitor.Message{Topic: p.topic, Payload: FlowPayload(on)}
		select {
		case out <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// FlowPayload encodes a switch state the way remote flow sensors do.
func FlowPayload(on bool) []byte {
	state := monitor.FlowOff
	if on {
		state = monitor.FlowOn
	}
	b, _ := json.Marshal(map[string]monitor.FlowState{monitor.FieldWaterFlow: state})
	return b
}
