package alert

import (
	"context"
	"log/slog"
	"sync"
)

// Dispatcher fans out alert events to matching webhook configurations.
// The configuration list is read from source on every event so a rule
// reload takes effect without rebuilding the dispatcher.
type Dispatcher struct {
	source func() []AlertConfig
	log    *slog.Logger
	wg     sync.WaitGroup
}

// Static returns a source that always yields configs.
func Static(configs []AlertConfig) func() []AlertConfig {
	return func() []AlertConfig { return configs }
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(source func() []AlertConfig, log *slog.Logger) *Dispatcher {
	if source == nil {
		source = Static(nil)
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{source: source, log: log}
}

// Notify sends the event to every webhook subscribed to its type.
// Deliveries run in goroutines and do not block the caller.
func (d *Dispatcher) Notify(event AlertEvent) {
	if d == nil {
		return
	}
	for _, cfg := range d.source() {
		if !matches(cfg.Events, event) {
			continue
		}
		d.wg.Add(1)
		go func(cfg AlertConfig) {
			defer d.wg.Done()
			if err := Send(context.Background(), cfg, event); err != nil {
				d.log.Warn("alert delivery failed", "type", event.Type, "event_id", event.EventID, "err", err)
			}
		}(cfg)
	}
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	if d != nil {
		d.wg.Wait()
	}
}

func matches(events []string, event AlertEvent) bool {
	for _, e := range events {
		if e == event.Type {
			return true
		}
	}
	return false
}
