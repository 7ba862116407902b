package alert

// Event types a webhook can subscribe to.
const (
	// EventBlackState fires when a decision is classified BLACK.
	EventBlackState = "black_state"
	// EventOverrideGranted fires after a human override commits.
	EventOverrideGranted = "override_granted"
	// EventPaymentRejected fires when a signed gateway event is recorded as
	// rejected.
	EventPaymentRejected = "payment_rejected"
)

// KnownEvent reports whether name is a subscribable event type.
func KnownEvent(name string) bool {
	switch name {
	case EventBlackState, EventOverrideGranted, EventPaymentRejected:
		return true
	}
	return false
}

// AlertConfig defines a webhook alert destination.
type AlertConfig struct {
	URL     string            `yaml:"url"     json:"url"`
	Format  string            `yaml:"format"  json:"format"` // "generic", "slack", "pagerduty"
	Events  []string          `yaml:"events"  json:"events"`
	Headers map[string]string `yaml:"headers" json:"headers"`
}

// AlertEvent is the payload sent to webhook endpoints.
type AlertEvent struct {
	Timestamp   string `json:"timestamp"`
	Type        string `json:"type"`
	EventID     string `json:"event_id"`
	PrevEventID string `json:"prev_event_id,omitempty"`
	PrincipalID string `json:"principal_id,omitempty"`
	Vertical    string `json:"vertical"`
	RiskState   string `json:"risk_state"`
	Decision    string `json:"decision,omitempty"`
	Reason      string `json:"reason"`
	RuleVersion string `json:"rule_version,omitempty"`
}

// Notifier receives alert events. Implementations must not block.
type Notifier interface {
	Notify(event AlertEvent)
}

// Discard drops every event.
var Discard Notifier = discard{}

type discard struct{}

func (discard) Notify(AlertEvent) {}
