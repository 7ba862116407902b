package alert

import (
	"encoding/json"
	"fmt"
)

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, event AlertEvent) ([]byte, error) {
	switch format {
	case "slack":
		return formatSlack(event)
	case "pagerduty":
		return formatPagerDuty(event)
	default:
		return formatGeneric(event)
	}
}

func formatGeneric(event AlertEvent) ([]byte, error) {
	return json.Marshal(event)
}

func formatSlack(event AlertEvent) ([]byte, error) {
	fields := []any{
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Risk:* %s", event.RiskState)},
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Vertical:* %s", event.Vertical)},
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Event:* %s", event.EventID)},
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Reason:* %s", event.Reason)},
	}
	if event.PrincipalID != "" {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Principal:* %s", event.PrincipalID)})
	}
	if event.Decision != "" {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Decision:* %s", event.Decision)})
	}

	payload := map[string]any{
		"blocks": []any{
			map[string]any{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": fmt.Sprintf("guardian: %s", event.Type),
				},
			},
			map[string]any{
				"type":   "section",
				"fields": fields,
			},
		},
	}
	return json.Marshal(payload)
}

func formatPagerDuty(event AlertEvent) ([]byte, error) {
	payload := map[string]any{
		"event_action": "trigger",
		"dedup_key":    event.Type + ":" + event.EventID,
		"payload": map[string]any{
			"summary":  fmt.Sprintf("guardian %s: %s in %s", event.Type, event.RiskState, event.Vertical),
			"severity": severityFor(event.RiskState),
			"source":   "guardian",
			"custom_details": map[string]any{
				"event_id":      event.EventID,
				"prev_event_id": event.PrevEventID,
				"principal_id":  event.PrincipalID,
				"decision":      event.Decision,
				"reason":        event.Reason,
				"rule_version":  event.RuleVersion,
			},
		},
	}
	return json.Marshal(payload)
}

func severityFor(riskState string) string {
	switch riskState {
	case "BLACK":
		return "critical"
	case "RED":
		return "error"
	case "YELLOW":
		return "warning"
	default:
		return "info"
	}
}
