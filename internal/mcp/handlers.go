package mcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/guardian/internal/guardian"
	"github.com/ppiankov/guardian/internal/mode"
	"github.com/ppiankov/guardian/internal/model"
	"github.com/ppiankov/guardian/internal/policy"
)

// --- Input/Output types ---

// EvaluateInput is a decision context.
type EvaluateInput struct {
	PrincipalID  string   `json:"principal_id,omitempty" jsonschema:"agent or customer the decision concerns"`
	Vertical     string   `json:"vertical" jsonschema:"business vertical, e.g. payments"`
	Intent       string   `json:"intent" jsonschema:"what the agent is about to do"`
	Signals      []string `json:"signals,omitempty" jsonschema:"free-text conversation signals"`
	FinalPrice   *float64 `json:"final_price,omitempty" jsonschema:"price offered to the customer"`
	CatalogPrice *float64 `json:"catalog_price,omitempty" jsonschema:"list price for the same item"`
	Amount       *float64 `json:"amount,omitempty" jsonschema:"monetary amount at stake"`
}

// EvaluateOutput is the classification.
type EvaluateOutput struct {
	RiskState   string   `json:"risk_state"`
	Outcome     string   `json:"outcome"`
	Rationale   string   `json:"rationale"`
	RuleVersion string   `json:"rule_version"`
	Ratio       *float64 `json:"price_ratio,omitempty"`
	Matched     string   `json:"matched_phrase,omitempty"`
}

// DecideInput is a decision context plus trust history.
type DecideInput struct {
	EvaluateInput
	Interactions int `json:"interactions,omitempty" jsonschema:"completed interactions with this principal"`
	Transactions int `json:"transactions,omitempty" jsonschema:"completed transactions with this principal"`
}

// DecideOutput is the recorded decision.
type DecideOutput struct {
	EventID              string `json:"event_id"`
	IntegrityHash        string `json:"integrity_hash"`
	RiskState            string `json:"risk_state"`
	Mode                 string `json:"mode"`
	Rationale            string `json:"rationale"`
	CanCharge            bool   `json:"can_charge"`
	CanExecute           bool   `json:"can_execute"`
	MustContactHuman     bool   `json:"must_contact_human"`
	RequiresConfirmation bool   `json:"requires_confirmation"`
}

// StatusInput is empty.
type StatusInput struct{}

// StatusOutput mirrors guardian.Status with string keys.
type StatusOutput struct {
	Counts      map[string]int `json:"counts"`
	Total       int            `json:"total"`
	Overrides   int            `json:"overrides"`
	RuleVersion string         `json:"rule_version"`
}

// --- Handlers ---

func (s *Server) handleEvaluate(ctx context.Context, req *mcpsdk.CallToolRequest, input EvaluateInput) (*mcpsdk.CallToolResult, EvaluateOutput, error) {
	ev, err := s.svc.Evaluate(input.context())
	if err != nil {
		return toolError(err), EvaluateOutput{}, nil
	}
	return nil, EvaluateOutput{
		RiskState:   string(ev.State),
		Outcome:     string(ev.Outcome),
		Rationale:   ev.Rationale,
		RuleVersion: ev.RuleVersion,
		Ratio:       ev.Ratio,
		Matched:     ev.Matched,
	}, nil
}

func (s *Server) handleDecide(ctx context.Context, req *mcpsdk.CallToolRequest, input DecideInput) (*mcpsdk.CallToolResult, DecideOutput, error) {
	d, err := s.svc.Decide(ctx, guardian.DecideRequest{
		Context: input.context(),
		Counters: mode.TrustCounters{
			Interactions: input.Interactions,
			Transactions: input.Transactions,
		},
	})
	if err != nil {
		if model.KindOf(err) != model.KindInput {
			s.log.Error("mcp decide failed", "error", err)
		}
		return toolError(err), DecideOutput{}, nil
	}
	return nil, DecideOutput{
		EventID:              d.EventID,
		IntegrityHash:        d.IntegrityHash,
		RiskState:            string(d.Evaluation.State),
		Mode:                 string(d.Mode.Mode),
		Rationale:            d.Evaluation.Rationale,
		CanCharge:            d.Mode.CanCharge,
		CanExecute:           d.Mode.CanExecute,
		MustContactHuman:     d.Mode.MustContactHuman,
		RequiresConfirmation: d.Mode.RequiresConfirmation,
	}, nil
}

func (s *Server) handleStatus(ctx context.Context, req *mcpsdk.CallToolRequest, input StatusInput) (*mcpsdk.CallToolResult, StatusOutput, error) {
	st, err := s.svc.Status(ctx)
	if err != nil {
		return toolError(err), StatusOutput{}, nil
	}
	counts := make(map[string]int, len(st.Counts))
	for state, n := range st.Counts {
		counts[string(state)] = n
	}
	return nil, StatusOutput{
		Counts:      counts,
		Total:       st.Total,
		Overrides:   st.Overrides,
		RuleVersion: st.RuleVersion,
	}, nil
}

// --- Helpers ---

func (in EvaluateInput) context() policy.Context {
	return policy.Context{
		PrincipalID:  in.PrincipalID,
		Vertical:     in.Vertical,
		Intent:       in.Intent,
		Signals:      in.Signals,
		FinalPrice:   in.FinalPrice,
		CatalogPrice: in.CatalogPrice,
		Amount:       in.Amount,
	}
}

// toolError reports err to the agent with its stable code. Store and
// internal detail is not passed through.
func toolError(err error) *mcpsdk.CallToolResult {
	msg := model.ErrInternal.Message
	switch model.KindOf(err) {
	case model.KindInput:
		msg = err.Error()
	case model.KindTransientStore:
		msg = model.ErrTransientStore.Message
	}
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: model.CodeOf(err) + ": " + msg}},
	}
}
