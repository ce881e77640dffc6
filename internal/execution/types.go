package execution

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

type ActionStatus string

type StepStatus string

type StepType string

const (
	ActionStatusRunning   ActionStatus = "running"
	ActionStatusCompleted ActionStatus = "completed"
	ActionStatusFailed    ActionStatus = "failed"
)

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusSubmitted StepStatus = "submitted"
	StepStatusConfirmed StepStatus = "confirmed"
	StepStatusFailed    StepStatus = "failed"
)

const (
	StepTypeApproval StepType = "approval"
	StepTypeSwap     StepType = "swap"
	StepTypeOrder    StepType = "order"
)

// Action is one journaled submission: an approval, an on-chain swap or a
// posted CoW order.
type Action struct {
	ActionID    string       `json:"action_id"`
	IntentType  string       `json:"intent_type"`
	Provider    string       `json:"provider,omitempty"`
	Status      ActionStatus `json:"status"`
	Network     string       `json:"network"`
	ChainID     int64        `json:"chain_id"`
	FromAddress string       `json:"from_address,omitempty"`
	ToAddress   string       `json:"to_address,omitempty"`
	TokenIn     string       `json:"token_in,omitempty"`
	TokenOut    string       `json:"token_out,omitempty"`
	InputAmount string       `json:"input_amount,omitempty"`
	MinOutput   string       `json:"min_output,omitempty"`
	SlippageBps int64        `json:"slippage_bps"`
	CreatedAt   string       `json:"created_at"`
	UpdatedAt   string       `json:"updated_at"`
	Steps       []ActionStep `json:"steps"`
}

type ActionStep struct {
	StepID      string     `json:"step_id"`
	Type        StepType   `json:"type"`
	Status      StepStatus `json:"status"`
	Description string     `json:"description,omitempty"`
	Target      string     `json:"target,omitempty"`
	Data        string     `json:"data,omitempty"`
	Value       string     `json:"value,omitempty"`
	TxHash      string     `json:"tx_hash,omitempty"`
	ExplorerURL string     `json:"explorer_url,omitempty"`
	OrderUID    string     `json:"order_uid,omitempty"`
	Error       string     `json:"error,omitempty"`
}

func NewAction(actionID, intentType, network string, chainID int64) Action {
	now := time.Now().UTC().Format(time.RFC3339)
	return Action{
		ActionID:   actionID,
		IntentType: intentType,
		Status:     ActionStatusRunning,
		Network:    network,
		ChainID:    chainID,
		CreatedAt:  now,
		UpdatedAt:  now,
		Steps:      []ActionStep{},
	}
}

func NewActionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "action-unknown"
	}
	return fmt.Sprintf("act_%s", hex.EncodeToString(b))
}

func (a *Action) Touch() {
	a.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
}

// LastStep returns the most recent step, or nil.
func (a *Action) LastStep() *ActionStep {
	if a == nil || len(a.Steps) == 0 {
		return nil
	}
	return &a.Steps[len(a.Steps)-1]
}
