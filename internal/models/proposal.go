package models

import "time"

// ProposalStatus tracks whether a staffing proposal has been acted on yet.
type ProposalStatus string

const (
	ProposalStatusPending  ProposalStatus = "pending"
	ProposalStatusApproved ProposalStatus = "approved"
	ProposalStatusRejected ProposalStatus = "rejected"
)

// Proposal is the Workspace Orchestrator's answer to "who would work this
// goal and what would it cost" — POST /workspaces/{id}/proposal in spec §6.
// It never dispatches anything itself; approving it is what flips the
// workspace into active and lets the Supervisor start ticking.
type Proposal struct {
	ID                         string         `json:"id"`
	WorkspaceID                string         `json:"workspace_id"`
	Goal                       string         `json:"goal"`
	Feedback                   string         `json:"feedback,omitempty"`
	Team                       []string       `json:"team"` // agent names recommended for the goal
	EstimatedCost              float64        `json:"estimated_cost"`
	EstimatedCompletionSeconds int            `json:"estimated_completion_seconds"`
	Status                     ProposalStatus `json:"status"`
	Version                    int            `json:"version"`
	CreatedAt                  time.Time      `json:"created_at"`
	UpdatedAt                  time.Time      `json:"updated_at"`
}

func (p *Proposal) IsTerminal() bool {
	return p.Status == ProposalStatusApproved || p.Status == ProposalStatusRejected
}
