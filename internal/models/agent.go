package models

// AgentSeniority ranks an agent's tie-break priority during matching.
type AgentSeniority string

const (
	SeniorityJunior AgentSeniority = "junior"
	SenioritySenior AgentSeniority = "senior"
	SeniorityExpert AgentSeniority = "expert"
)

// Rank returns a higher value for more senior agents, used to break
// affinity ties in matchAgent (expert > senior > junior).
func (s AgentSeniority) Rank() int {
	switch s {
	case SeniorityExpert:
		return 2
	case SenioritySenior:
		return 1
	default:
		return 0
	}
}

// AgentStatus is an agent's current availability.
type AgentStatus string

const (
	AgentStatusIdle        AgentStatus = "idle"
	AgentStatusExecuting   AgentStatus = "executing"
	AgentStatusCoolingDown AgentStatus = "cooling_down"
	AgentStatusDisabled    AgentStatus = "disabled"
)

// Agent is a specialist descriptor owned by a workspace. Deletion of a
// workspace cascades to its agents.
type Agent struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspace_id"`
	Name        string         `json:"name"`
	Role        string         `json:"role"`
	Seniority   AgentSeniority `json:"seniority"`
	Skills      []string       `json:"skills"`
	Status      AgentStatus    `json:"status"`
	// LastUsedAt is the unix-ms time the agent was last used; the matcher
	// uses it as the LRU tie-break among equally scored agents.
	LastUsedAt int64 `json:"last_used_at_unix_ms"`
}

// IsAvailable reports whether the agent can be matched to new work right now.
func (a *Agent) IsAvailable() bool {
	return a.Status == AgentStatusIdle
}

// KeywordSet returns the deterministic-fallback matching vocabulary:
// role ∪ skills, lowercased.
func (a *Agent) KeywordSet() map[string]struct{} {
	set := make(map[string]struct{}, len(a.Skills)+1)
	if a.Role != "" {
		set[normalizeKeyword(a.Role)] = struct{}{}
	}
	for _, s := range a.Skills {
		set[normalizeKeyword(s)] = struct{}{}
	}
	return set
}
