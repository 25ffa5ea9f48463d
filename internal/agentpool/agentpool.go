// Package agentpool is the Agent Pool: agent registration, idle-agent
// listing, and matchAgent — the affinity matcher the Executor calls to bind
// a ready task to a specialist. It is layered over internal/store's agent
// persistence the same way internal/goalregistry layers over goal
// persistence.
package agentpool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dotcommander/orchestron/internal/capability"
	"github.com/dotcommander/orchestron/internal/eventbus"
	"github.com/dotcommander/orchestron/internal/memorystore"
	"github.com/dotcommander/orchestron/internal/models"
	"github.com/dotcommander/orchestron/internal/store"
)

// DefaultThreshold is the minimum affinity score matchAgent will accept
// before declaring starvation.
const DefaultThreshold = 0.3

// DefaultCooldown is how long a starved task waits before the queue offers
// it again.
const DefaultCooldown = 60 * time.Second

// ErrNoAgentAvailable is returned by MatchAgent when no idle agent clears
// the affinity threshold. The task has already been returned to the queue
// under cooldown by the time this is returned.
var ErrNoAgentAvailable = errors.New("agentpool: no idle agent meets affinity threshold")

var tokenPattern = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// Pool is the Agent Pool.
type Pool struct {
	db         *sql.DB
	memory     *memorystore.Store
	bus        *eventbus.Client // nil is valid: starvation is then only persisted as an insight
	classifier capability.Capability
	threshold  float64
	cooldown   time.Duration
}

// New returns a Pool. classifier may be capability.Unavailable{} to force
// the deterministic Jaccard fallback; bus may be nil.
func New(db *sql.DB, memory *memorystore.Store, bus *eventbus.Client, classifier capability.Capability) *Pool {
	return &Pool{
		db:         db,
		memory:     memory,
		bus:        bus,
		classifier: classifier,
		threshold:  DefaultThreshold,
		cooldown:   DefaultCooldown,
	}
}

// SetThreshold overrides the default 0.3 affinity cutoff.
func (p *Pool) SetThreshold(t float64) { p.threshold = t }

// SetCooldown overrides the default 60s starvation cooldown.
func (p *Pool) SetCooldown(d time.Duration) { p.cooldown = d }

// Register adds a new agent descriptor to a workspace, idle by default.
func (p *Pool) Register(workspaceID, name, role string, seniority models.AgentSeniority, skills []string) (*models.Agent, error) {
	var a *models.Agent
	err := store.Transact(p.db, func(tx *sql.Tx) error {
		var err error
		a, err = store.RegisterAgentTx(tx, workspaceID, name, role, seniority, skills)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("register agent: %w", err)
	}
	return a, nil
}

// ListAgents returns every agent registered in a workspace.
func (p *Pool) ListAgents(workspaceID string) ([]*models.Agent, error) {
	return store.ListAgentsByWorkspace(p.db, workspaceID)
}

// MatchAgent returns the idle agent with the highest semantic affinity to
// task's description. Affinity uses the configured classifier when it's
// available, falling back to a deterministic Jaccard overlap between the
// task's keywords and the agent's role ∪ skills. Ties are broken by
// seniority (expert > senior > junior), then by least-recently-used (the
// idle candidate list is already ordered oldest-last_used_at first, so the
// first candidate encountered at a tied score/seniority is kept).
//
// If no idle agent clears threshold, the task is returned to the queue
// under a cooldown, an agent_starvation insight is recorded, and
// ErrNoAgentAvailable is returned.
func (p *Pool) MatchAgent(ctx context.Context, task *models.Task) (*models.Agent, error) {
	idle, err := store.ListAvailableAgentsByWorkspace(p.db, task.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("list available agents: %w", err)
	}

	var best *models.Agent
	bestScore := -1.0
	for _, a := range idle {
		score := p.affinity(ctx, task, a)
		if score > bestScore {
			best, bestScore = a, score
			continue
		}
		if score == bestScore && best != nil && a.Seniority.Rank() > best.Seniority.Rank() {
			best = a
		}
	}

	if best == nil || bestScore < p.threshold {
		if starveErr := p.starve(task, bestScore); starveErr != nil {
			return nil, starveErr
		}
		return nil, ErrNoAgentAvailable
	}
	return best, nil
}

// affinity scores a candidate agent against task, preferring an AI-driven
// classification and falling back to Jaccard overlap when the classifier is
// unavailable or returns an unparseable response.
func (p *Pool) affinity(ctx context.Context, task *models.Task, a *models.Agent) float64 {
	if p.classifier != nil {
		if score, ok := p.classify(ctx, task, a); ok {
			return score
		}
	}
	return jaccard(task, a)
}

func (p *Pool) classify(ctx context.Context, task *models.Task, a *models.Agent) (float64, bool) {
	prompt := fmt.Sprintf(
		"Rate how well an agent with role %q and skills %q matches this task on a scale "+
			"from 0.0 (no match) to 1.0 (perfect match). Task: %q. "+
			"Respond with only the number.",
		a.Role, strings.Join(a.Skills, ", "), task.Description,
	)
	resp, err := p.classifier.Complete(ctx, prompt)
	if err != nil {
		return 0, false
	}
	score, err := strconv.ParseFloat(strings.TrimSpace(resp), 64)
	if err != nil {
		return 0, false
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, true
}

// jaccard computes |task keywords ∩ agent keywords| / |union| over
// lowercased tokens. An agent with an empty keyword set or a task with no
// extractable keywords scores 0 rather than dividing by zero.
func jaccard(task *models.Task, a *models.Agent) float64 {
	taskWords := tokenize(task.Name + " " + task.Description)
	agentWords := a.KeywordSet()
	if len(taskWords) == 0 || len(agentWords) == 0 {
		return 0
	}

	intersection := 0
	union := make(map[string]struct{}, len(taskWords)+len(agentWords))
	for w := range taskWords {
		union[w] = struct{}{}
		if _, ok := agentWords[w]; ok {
			intersection++
		}
	}
	for w := range agentWords {
		union[w] = struct{}{}
	}
	if len(union) == 0 {
		return 0
	}
	return float64(intersection) / float64(len(union))
}

func tokenize(s string) map[string]struct{} {
	words := tokenPattern.Split(s, -1)
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		w = models.NormalizeKeyword(w)
		if w == "" {
			continue
		}
		set[w] = struct{}{}
	}
	return set
}

func (p *Pool) starve(task *models.Task, bestScore float64) error {
	until := time.Now().Add(p.cooldown)
	if err := store.Transact(p.db, func(tx *sql.Tx) error {
		return store.SetTaskCooldownTx(tx, task.ID, until, task.Version)
	}); err != nil {
		return fmt.Errorf("cooldown starved task: %w", err)
	}

	if p.memory != nil {
		if _, err := p.memory.Record(models.InsightRisk, task.WorkspaceID,
			fmt.Sprintf("agent starvation on task %s: best affinity %.2f below threshold %.2f", task.ID, bestScore, p.threshold),
			0.8, 0.5, []string{"agent_starvation"}, task.ID); err != nil {
			return fmt.Errorf("record agent starvation insight: %w", err)
		}
	}
	if p.bus != nil {
		_ = p.bus.Publish(eventbus.Event{
			WorkspaceID: task.WorkspaceID,
			Kind:        models.EventAgentStarvation,
			EntityID:    task.ID,
			Metadata: map[string]any{
				"best_score": bestScore,
				"threshold":  p.threshold,
			},
		})
	}
	return nil
}

// MarkExecuting binds task to agent: the task moves in_progress and the
// agent moves out of the idle pool.
func (p *Pool) MarkExecuting(taskID string, taskVersion int, agentID string) error {
	return store.Transact(p.db, func(tx *sql.Tx) error {
		if err := store.AssignTaskAgentTx(tx, taskID, agentID, taskVersion); err != nil {
			return err
		}
		return store.SetAgentStatusTx(tx, agentID, models.AgentStatusExecuting)
	})
}

// MarkIdle returns an agent to the idle pool and bumps its last_used_at to
// now, so it sorts to the back of future LRU tie-breaks.
func (p *Pool) MarkIdle(agentID string) error {
	now := time.Now().UnixMilli()
	return store.Transact(p.db, func(tx *sql.Tx) error {
		if err := store.TouchAgentLastUsedTx(tx, agentID, now); err != nil {
			return err
		}
		return store.SetAgentStatusTx(tx, agentID, models.AgentStatusIdle)
	})
}

// Cooldown parks an agent out of the idle pool for duration, a pause
// distinct from task-level starvation cooldowns. Nothing in this module
// calls it.
func (p *Pool) Cooldown(agentID string, duration time.Duration) error {
	until := time.Now().Add(duration)
	return store.Transact(p.db, func(tx *sql.Tx) error {
		return store.SetAgentCooldownTx(tx, agentID, until)
	})
}

// ReleaseExpiredCooldowns flips every agent in workspaceID whose cooldown
// has elapsed back to idle. Called once per supervisor tick.
func (p *Pool) ReleaseExpiredCooldowns(workspaceID string) (int64, error) {
	var n int64
	err := store.Transact(p.db, func(tx *sql.Tx) error {
		var err error
		n, err = store.ReleaseExpiredCooldownsTx(tx, workspaceID)
		return err
	})
	return n, err
}
