package store

import (
	"github.com/dotcommander/orchestron/internal/models"
)

// RecoverableError is an alias for models.RecoverableError, retained so
// callers that only import store (not models) can still type-switch on it.
type RecoverableError = models.RecoverableError

// VersionConflictError is an alias for models.VersionConflictError: all
// optimistic-concurrency CAS failures in this package use the shared domain
// type so callers get one error shape regardless of which store file raised it.
type VersionConflictError = models.VersionConflictError

// ClaimNotOwnedError is returned when a claim-bound operation (completing a
// task, releasing a recovery job lease) targets a row currently leased by a
// different claimant.
type ClaimNotOwnedError struct {
	Entity      string
	ID          string
	ClaimedBy   string
	RequestedBy string
}

func (e *ClaimNotOwnedError) Error() string { return e.Entity + " claim is not owned by requester" }
func (e *ClaimNotOwnedError) ErrorCode() string { return "CLAIM_NOT_OWNED" }
func (e *ClaimNotOwnedError) Context() map[string]string {
	return map[string]string{
		"entity":       e.Entity,
		"id":           e.ID,
		"claimed_by":   e.ClaimedBy,
		"requested_by": e.RequestedBy,
	}
}
func (e *ClaimNotOwnedError) SuggestedAction() string {
	return "re-read the row and retry with its current lease holder, or let the lease expire"
}

// IdempotencyInProgressError is returned when a (agent_name, request_id) pair
// was claimed but never completed — normally unreachable since callers keep
// begin+work+complete in one transaction, but handled defensively so a
// concurrent caller backs off instead of reading a blank result.
type IdempotencyInProgressError struct {
	AgentName string
	RequestID string
	Command   string
}

func (e *IdempotencyInProgressError) Error() string { return "idempotency in progress" }
func (e *IdempotencyInProgressError) ErrorCode() string { return "IDEMPOTENCY_IN_PROGRESS" }
func (e *IdempotencyInProgressError) Context() map[string]string {
	return map[string]string{
		"agent_name": e.AgentName,
		"request_id": e.RequestID,
		"command":    e.Command,
	}
}
func (e *IdempotencyInProgressError) SuggestedAction() string {
	return "wait and retry, or use a new request id"
}
