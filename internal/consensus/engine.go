// Package consensus implements the deletion consensus engine: the quorum
// state machine that decides whether an incident's evidence may be
// destroyed. The engine owns the policy; the ledger supplies the
// transactional row operations through the Txn port.
package consensus

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aegisapp/aegis/internal/metrics"
	"github.com/aegisapp/aegis/internal/models"
)

var tracer = otel.Tracer("aegis-consensus")

// deleteQuorum is the fraction of the owner's trust network that must
// vote DELETE before the evidence may be destroyed. The comparison is
// strict: exactly 60% does not approve.
const deleteQuorum = 0.60

// Txn is the set of row operations the engine needs inside one ledger
// transaction. The request row is locked for the duration, serializing
// concurrent votes on the same request.
type Txn interface {
	RequestForUpdate(ctx context.Context, requestID string) (*models.DeletionRequest, error)
	IncidentByID(ctx context.Context, incidentID string) (*models.Incident, error)
	IsTrustedContact(ctx context.Context, ownerID, contactID string) (bool, error)
	UpsertVote(ctx context.Context, requestID, voterID string, choice models.VoteChoice) error
	CountDeleteVotes(ctx context.Context, requestID string) (int, error)
	CountTrustedContacts(ctx context.Context, ownerID string) (int, error)
	SetRequestStatus(ctx context.Context, requestID string, status models.RequestStatus) error
	SetIncidentStatus(ctx context.Context, incidentID string, status models.IncidentStatus, markEnded bool) error
}

// Ledger is the persistence port the engine runs against.
type Ledger interface {
	// InVoteTx runs fn inside a single transaction; fn's error rolls
	// the transaction back.
	InVoteTx(ctx context.Context, fn func(Txn) error) error
	PendingRequestsFor(ctx context.Context, voterID string) ([]*models.PendingRequest, error)
}

// StatusCache invalidates a cached incident status after a transition.
type StatusCache interface {
	Invalidate(ctx context.Context, incidentID string) error
}

// Engine arbitrates deletion requests against the owner's trust network.
type Engine struct {
	ledger Ledger
	cache  StatusCache
}

// NewEngine creates a consensus engine. cache may be nil.
func NewEngine(ledger Ledger, cache StatusCache) *Engine {
	return &Engine{ledger: ledger, cache: cache}
}

// CastVote records one voter's choice and resolves the request when a
// terminal condition is met. A single KEEP rejects the request
// immediately; DELETE approves only once delete votes strictly exceed
// 60% of the total electorate. The upsert-then-recompute sequence runs
// in one transaction so concurrent votes cannot both observe a
// sub-quorum count.
func (e *Engine) CastVote(ctx context.Context, requestID, voterID string, choice models.VoteChoice) (models.VoteOutcome, error) {
	ctx, span := tracer.Start(ctx, "consensus.cast_vote",
		trace.WithAttributes(
			attribute.String("request_id", requestID),
			attribute.String("choice", string(choice)),
		),
	)
	defer span.End()

	if !choice.Valid() {
		return "", fmt.Errorf("%w: choice must be KEEP or DELETE", models.ErrValidation)
	}

	var (
		outcome    models.VoteOutcome
		incidentID string
	)
	err := e.ledger.InVoteTx(ctx, func(tx Txn) error {
		req, err := tx.RequestForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		if req.Status.Resolved() {
			return fmt.Errorf("%w: request %s already %s", models.ErrConflict, requestID, req.Status)
		}

		incident, err := tx.IncidentByID(ctx, req.IncidentID)
		if err != nil {
			return err
		}
		incidentID = incident.ID

		// Only the owner's current trust network may vote. Votes already
		// cast by since-removed contacts stay on the books.
		trusted, err := tx.IsTrustedContact(ctx, incident.OwnerID, voterID)
		if err != nil {
			return err
		}
		if !trusted {
			return fmt.Errorf("%w: voter %s is not in the owner's trust network", models.ErrForbidden, voterID)
		}

		if err := tx.UpsertVote(ctx, requestID, voterID, choice); err != nil {
			return err
		}

		if choice == models.VoteKeep {
			// One credible "they may be coerced" signal halts
			// deletion instantly, regardless of other votes.
			if err := tx.SetRequestStatus(ctx, requestID, models.RequestRejected); err != nil {
				return err
			}
			if err := tx.SetIncidentStatus(ctx, incident.ID, revertStatus(incident), false); err != nil {
				return err
			}
			outcome = models.OutcomeBlockedSafe
			return nil
		}

		electorate, err := tx.CountTrustedContacts(ctx, incident.OwnerID)
		if err != nil {
			return err
		}
		deleteVotes, err := tx.CountDeleteVotes(ctx, requestID)
		if err != nil {
			return err
		}

		if quorumReached(deleteVotes, electorate) {
			if err := tx.SetRequestStatus(ctx, requestID, models.RequestApproved); err != nil {
				return err
			}
			if err := tx.SetIncidentStatus(ctx, incident.ID, models.IncidentSoftDeleted, true); err != nil {
				return err
			}
			outcome = models.OutcomeSoftDeleted
			return nil
		}

		outcome = models.OutcomeVoteCast
		return nil
	})
	if err != nil {
		return "", err
	}

	metrics.VotesCast.WithLabelValues(string(choice)).Inc()
	span.SetAttributes(attribute.String("outcome", string(outcome)))

	if outcome != models.OutcomeVoteCast && e.cache != nil {
		if cerr := e.cache.Invalidate(ctx, incidentID); cerr != nil {
			log.Warn().Err(cerr).Str("incident_id", incidentID).Msg("status cache invalidation failed")
		}
	}
	if outcome != models.OutcomeVoteCast {
		log.Info().
			Str("request_id", requestID).
			Str("incident_id", incidentID).
			Str("outcome", string(outcome)).
			Msg("deletion request resolved")
	}

	return outcome, nil
}

// PendingFor lists requests still in voting whose incident owner trusts
// the voter and on which the voter has not yet voted.
func (e *Engine) PendingFor(ctx context.Context, voterID string) ([]*models.PendingRequest, error) {
	ctx, span := tracer.Start(ctx, "consensus.pending_for")
	defer span.End()
	return e.ledger.PendingRequestsFor(ctx, voterID)
}

// quorumReached applies the strict >60% rule over the total electorate,
// not merely the votes cast so far. An empty trust network can never
// reach quorum, leaving deletion permanently blocked.
func quorumReached(deleteVotes, electorate int) bool {
	if electorate <= 0 {
		return false
	}
	return float64(deleteVotes)/float64(electorate) > deleteQuorum
}

// revertStatus is the status an incident returns to when a deletion
// request is rejected: ENDED if recording had already stopped, ACTIVE
// otherwise. Reopening ingestion on a stopped session would be wrong.
func revertStatus(incident *models.Incident) models.IncidentStatus {
	if incident.EndedAt != nil {
		return models.IncidentEnded
	}
	return models.IncidentActive
}
