package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aegisapp/aegis/internal/consensus"
	"github.com/aegisapp/aegis/internal/models"
)

// OpenDeletionRequest flips the incident to PENDING_DELETION and creates
// the request in one transaction. models.ErrConflict when the incident
// is not in a state that permits a deletion request (including when one
// is already in progress); models.ErrNotFound when the incident is absent.
func (s *Store) OpenDeletionRequest(ctx context.Context, req *models.DeletionRequest) error {
	ctx, span := tracer.Start(ctx, "ledger.open_deletion_request",
		trace.WithAttributes(
			attribute.String("request_id", req.ID),
			attribute.String("incident_id", req.IncidentID),
		),
	)
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	var status models.IncidentStatus
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM incidents WHERE id = ? FOR UPDATE`, req.IncidentID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: incident %s", models.ErrNotFound, req.IncidentID)
	} else if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to lock incident: %w", err)
	}

	if !models.CanTransition(status, models.IncidentPendingDeletion) {
		return fmt.Errorf("%w: deletion request illegal from %s", models.ErrConflict, status)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE incidents SET status = ? WHERE id = ?`,
		models.IncidentPendingDeletion, req.IncidentID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to update incident status: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO deletion_requests (id, incident_id, reason, status, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		req.ID, req.IncidentID, req.Reason, req.Status, req.CreatedAt); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert deletion request: %w", err)
	}

	return tx.Commit()
}

// InVoteTx runs fn inside one transaction, giving the consensus engine
// row-level serialization for the upsert-then-recompute sequence.
func (s *Store) InVoteTx(ctx context.Context, fn func(consensus.Txn) error) error {
	ctx, span := tracer.Start(ctx, "ledger.vote_tx")
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&voteTxn{tx: tx}); err != nil {
		span.RecordError(err)
		return err
	}
	return tx.Commit()
}

// voteTxn implements consensus.Txn on one open transaction.
type voteTxn struct {
	tx *sql.Tx
}

func (v *voteTxn) RequestForUpdate(ctx context.Context, requestID string) (*models.DeletionRequest, error) {
	query := `SELECT id, incident_id, reason, status, created_at
			  FROM deletion_requests WHERE id = ? FOR UPDATE`

	var req models.DeletionRequest
	err := v.tx.QueryRowContext(ctx, query, requestID).Scan(
		&req.ID, &req.IncidentID, &req.Reason, &req.Status, &req.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: deletion request %s", models.ErrNotFound, requestID)
	} else if err != nil {
		return nil, fmt.Errorf("failed to lock deletion request: %w", err)
	}
	return &req, nil
}

func (v *voteTxn) IncidentByID(ctx context.Context, incidentID string) (*models.Incident, error) {
	query := `SELECT id, owner_id, status, latitude, longitude, address, created_at, ended_at
			  FROM incidents WHERE id = ?`

	incident, err := scanIncidentRows(v.tx.QueryRowContext(ctx, query, incidentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: incident %s", models.ErrNotFound, incidentID)
	} else if err != nil {
		return nil, fmt.Errorf("failed to query incident: %w", err)
	}
	return incident, nil
}

func (v *voteTxn) IsTrustedContact(ctx context.Context, ownerID, contactID string) (bool, error) {
	var count int
	err := v.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trusted_contacts WHERE owner_id = ? AND contact_id = ?`,
		ownerID, contactID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check trust membership: %w", err)
	}
	return count > 0, nil
}

func (v *voteTxn) UpsertVote(ctx context.Context, requestID, voterID string, choice models.VoteChoice) error {
	// Last vote wins: a revote replaces the voter's earlier choice.
	query := `INSERT INTO deletion_votes (request_id, voter_id, vote_choice)
			  VALUES (?, ?, ?)
			  ON DUPLICATE KEY UPDATE vote_choice = VALUES(vote_choice)`

	if _, err := v.tx.ExecContext(ctx, query, requestID, voterID, choice); err != nil {
		return fmt.Errorf("failed to upsert vote: %w", err)
	}
	return nil
}

func (v *voteTxn) CountDeleteVotes(ctx context.Context, requestID string) (int, error) {
	var count int
	err := v.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deletion_votes WHERE request_id = ? AND vote_choice = ?`,
		requestID, models.VoteDelete).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count delete votes: %w", err)
	}
	return count, nil
}

func (v *voteTxn) CountTrustedContacts(ctx context.Context, ownerID string) (int, error) {
	var count int
	err := v.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trusted_contacts WHERE owner_id = ?`, ownerID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count trusted contacts: %w", err)
	}
	return count, nil
}

func (v *voteTxn) SetRequestStatus(ctx context.Context, requestID string, status models.RequestStatus) error {
	if _, err := v.tx.ExecContext(ctx,
		`UPDATE deletion_requests SET status = ? WHERE id = ?`, status, requestID); err != nil {
		return fmt.Errorf("failed to update request status: %w", err)
	}
	return nil
}

func (v *voteTxn) SetIncidentStatus(ctx context.Context, incidentID string, status models.IncidentStatus, markEnded bool) error {
	var current models.IncidentStatus
	err := v.tx.QueryRowContext(ctx,
		`SELECT status FROM incidents WHERE id = ?`, incidentID).Scan(&current)
	if err != nil {
		return fmt.Errorf("failed to query incident status: %w", err)
	}
	if !models.CanTransition(current, status) {
		return fmt.Errorf("%w: illegal transition %s -> %s", models.ErrConflict, current, status)
	}

	query := `UPDATE incidents SET status = ? WHERE id = ?`
	args := []any{status, incidentID}
	if markEnded {
		query = `UPDATE incidents SET status = ?, ended_at = ? WHERE id = ?`
		args = []any{status, time.Now().UTC(), incidentID}
	}
	if _, err := v.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update incident status: %w", err)
	}
	return nil
}

// PendingRequestsFor lists unresolved requests the voter is entitled to
// vote on and has not voted on yet.
func (s *Store) PendingRequestsFor(ctx context.Context, voterID string) ([]*models.PendingRequest, error) {
	ctx, span := tracer.Start(ctx, "ledger.pending_requests")
	defer span.End()

	query := `SELECT dr.id, dr.incident_id, i.owner_id, dr.reason, dr.created_at
			  FROM deletion_requests dr
			  JOIN incidents i ON i.id = dr.incident_id
			  JOIN trusted_contacts tc ON tc.owner_id = i.owner_id AND tc.contact_id = ?
			  WHERE dr.status = ?
			  AND NOT EXISTS (
				  SELECT 1 FROM deletion_votes v
				  WHERE v.request_id = dr.id AND v.voter_id = ?
			  )
			  ORDER BY dr.created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, voterID, models.RequestVotingInProgress, voterID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query pending requests: %w", err)
	}
	defer rows.Close()

	var pending []*models.PendingRequest
	for rows.Next() {
		var p models.PendingRequest
		if err := rows.Scan(&p.RequestID, &p.IncidentID, &p.OwnerID, &p.Reason, &p.CreatedAt); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan pending request: %w", err)
		}
		pending = append(pending, &p)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating pending requests: %w", err)
	}
	span.SetAttributes(attribute.Int("count", len(pending)))
	return pending, nil
}

// SoftDeletedBefore lists incidents whose retention window has expired
// and which are eligible for the hard-delete sweep.
func (s *Store) SoftDeletedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	ctx, span := tracer.Start(ctx, "ledger.soft_deleted_before")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM incidents WHERE status = ? AND ended_at < ?`,
		models.IncidentSoftDeleted, cutoff)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query sweep candidates: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating candidates: %w", err)
	}
	span.SetAttributes(attribute.Int("count", len(ids)))
	return ids, nil
}

// ClaimHardDelete atomically claims an incident for physical purge by
// flipping SOFT_DELETED to HARD_DELETED. false means another sweep got
// there first; the caller must skip the destructive work.
func (s *Store) ClaimHardDelete(ctx context.Context, incidentID string) (bool, error) {
	return s.SetIncidentStatus(ctx, incidentID,
		models.IncidentSoftDeleted, models.IncidentHardDeleted, false)
}

// DeleteChunks drops the chunk rows of a hard-deleted incident. The
// incident row itself is never deleted.
func (s *Store) DeleteChunks(ctx context.Context, incidentID string) error {
	ctx, span := tracer.Start(ctx, "ledger.delete_chunks",
		trace.WithAttributes(attribute.String("incident_id", incidentID)),
	)
	defer span.End()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM chunks WHERE incident_id = ?`, incidentID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}
