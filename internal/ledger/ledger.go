// Package ledger is the persistent record of incidents, chunks,
// location pings, deletion requests, and votes, backed by a
// MySQL-compatible database.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aegisapp/aegis/internal/models"
)

var tracer = otel.Tracer("aegis-ledger")

// mysqlDupEntry is the server error for a unique-key violation.
const mysqlDupEntry = 1062

// Store wraps ledger operations with tracing
type Store struct {
	db *sql.DB
}

// New opens the ledger database and verifies the connection.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateIncident inserts a new incident row.
func (s *Store) CreateIncident(ctx context.Context, incident *models.Incident) error {
	ctx, span := tracer.Start(ctx, "ledger.create_incident",
		trace.WithAttributes(
			attribute.String("incident_id", incident.ID),
			attribute.String("status", string(incident.Status)),
		),
	)
	defer span.End()

	query := `INSERT INTO incidents (id, owner_id, status, latitude, longitude, address, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		incident.ID, incident.OwnerID, incident.Status,
		incident.Latitude, incident.Longitude, incident.Address, incident.CreatedAt)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert incident: %w", err)
	}
	return nil
}

// IncidentByID retrieves one incident; models.ErrNotFound when absent.
func (s *Store) IncidentByID(ctx context.Context, id string) (*models.Incident, error) {
	ctx, span := tracer.Start(ctx, "ledger.get_incident",
		trace.WithAttributes(attribute.String("incident_id", id)),
	)
	defer span.End()

	query := `SELECT id, owner_id, status, latitude, longitude, address, created_at, ended_at
			  FROM incidents WHERE id = ?`

	return scanIncident(s.db.QueryRowContext(ctx, query, id), id, span)
}

// IncidentStatus retrieves only the status column.
func (s *Store) IncidentStatus(ctx context.Context, id string) (models.IncidentStatus, error) {
	ctx, span := tracer.Start(ctx, "ledger.get_incident_status",
		trace.WithAttributes(attribute.String("incident_id", id)),
	)
	defer span.End()

	var status models.IncidentStatus
	err := s.db.QueryRowContext(ctx, `SELECT status FROM incidents WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: incident %s", models.ErrNotFound, id)
	} else if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to query incident status: %w", err)
	}
	return status, nil
}

// SetIncidentStatus moves an incident from one status to another as a
// single conditional update. It returns false when the row was not in
// the expected source status (a concurrent transition won). Illegal
// transitions fail with models.ErrConflict before touching the row.
func (s *Store) SetIncidentStatus(ctx context.Context, id string, from, to models.IncidentStatus, markEnded bool) (bool, error) {
	ctx, span := tracer.Start(ctx, "ledger.set_incident_status",
		trace.WithAttributes(
			attribute.String("incident_id", id),
			attribute.String("from", string(from)),
			attribute.String("to", string(to)),
		),
	)
	defer span.End()

	if !models.CanTransition(from, to) {
		return false, fmt.Errorf("%w: illegal transition %s -> %s", models.ErrConflict, from, to)
	}

	query := `UPDATE incidents SET status = ? WHERE id = ? AND status = ?`
	args := []any{to, id, from}
	if markEnded {
		query = `UPDATE incidents SET status = ?, ended_at = ? WHERE id = ? AND status = ?`
		args = []any{to, time.Now().UTC(), id, from}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to update incident status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	span.SetAttributes(attribute.Bool("transitioned", n > 0))
	return n > 0, nil
}

// ListIncidentsByOwner returns the owner's incidents, newest first,
// with logically deleted ones hidden.
func (s *Store) ListIncidentsByOwner(ctx context.Context, ownerID string) ([]*models.Incident, error) {
	ctx, span := tracer.Start(ctx, "ledger.list_incidents")
	defer span.End()

	query := `SELECT id, owner_id, status, latitude, longitude, address, created_at, ended_at
			  FROM incidents
			  WHERE owner_id = ? AND status NOT IN (?, ?)
			  ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, ownerID,
		models.IncidentSoftDeleted, models.IncidentHardDeleted)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer rows.Close()

	var incidents []*models.Incident
	for rows.Next() {
		incident, err := scanIncidentRows(rows)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		incidents = append(incidents, incident)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating incidents: %w", err)
	}
	span.SetAttributes(attribute.Int("count", len(incidents)))
	return incidents, nil
}

// InsertLocation appends one GPS sample for an incident.
func (s *Store) InsertLocation(ctx context.Context, ping *models.LocationPing) error {
	ctx, span := tracer.Start(ctx, "ledger.insert_location",
		trace.WithAttributes(attribute.String("incident_id", ping.IncidentID)),
	)
	defer span.End()

	query := `INSERT INTO incident_locations (incident_id, latitude, longitude, speed, recorded_at)
			  VALUES (?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		ping.IncidentID, ping.Latitude, ping.Longitude, ping.Speed, ping.RecordedAt)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert location: %w", err)
	}
	return nil
}

// LocationsSince returns an incident's pings in recorded order. A
// non-nil since returns only samples after that instant, so a tracking
// client can fetch incrementally.
func (s *Store) LocationsSince(ctx context.Context, incidentID string, since *time.Time) ([]*models.LocationPing, error) {
	ctx, span := tracer.Start(ctx, "ledger.locations_since",
		trace.WithAttributes(attribute.String("incident_id", incidentID)),
	)
	defer span.End()

	query := `SELECT incident_id, latitude, longitude, speed, recorded_at
			  FROM incident_locations WHERE incident_id = ?`
	args := []any{incidentID}
	if since != nil {
		query += ` AND recorded_at > ?`
		args = append(args, *since)
	}
	query += ` ORDER BY recorded_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query locations: %w", err)
	}
	defer rows.Close()

	var pings []*models.LocationPing
	for rows.Next() {
		var p models.LocationPing
		if err := rows.Scan(&p.IncidentID, &p.Latitude, &p.Longitude, &p.Speed, &p.RecordedAt); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan location: %w", err)
		}
		pings = append(pings, &p)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating locations: %w", err)
	}
	return pings, nil
}

// ChunkBySequence returns the chunk at (incident, sequence) or nil when
// none is recorded. nil-without-error is the duplicate-detection probe
// used by the ingestion pipeline.
func (s *Store) ChunkBySequence(ctx context.Context, incidentID string, sequenceNo int) (*models.Chunk, error) {
	ctx, span := tracer.Start(ctx, "ledger.get_chunk",
		trace.WithAttributes(
			attribute.String("incident_id", incidentID),
			attribute.Int("sequence_no", sequenceNo),
		),
	)
	defer span.End()

	query := `SELECT id, incident_id, sequence_no, storage_path, hash, duration, created_at
			  FROM chunks WHERE incident_id = ? AND sequence_no = ?`

	var c models.Chunk
	err := s.db.QueryRowContext(ctx, query, incidentID, sequenceNo).Scan(
		&c.ID, &c.IncidentID, &c.SequenceNo, &c.StoragePath, &c.Hash, &c.Duration, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query chunk: %w", err)
	}
	return &c, nil
}

// InsertChunk records a persisted chunk. A duplicate (incident,
// sequence) pair returns inserted=false with no error: the loser of a
// concurrent retry race observes a harmless "already exists".
func (s *Store) InsertChunk(ctx context.Context, chunk *models.Chunk) (bool, error) {
	ctx, span := tracer.Start(ctx, "ledger.insert_chunk",
		trace.WithAttributes(
			attribute.String("incident_id", chunk.IncidentID),
			attribute.Int("sequence_no", chunk.SequenceNo),
		),
	)
	defer span.End()

	query := `INSERT INTO chunks (id, incident_id, sequence_no, storage_path, hash, duration, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		chunk.ID, chunk.IncidentID, chunk.SequenceNo,
		chunk.StoragePath, chunk.Hash, chunk.Duration, chunk.CreatedAt)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDupEntry {
			span.SetAttributes(attribute.Bool("duplicate", true))
			return false, nil
		}
		span.RecordError(err)
		return false, fmt.Errorf("failed to insert chunk: %w", err)
	}
	return true, nil
}

// ChunksByIncident returns all chunks of an incident in ascending
// sequence order.
func (s *Store) ChunksByIncident(ctx context.Context, incidentID string) ([]*models.Chunk, error) {
	ctx, span := tracer.Start(ctx, "ledger.get_chunks",
		trace.WithAttributes(attribute.String("incident_id", incidentID)),
	)
	defer span.End()

	query := `SELECT id, incident_id, sequence_no, storage_path, hash, duration, created_at
			  FROM chunks
			  WHERE incident_id = ?
			  ORDER BY sequence_no ASC`

	rows, err := s.db.QueryContext(ctx, query, incidentID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*models.Chunk
	for rows.Next() {
		var c models.Chunk
		if err := rows.Scan(&c.ID, &c.IncidentID, &c.SequenceNo, &c.StoragePath, &c.Hash, &c.Duration, &c.CreatedAt); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, &c)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating chunks: %w", err)
	}
	span.SetAttributes(attribute.Int("chunk_count", len(chunks)))
	return chunks, nil
}

// TrustedContacts returns the owner's trust network: the electorate for
// their deletion requests and the recipients of their alerts.
func (s *Store) TrustedContacts(ctx context.Context, ownerID string) ([]models.TrustedContact, error) {
	ctx, span := tracer.Start(ctx, "ledger.trusted_contacts")
	defer span.End()

	query := `SELECT owner_id, contact_id, email FROM trusted_contacts WHERE owner_id = ?`

	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query trusted contacts: %w", err)
	}
	defer rows.Close()

	var contacts []models.TrustedContact
	for rows.Next() {
		var c models.TrustedContact
		if err := rows.Scan(&c.OwnerID, &c.ContactID, &c.Email); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan contact: %w", err)
		}
		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating contacts: %w", err)
	}
	return contacts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner, id string, span trace.Span) (*models.Incident, error) {
	incident, err := scanIncidentRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: incident %s", models.ErrNotFound, id)
	} else if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return incident, nil
}

func scanIncidentRows(row rowScanner) (*models.Incident, error) {
	var (
		incident models.Incident
		endedAt  sql.NullTime
	)
	err := row.Scan(&incident.ID, &incident.OwnerID, &incident.Status,
		&incident.Latitude, &incident.Longitude, &incident.Address,
		&incident.CreatedAt, &endedAt)
	if err != nil {
		return nil, err
	}
	if endedAt.Valid {
		incident.EndedAt = &endedAt.Time
	}
	return &incident, nil
}
