// Package sweep performs the irreversible hard-delete pass: incidents
// past their soft-deletion retention window have their evidence purged
// from object storage and their chunk rows dropped.
package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/aegisapp/aegis/internal/metrics"
)

var tracer = otel.Tracer("aegis-sweep")

// Ledger is the persistence the sweeper needs.
type Ledger interface {
	SoftDeletedBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	ClaimHardDelete(ctx context.Context, incidentID string) (bool, error)
	DeleteChunks(ctx context.Context, incidentID string) error
}

// ObjectStore purges every object under a key prefix.
type ObjectStore interface {
	RemovePrefix(ctx context.Context, prefix string) error
}

// Sweeper owns no timer and no global state: Run is invoked with an
// explicit "now" and retention window so scheduling stays outside.
type Sweeper struct {
	ledger Ledger
	store  ObjectStore
}

// New creates a sweeper.
func New(ledger Ledger, store ObjectStore) *Sweeper {
	return &Sweeper{ledger: ledger, store: store}
}

// Run executes one sweep pass and returns the ids it purged. Each
// candidate is claimed with a conditional SOFT_DELETED -> HARD_DELETED
// flip before any destructive work, so overlapping runs never purge the
// same incident twice. Per-incident purge failures are logged and
// skipped; the claimed row stays HARD_DELETED and stray objects remain
// scoped under the incident prefix.
func (s *Sweeper) Run(ctx context.Context, now time.Time, retention time.Duration) ([]string, error) {
	ctx, span := tracer.Start(ctx, "sweep.run")
	defer span.End()

	cutoff := now.Add(-retention)
	candidates, err := s.ledger.SoftDeletedBefore(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list sweep candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	var purged []string
	for _, id := range candidates {
		claimed, err := s.ledger.ClaimHardDelete(ctx, id)
		if err != nil {
			log.Error().Err(err).Str("incident_id", id).Msg("hard-delete claim failed")
			continue
		}
		if !claimed {
			// A concurrent sweep already owns this incident.
			continue
		}

		prefix := fmt.Sprintf("incidents/%s/", id)
		if err := s.store.RemovePrefix(ctx, prefix); err != nil {
			log.Error().Err(err).Str("incident_id", id).Msg("storage purge failed")
			continue
		}
		if err := s.ledger.DeleteChunks(ctx, id); err != nil {
			log.Error().Err(err).Str("incident_id", id).Msg("chunk row purge failed")
			continue
		}

		metrics.IncidentsPurged.Inc()
		log.Info().Str("incident_id", id).Msg("incident hard-deleted")
		purged = append(purged, id)
	}

	span.SetAttributes(
		attribute.Int("candidates", len(candidates)),
		attribute.Int("purged", len(purged)),
	)
	return purged, nil
}

// RunPeriodically invokes the sweep on every tick until the context is
// cancelled. Intended to run on its own goroutine inside the server.
func (s *Sweeper) RunPeriodically(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Run(ctx, time.Now().UTC(), retention); err != nil {
				log.Error().Err(err).Msg("retention sweep failed")
			}
		}
	}
}
