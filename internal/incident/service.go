// Package incident implements the incident lifecycle state machine:
// creation, termination, deletion arbitration entry, and location
// tracking.
package incident

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aegisapp/aegis/internal/metrics"
	"github.com/aegisapp/aegis/internal/models"
	"github.com/aegisapp/aegis/internal/notify"
)

var tracer = otel.Tracer("aegis-incident")

// Ledger is the persistence the state machine needs.
type Ledger interface {
	CreateIncident(ctx context.Context, incident *models.Incident) error
	IncidentByID(ctx context.Context, id string) (*models.Incident, error)
	SetIncidentStatus(ctx context.Context, id string, from, to models.IncidentStatus, markEnded bool) (bool, error)
	OpenDeletionRequest(ctx context.Context, req *models.DeletionRequest) error
	InsertLocation(ctx context.Context, ping *models.LocationPing) error
	LocationsSince(ctx context.Context, incidentID string, since *time.Time) ([]*models.LocationPing, error)
	ListIncidentsByOwner(ctx context.Context, ownerID string) ([]*models.Incident, error)
	TrustedContacts(ctx context.Context, ownerID string) ([]models.TrustedContact, error)
}

// StatusCache invalidates a cached incident status after a transition.
type StatusCache interface {
	Invalidate(ctx context.Context, incidentID string) error
}

// Service drives incident state transitions. Each mutation is a
// single-row conditional update in the ledger; no compensating actions
// are needed.
type Service struct {
	ledger     Ledger
	cache      StatusCache // may be nil
	dispatcher *notify.Dispatcher
}

// NewService creates the incident service. cache may be nil; dispatcher
// must not be.
func NewService(ledger Ledger, cache StatusCache, dispatcher *notify.Dispatcher) *Service {
	return &Service{ledger: ledger, cache: cache, dispatcher: dispatcher}
}

// Location is an optional initial position for a new incident.
type Location struct {
	Latitude  *float64
	Longitude *float64
	Address   string
}

// Start creates a new ACTIVE incident and alerts the owner's trust
// network. The alert is dispatched after the insert commits and its
// failure never affects the result.
func (s *Service) Start(ctx context.Context, ownerID string, loc Location) (*models.Incident, error) {
	ctx, span := tracer.Start(ctx, "incident.start")
	defer span.End()

	incident := &models.Incident{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Status:    models.IncidentActive,
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
		Address:   loc.Address,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.ledger.CreateIncident(ctx, incident); err != nil {
		span.RecordError(err)
		return nil, err
	}

	metrics.IncidentsStarted.Inc()
	span.SetAttributes(attribute.String("incident_id", incident.ID))
	log.Info().Str("incident_id", incident.ID).Msg("incident started")

	s.notifyContacts(ctx, ownerID, "incident_started", func(ctx context.Context, n notify.Notifier, contacts []models.TrustedContact) error {
		return n.IncidentStarted(ctx, incident, contacts)
	})

	return incident, nil
}

// Stop transitions ACTIVE -> ENDED. Stopping an already-ended incident
// is a no-op; there is deliberately no ownership check, since a rescuer
// or the system itself may need to end a session.
func (s *Service) Stop(ctx context.Context, incidentID string) (models.IncidentStatus, error) {
	ctx, span := tracer.Start(ctx, "incident.stop",
		trace.WithAttributes(attribute.String("incident_id", incidentID)),
	)
	defer span.End()

	incident, err := s.ledger.IncidentByID(ctx, incidentID)
	if err != nil {
		return "", err
	}

	switch incident.Status {
	case models.IncidentEnded:
		return models.IncidentEnded, nil
	case models.IncidentActive:
		moved, err := s.ledger.SetIncidentStatus(ctx, incidentID,
			models.IncidentActive, models.IncidentEnded, true)
		if err != nil {
			span.RecordError(err)
			return "", err
		}
		if !moved {
			// Lost a race with a concurrent stop; both calls succeed.
			current, err := s.ledger.IncidentByID(ctx, incidentID)
			if err != nil {
				return "", err
			}
			if current.Status != models.IncidentEnded {
				return "", fmt.Errorf("%w: incident %s is %s", models.ErrConflict, incidentID, current.Status)
			}
		}
		s.invalidate(ctx, incidentID)
		log.Info().Str("incident_id", incidentID).Msg("incident ended")
		return models.IncidentEnded, nil
	default:
		return "", fmt.Errorf("%w: cannot stop incident in %s", models.ErrConflict, incident.Status)
	}
}

// RequestDeletion opens deletion arbitration: legal only from ACTIVE or
// ENDED, flips the incident to PENDING_DELETION, creates the request,
// and alerts the trust network to vote.
func (s *Service) RequestDeletion(ctx context.Context, incidentID, reason string) (*models.DeletionRequest, error) {
	ctx, span := tracer.Start(ctx, "incident.request_deletion",
		trace.WithAttributes(attribute.String("incident_id", incidentID)),
	)
	defer span.End()

	incident, err := s.ledger.IncidentByID(ctx, incidentID)
	if err != nil {
		return nil, err
	}

	req := &models.DeletionRequest{
		ID:         uuid.New().String(),
		IncidentID: incidentID,
		Reason:     reason,
		Status:     models.RequestVotingInProgress,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.ledger.OpenDeletionRequest(ctx, req); err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.invalidate(ctx, incidentID)

	metrics.DeletionRequests.Inc()
	log.Info().
		Str("incident_id", incidentID).
		Str("request_id", req.ID).
		Msg("deletion requested")

	s.notifyContacts(ctx, incident.OwnerID, "deletion_requested", func(ctx context.Context, n notify.Notifier, contacts []models.TrustedContact) error {
		return n.DeletionRequested(ctx, req, contacts)
	})

	return req, nil
}

// Ping appends a GPS sample. The incident must be ACTIVE and owned by
// the caller.
func (s *Service) Ping(ctx context.Context, callerID, incidentID string, lat, lng, speed float64) error {
	ctx, span := tracer.Start(ctx, "incident.ping",
		trace.WithAttributes(attribute.String("incident_id", incidentID)),
	)
	defer span.End()

	incident, err := s.ledger.IncidentByID(ctx, incidentID)
	if err != nil {
		return err
	}
	if incident.OwnerID != callerID || incident.Status != models.IncidentActive {
		return fmt.Errorf("%w: incident %s not accepting pings", models.ErrForbidden, incidentID)
	}

	return s.ledger.InsertLocation(ctx, &models.LocationPing{
		IncidentID: incidentID,
		Latitude:   lat,
		Longitude:  lng,
		Speed:      speed,
		RecordedAt: time.Now().UTC(),
	})
}

// ListMine returns the caller's incidents with deleted ones hidden.
func (s *Service) ListMine(ctx context.Context, ownerID string) ([]*models.Incident, error) {
	return s.ledger.ListIncidentsByOwner(ctx, ownerID)
}

// LivePath returns an incident's location trail, optionally only the
// samples recorded after since.
func (s *Service) LivePath(ctx context.Context, incidentID string, since *time.Time) ([]*models.LocationPing, error) {
	if _, err := s.ledger.IncidentByID(ctx, incidentID); err != nil {
		return nil, err
	}
	return s.ledger.LocationsSince(ctx, incidentID, since)
}

func (s *Service) invalidate(ctx context.Context, incidentID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, incidentID); err != nil {
		log.Warn().Err(err).Str("incident_id", incidentID).Msg("status cache invalidation failed")
	}
}

// notifyContacts resolves the trust network and dispatches one alert
// asynchronously. Contact lookup failure is swallowed like delivery
// failure: the triggering state transition has already committed.
func (s *Service) notifyContacts(ctx context.Context, ownerID, event string, fn func(context.Context, notify.Notifier, []models.TrustedContact) error) {
	contacts, err := s.ledger.TrustedContacts(ctx, ownerID)
	if err != nil {
		metrics.NotifyFailures.Inc()
		log.Error().Err(err).Str("event", event).Msg("trust network lookup failed")
		return
	}
	if len(contacts) == 0 {
		return
	}
	s.dispatcher.Go(event, func(ctx context.Context, n notify.Notifier) error {
		return fn(ctx, n, contacts)
	})
}
