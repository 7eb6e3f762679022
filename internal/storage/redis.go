package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aegisapp/aegis/internal/models"
)

// statusTTL bounds staleness if an invalidation is ever missed; every
// state transition invalidates explicitly.
const statusTTL = 5 * time.Minute

// StatusCache caches incident status in front of the ledger. The
// ingestion pipeline consults it on every chunk submission.
type StatusCache struct {
	client *redis.Client
}

// NewStatusCache initializes the Redis-backed status cache.
func NewStatusCache(addr, password string, db int) (*StatusCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &StatusCache{client: client}, nil
}

// Close closes the Redis connection
func (sc *StatusCache) Close() error {
	return sc.client.Close()
}

// GetStatus returns the cached status for an incident. A cache miss
// returns ok=false without error.
func (sc *StatusCache) GetStatus(ctx context.Context, incidentID string) (models.IncidentStatus, bool, error) {
	ctx, span := tracer.Start(ctx, "statuscache.get",
		trace.WithAttributes(attribute.String("incident_id", incidentID)),
	)
	defer span.End()

	val, err := sc.client.Get(ctx, statusKey(incidentID)).Result()
	if err == redis.Nil {
		span.SetAttributes(attribute.Bool("cache_hit", false))
		return "", false, nil
	} else if err != nil {
		span.RecordError(err)
		return "", false, fmt.Errorf("failed to get from cache: %w", err)
	}

	span.SetAttributes(attribute.Bool("cache_hit", true))
	return models.IncidentStatus(val), true, nil
}

// SetStatus caches the status of an incident.
func (sc *StatusCache) SetStatus(ctx context.Context, incidentID string, status models.IncidentStatus) error {
	ctx, span := tracer.Start(ctx, "statuscache.set",
		trace.WithAttributes(
			attribute.String("incident_id", incidentID),
			attribute.String("status", string(status)),
		),
	)
	defer span.End()

	if err := sc.client.Set(ctx, statusKey(incidentID), string(status), statusTTL).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to set cache: %w", err)
	}
	return nil
}

// Invalidate drops the cached status after a state transition.
func (sc *StatusCache) Invalidate(ctx context.Context, incidentID string) error {
	ctx, span := tracer.Start(ctx, "statuscache.invalidate",
		trace.WithAttributes(attribute.String("incident_id", incidentID)),
	)
	defer span.End()

	if err := sc.client.Del(ctx, statusKey(incidentID)).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to invalidate cache: %w", err)
	}
	return nil
}

func statusKey(incidentID string) string {
	return fmt.Sprintf("incident_status:%s", incidentID)
}
