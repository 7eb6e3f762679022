// Package ingest persists evidence chunks for live incidents: it
// validates, transcodes, hashes, uploads, and records each submission.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aegisapp/aegis/internal/metrics"
	"github.com/aegisapp/aegis/internal/models"
	"github.com/aegisapp/aegis/internal/transcode"
)

var tracer = otel.Tracer("aegis-ingest")

// Ledger is the persistence the pipeline needs.
type Ledger interface {
	IncidentStatus(ctx context.Context, incidentID string) (models.IncidentStatus, error)
	ChunkBySequence(ctx context.Context, incidentID string, sequenceNo int) (*models.Chunk, error)
	InsertChunk(ctx context.Context, chunk *models.Chunk) (bool, error)
}

// ObjectStore uploads a transcoded segment file and returns its URL.
type ObjectStore interface {
	UploadChunkFile(ctx context.Context, objectKey, filePath string) (string, error)
}

// StatusCache fronts the ledger's incident status reads.
type StatusCache interface {
	GetStatus(ctx context.Context, incidentID string) (models.IncidentStatus, bool, error)
	SetStatus(ctx context.Context, incidentID string, status models.IncidentStatus) error
}

// Result reports what happened to one chunk submission.
type Result struct {
	SequenceNo int    `json:"sequence_no"`
	Hash       string `json:"hash,omitempty"`
	Skipped    bool   `json:"skipped,omitempty"`
	Duplicate  bool   `json:"duplicate,omitempty"`
}

// Pipeline processes chunk submissions. It holds no mutable state
// shared across chunks; temp files are keyed per (incident, sequence)
// so concurrent uploads never collide.
type Pipeline struct {
	ledger        Ledger
	store         ObjectStore
	cache         StatusCache // may be nil
	transcoder    transcode.Transcoder
	tempDir       string
	minChunkBytes int64
	uploadTimeout time.Duration
}

// NewPipeline assembles the ingestion pipeline. cache may be nil.
func NewPipeline(ledger Ledger, store ObjectStore, cache StatusCache, transcoder transcode.Transcoder, tempDir string, minChunkBytes int64, uploadTimeout time.Duration) *Pipeline {
	return &Pipeline{
		ledger:        ledger,
		store:         store,
		cache:         cache,
		transcoder:    transcoder,
		tempDir:       tempDir,
		minChunkBytes: minChunkBytes,
		uploadTimeout: uploadTimeout,
	}
}

// Submit processes one chunk: stream to a temp file while hashing the
// raw bytes, skip undersized payloads, verify the incident is ACTIVE,
// transcode, upload under incidents/{id}/{seq}.ts, and record the chunk.
// Duplicate (incident, sequence) submissions succeed idempotently.
// Temp files are removed on every exit path.
func (p *Pipeline) Submit(ctx context.Context, incidentID string, sequenceNo int, duration float64, media io.Reader) (*Result, error) {
	ctx, span := tracer.Start(ctx, "ingest.submit",
		trace.WithAttributes(
			attribute.String("incident_id", incidentID),
			attribute.Int("sequence_no", sequenceNo),
		),
	)
	defer span.End()

	inputPath := filepath.Join(p.tempDir, fmt.Sprintf("input_%s_%d.webm", incidentID, sequenceNo))
	outputPath := filepath.Join(p.tempDir, fmt.Sprintf("output_%s_%d.ts", incidentID, sequenceNo))
	defer func() {
		// Cleanup must run on success, transcoder failure, and
		// upload failure alike.
		_ = os.Remove(inputPath)
		_ = os.Remove(outputPath)
	}()

	written, hash, err := p.saveAndHash(inputPath, media)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int64("raw_bytes", written))

	if written < p.minChunkBytes {
		// Too small to be valid media. Report success so the
		// client's recording loop keeps going.
		log.Warn().
			Str("incident_id", incidentID).
			Int("sequence_no", sequenceNo).
			Int64("bytes", written).
			Msg("skipped undersized chunk")
		metrics.ChunksSkipped.Inc()
		return &Result{SequenceNo: sequenceNo, Skipped: true}, nil
	}

	status, err := p.incidentStatus(ctx, incidentID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("%w: incident %s not accepting chunks", models.ErrForbidden, incidentID)
		}
		span.RecordError(err)
		return nil, err
	}
	if !status.AcceptsChunks() {
		return nil, fmt.Errorf("%w: incident %s is %s", models.ErrForbidden, incidentID, status)
	}

	// Client retry: the chunk is already persisted, so succeed without
	// re-transcoding or re-uploading.
	if existing, err := p.ledger.ChunkBySequence(ctx, incidentID, sequenceNo); err != nil {
		span.RecordError(err)
		return nil, err
	} else if existing != nil {
		metrics.ChunksDuplicate.Inc()
		return &Result{SequenceNo: sequenceNo, Hash: existing.Hash, Duplicate: true}, nil
	}

	if err := p.transcoder.Transcode(ctx, inputPath, outputPath); err != nil {
		span.RecordError(err)
		return nil, err
	}

	objectKey := fmt.Sprintf("incidents/%s/%d.ts", incidentID, sequenceNo)
	uploadCtx, cancel := context.WithTimeout(ctx, p.uploadTimeout)
	storagePath, err := p.store.UploadChunkFile(uploadCtx, objectKey, outputPath)
	cancel()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", models.ErrTransient, err)
	}

	chunk := &models.Chunk{
		ID:          uuid.New().String(),
		IncidentID:  incidentID,
		SequenceNo:  sequenceNo,
		StoragePath: storagePath,
		Hash:        hash,
		Duration:    duration,
		CreatedAt:   time.Now().UTC(),
	}
	inserted, err := p.ledger.InsertChunk(ctx, chunk)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !inserted {
		// Lost a concurrent duplicate race; the winner's row stands.
		metrics.ChunksDuplicate.Inc()
		return &Result{SequenceNo: sequenceNo, Hash: hash, Duplicate: true}, nil
	}

	metrics.ChunksIngested.Inc()
	log.Info().
		Str("incident_id", incidentID).
		Int("sequence_no", sequenceNo).
		Int64("raw_bytes", written).
		Msg("chunk ingested")

	return &Result{SequenceNo: sequenceNo, Hash: hash}, nil
}

// saveAndHash streams the raw media to the temp input file, computing
// the sha256 of the pre-transcode bytes in the same pass. That hash is
// the chain-of-custody fingerprint recorded for the chunk.
func (p *Pipeline) saveAndHash(path string, media io.Reader) (int64, string, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, "", fmt.Errorf("failed to create temp file: %w", err)
	}

	hasher := sha256.New()
	written, err := io.Copy(f, io.TeeReader(media, hasher))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return 0, "", fmt.Errorf("%w: chunk exceeds %d bytes", models.ErrValidation, maxErr.Limit)
		}
		return 0, "", fmt.Errorf("failed to buffer chunk: %w", err)
	}

	return written, hex.EncodeToString(hasher.Sum(nil)), nil
}

// incidentStatus consults the cache before the ledger and backfills the
// cache on a miss.
func (p *Pipeline) incidentStatus(ctx context.Context, incidentID string) (models.IncidentStatus, error) {
	if p.cache != nil {
		if status, ok, err := p.cache.GetStatus(ctx, incidentID); err != nil {
			log.Warn().Err(err).Str("incident_id", incidentID).Msg("status cache read failed")
		} else if ok {
			return status, nil
		}
	}

	status, err := p.ledger.IncidentStatus(ctx, incidentID)
	if err != nil {
		return "", err
	}

	if p.cache != nil {
		if err := p.cache.SetStatus(ctx, incidentID, status); err != nil {
			log.Warn().Err(err).Str("incident_id", incidentID).Msg("status cache write failed")
		}
	}
	return status, nil
}
