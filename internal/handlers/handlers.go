// Package handlers exposes the HTTP surface: incident lifecycle, chunk
// ingestion, playback, deletion voting, and the manual sweep trigger.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/aegisapp/aegis/internal/auth"
	"github.com/aegisapp/aegis/internal/consensus"
	"github.com/aegisapp/aegis/internal/incident"
	"github.com/aegisapp/aegis/internal/ingest"
	"github.com/aegisapp/aegis/internal/models"
	"github.com/aegisapp/aegis/internal/playback"
	"github.com/aegisapp/aegis/internal/sweep"
)

// Ledger covers the direct reads the handlers perform themselves.
type Ledger interface {
	IncidentByID(ctx context.Context, id string) (*models.Incident, error)
	ChunksByIncident(ctx context.Context, incidentID string) ([]*models.Chunk, error)
}

// API holds the services behind the HTTP surface.
type API struct {
	incidents *incident.Service
	pipeline  *ingest.Pipeline
	engine    *consensus.Engine
	sweeper   *sweep.Sweeper
	ledger    Ledger
	retention time.Duration
	maxUpload int64
}

// NewAPI assembles the HTTP API.
func NewAPI(incidents *incident.Service, pipeline *ingest.Pipeline, engine *consensus.Engine, sweeper *sweep.Sweeper, ledger Ledger, retention time.Duration, maxUpload int64) *API {
	return &API{
		incidents: incidents,
		pipeline:  pipeline,
		engine:    engine,
		sweeper:   sweeper,
		ledger:    ledger,
		retention: retention,
		maxUpload: maxUpload,
	}
}

// Register wires all routes onto the router. Authenticated routes go
// through the bearer-token middleware; stop, ingest, and playback are
// deliberately open (a rescuer holding the id must be able to use them).
func (a *API) Register(r *mux.Router, jwtSecret []byte) {
	authed := auth.Middleware(jwtSecret)

	handle := func(path, name string, h http.HandlerFunc) *mux.Route {
		return r.Handle(path, otelhttp.NewHandler(h, name))
	}
	handleAuthed := func(path, name string, h http.HandlerFunc) *mux.Route {
		return r.Handle(path, otelhttp.NewHandler(authed(h), name))
	}

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	handleAuthed("/incident/start", "POST /incident/start", a.handleStart).Methods("POST")
	handle("/incident/stop", "POST /incident/stop", a.handleStop).Methods("POST")
	handleAuthed("/incident/ping", "POST /incident/ping", a.handlePing).Methods("POST")
	handleAuthed("/incident/mine", "GET /incident/mine", a.handleMine).Methods("GET")
	handleAuthed("/incident/{id}/live-path", "GET /incident/{id}/live-path", a.handleLivePath).Methods("GET")

	handle("/ingest/chunk", "POST /ingest/chunk", a.handleChunk).Methods("POST")
	handle("/playback/{id}/index.m3u8", "GET /playback/{id}/index.m3u8", a.handlePlaylist).Methods("GET")

	handleAuthed("/voting/request-deletion", "POST /voting/request-deletion", a.handleRequestDeletion).Methods("POST")
	handleAuthed("/voting/pending", "GET /voting/pending", a.handlePending).Methods("GET")
	handleAuthed("/voting/vote", "POST /voting/vote", a.handleVote).Methods("POST")

	handle("/cleanup/run", "POST /cleanup/run", a.handleCleanup).Methods("POST")
}

type startRequest struct {
	Lat     *float64 `json:"lat"`
	Lng     *float64 `json:"lng"`
	Address string   `json:"address"`
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())

	var req startRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	inc, err := a.incidents.Start(r.Context(), caller.UserID, incident.Location{
		Latitude:  req.Lat,
		Longitude: req.Lng,
		Address:   req.Address,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"incident_id": inc.ID})
}

type stopRequest struct {
	IncidentID string `json:"incident_id"`
}

func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.IncidentID == "" {
		writeError(w, fmt.Errorf("%w: missing incident_id", models.ErrValidation))
		return
	}

	status, err := a.incidents.Stop(r.Context(), req.IncidentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

type pingRequest struct {
	IncidentID string   `json:"incident_id"`
	Lat        *float64 `json:"lat"`
	Lng        *float64 `json:"lng"`
	Speed      float64  `json:"speed"`
}

func (a *API) handlePing(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())

	var req pingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.IncidentID == "" || req.Lat == nil || req.Lng == nil {
		writeError(w, fmt.Errorf("%w: missing incident_id, lat, or lng", models.ErrValidation))
		return
	}

	if err := a.incidents.Ping(r.Context(), caller.UserID, req.IncidentID, *req.Lat, *req.Lng, req.Speed); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *API) handleMine(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())

	incidents, err := a.incidents.ListMine(r.Context(), caller.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": incidents})
}

func (a *API) handleLivePath(w http.ResponseWriter, r *http.Request) {
	incidentID := mux.Vars(r)["id"]

	var since *time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, fmt.Errorf("%w: since must be RFC3339", models.ErrValidation))
			return
		}
		since = &t
	}

	points, err := a.incidents.LivePath(r.Context(), incidentID, since)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"points": points})
}

// handleChunk streams one multipart chunk submission into the pipeline.
// Metadata fields must precede the media part in the form body.
func (a *API) handleChunk(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.maxUpload)

	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, fmt.Errorf("%w: expected multipart form", models.ErrValidation))
		return
	}

	var (
		incidentID string
		sequenceNo = -1
		duration   float64
		result     *ingest.Result
	)
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeError(w, fmt.Errorf("%w: malformed multipart body", models.ErrValidation))
			return
		}

		if part.FileName() == "" {
			value, err := io.ReadAll(io.LimitReader(part, 1024))
			part.Close()
			if err != nil {
				writeError(w, fmt.Errorf("%w: unreadable form field", models.ErrValidation))
				return
			}
			switch part.FormName() {
			case "incident_id":
				incidentID = string(value)
			case "sequence_no":
				n, err := strconv.Atoi(string(value))
				if err != nil {
					writeError(w, fmt.Errorf("%w: sequence_no must be an integer", models.ErrValidation))
					return
				}
				sequenceNo = n
			case "duration":
				d, err := strconv.ParseFloat(string(value), 64)
				if err != nil {
					writeError(w, fmt.Errorf("%w: duration must be a number", models.ErrValidation))
					return
				}
				duration = d
			}
			continue
		}

		if incidentID == "" || sequenceNo < 0 {
			part.Close()
			writeError(w, fmt.Errorf("%w: missing incident_id or sequence_no", models.ErrValidation))
			return
		}

		result, err = a.pipeline.Submit(r.Context(), incidentID, sequenceNo, duration, part)
		part.Close()
		if err != nil {
			writeError(w, err)
			return
		}
		break
	}

	if result == nil {
		writeError(w, fmt.Errorf("%w: missing media file", models.ErrValidation))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	incidentID := mux.Vars(r)["id"]

	inc, err := a.ledger.IncidentByID(r.Context(), incidentID)
	if err != nil {
		writeError(w, err)
		return
	}
	if inc.Status == models.IncidentHardDeleted {
		writeError(w, fmt.Errorf("%w: incident %s", models.ErrNotFound, incidentID))
		return
	}

	chunks, err := a.ledger.ChunksByIncident(r.Context(), incidentID)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", playback.ContentType)
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, playback.Render(inc.Status, chunks))
}

type requestDeletionRequest struct {
	IncidentID string `json:"incident_id"`
	Reason     string `json:"reason"`
}

func (a *API) handleRequestDeletion(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())

	var req requestDeletionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.IncidentID == "" {
		writeError(w, fmt.Errorf("%w: missing incident_id", models.ErrValidation))
		return
	}

	inc, err := a.ledger.IncidentByID(r.Context(), req.IncidentID)
	if err != nil {
		writeError(w, err)
		return
	}
	if inc.OwnerID != caller.UserID {
		writeError(w, fmt.Errorf("%w: only the owner may request deletion", models.ErrForbidden))
		return
	}

	dr, err := a.incidents.RequestDeletion(r.Context(), req.IncidentID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"request_id": dr.ID})
}

func (a *API) handlePending(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())

	pending, err := a.engine.PendingFor(r.Context(), caller.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": pending})
}

type voteRequest struct {
	RequestID string            `json:"request_id"`
	Choice    models.VoteChoice `json:"choice"`
}

func (a *API) handleVote(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())

	var req voteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.RequestID == "" {
		writeError(w, fmt.Errorf("%w: missing request_id", models.ErrValidation))
		return
	}

	outcome, err := a.engine.CastVote(r.Context(), req.RequestID, caller.UserID, req.Choice)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

func (a *API) handleCleanup(w http.ResponseWriter, r *http.Request) {
	purged, err := a.sweeper.Run(r.Context(), time.Now().UTC(), a.retention)
	if err != nil {
		writeError(w, err)
		return
	}
	if purged == nil {
		purged = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(purged), "ids": purged})
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body", models.ErrValidation)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

// writeError maps the error taxonomy to HTTP status codes in one place
// so clients can distinguish "already handled" from "truly failed".
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, models.ErrTransient):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
