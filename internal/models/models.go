package models

import "time"

// Incident represents one recording session stored in the ledger.
// Incidents are never deleted physically; terminal states are reached
// through status transitions only.
type Incident struct {
	ID        string         `json:"id"`
	OwnerID   string         `json:"owner_id"`
	Status    IncidentStatus `json:"status"`
	Latitude  *float64       `json:"latitude,omitempty"`
	Longitude *float64       `json:"longitude,omitempty"`
	Address   string         `json:"address,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
}

// Chunk represents one transcoded video segment of an incident.
// Chunks are immutable once persisted; (IncidentID, SequenceNo) is unique.
type Chunk struct {
	ID          string    `json:"id"`
	IncidentID  string    `json:"incident_id"`
	SequenceNo  int       `json:"sequence_no"`
	StoragePath string    `json:"storage_path"`
	Hash        string    `json:"hash"`
	Duration    float64   `json:"duration"`
	CreatedAt   time.Time `json:"created_at"`
}

// LocationPing is one GPS sample tied to an incident; append-only.
type LocationPing struct {
	IncidentID string    `json:"incident_id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Speed      float64   `json:"speed"`
	RecordedAt time.Time `json:"recorded_at"`
}

// DeletionRequest is one request to retire an incident's evidence.
type DeletionRequest struct {
	ID         string        `json:"id"`
	IncidentID string        `json:"incident_id"`
	Reason     string        `json:"reason"`
	Status     RequestStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
}

// PendingRequest is a deletion request awaiting a particular voter's choice.
type PendingRequest struct {
	RequestID  string    `json:"request_id"`
	IncidentID string    `json:"incident_id"`
	OwnerID    string    `json:"owner_id"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}

// Vote is one voter's current choice on one deletion request.
// A later vote from the same voter replaces the earlier one.
type Vote struct {
	RequestID string     `json:"request_id"`
	VoterID   string     `json:"voter_id"`
	Choice    VoteChoice `json:"choice"`
}

// TrustedContact is a directed trust edge: ContactID may vote on
// OwnerID's deletion requests and receives their alerts.
type TrustedContact struct {
	OwnerID   string `json:"owner_id"`
	ContactID string `json:"contact_id"`
	Email     string `json:"email"`
}
