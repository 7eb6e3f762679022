package models

// IncidentStatus is the closed set of incident lifecycle states.
type IncidentStatus string

const (
	IncidentActive          IncidentStatus = "ACTIVE"
	IncidentEnded           IncidentStatus = "ENDED"
	IncidentPendingDeletion IncidentStatus = "PENDING_DELETION"
	IncidentSoftDeleted     IncidentStatus = "SOFT_DELETED"
	IncidentHardDeleted     IncidentStatus = "HARD_DELETED"
)

// incidentTransitions is the single authority on legal status moves.
var incidentTransitions = map[IncidentStatus][]IncidentStatus{
	IncidentActive:          {IncidentEnded, IncidentPendingDeletion},
	IncidentEnded:           {IncidentPendingDeletion},
	IncidentPendingDeletion: {IncidentActive, IncidentEnded, IncidentSoftDeleted},
	IncidentSoftDeleted:     {IncidentHardDeleted},
	IncidentHardDeleted:     nil,
}

// CanTransition reports whether an incident may move from one status to
// another. All mutation paths must consult this instead of comparing
// status strings locally.
func CanTransition(from, to IncidentStatus) bool {
	for _, next := range incidentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AcceptsChunks reports whether new evidence may be appended. Only a
// live recording session grows new chunks; an ended one stays playable
// but is terminal for ingestion.
func (s IncidentStatus) AcceptsChunks() bool {
	return s == IncidentActive
}

// Deleted reports whether the incident has been logically or physically
// retired and must be hidden from listings.
func (s IncidentStatus) Deleted() bool {
	return s == IncidentSoftDeleted || s == IncidentHardDeleted
}

// RequestStatus is the lifecycle of a deletion request.
type RequestStatus string

const (
	RequestVotingInProgress RequestStatus = "VOTING_IN_PROGRESS"
	RequestApproved         RequestStatus = "APPROVED"
	RequestRejected         RequestStatus = "REJECTED"
)

// Resolved reports whether the request has reached a terminal state.
// Further votes on a resolved request are rejected.
func (s RequestStatus) Resolved() bool {
	return s == RequestApproved || s == RequestRejected
}

// VoteChoice is a voter's binary choice on a deletion request.
type VoteChoice string

const (
	VoteKeep   VoteChoice = "KEEP"
	VoteDelete VoteChoice = "DELETE"
)

// Valid reports whether the choice is one of the two legal values.
func (c VoteChoice) Valid() bool {
	return c == VoteKeep || c == VoteDelete
}

// VoteOutcome is what a cast vote did to the request.
type VoteOutcome string

const (
	// OutcomeVoteCast means the vote was recorded without resolving
	// the request.
	OutcomeVoteCast VoteOutcome = "VOTE_CAST"
	// OutcomeBlockedSafe means a KEEP vote rejected the request and
	// the evidence is preserved.
	OutcomeBlockedSafe VoteOutcome = "BLOCKED_SAFE"
	// OutcomeSoftDeleted means the delete quorum was reached and the
	// incident moved to SOFT_DELETED.
	OutcomeSoftDeleted VoteOutcome = "SOFT_DELETED"
)
