package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name  string
		from  IncidentStatus
		to    IncidentStatus
		legal bool
	}{
		{"active to ended", IncidentActive, IncidentEnded, true},
		{"active to pending deletion", IncidentActive, IncidentPendingDeletion, true},
		{"ended to pending deletion", IncidentEnded, IncidentPendingDeletion, true},
		{"pending deletion to active", IncidentPendingDeletion, IncidentActive, true},
		{"pending deletion to ended", IncidentPendingDeletion, IncidentEnded, true},
		{"pending deletion to soft deleted", IncidentPendingDeletion, IncidentSoftDeleted, true},
		{"soft deleted to hard deleted", IncidentSoftDeleted, IncidentHardDeleted, true},
		{"ended to active", IncidentEnded, IncidentActive, false},
		{"active to soft deleted", IncidentActive, IncidentSoftDeleted, false},
		{"ended to soft deleted", IncidentEnded, IncidentSoftDeleted, false},
		{"soft deleted to active", IncidentSoftDeleted, IncidentActive, false},
		{"hard deleted is terminal", IncidentHardDeleted, IncidentActive, false},
		{"hard delete skips soft delete", IncidentPendingDeletion, IncidentHardDeleted, false},
		{"self transition", IncidentActive, IncidentActive, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.legal, CanTransition(tt.from, tt.to))
		})
	}
}

func TestAcceptsChunks(t *testing.T) {
	assert.True(t, IncidentActive.AcceptsChunks())
	assert.False(t, IncidentEnded.AcceptsChunks())
	assert.False(t, IncidentPendingDeletion.AcceptsChunks())
	assert.False(t, IncidentSoftDeleted.AcceptsChunks())
	assert.False(t, IncidentHardDeleted.AcceptsChunks())
}

func TestDeleted(t *testing.T) {
	assert.False(t, IncidentActive.Deleted())
	assert.False(t, IncidentEnded.Deleted())
	assert.False(t, IncidentPendingDeletion.Deleted())
	assert.True(t, IncidentSoftDeleted.Deleted())
	assert.True(t, IncidentHardDeleted.Deleted())
}

func TestVoteChoiceValid(t *testing.T) {
	assert.True(t, VoteKeep.Valid())
	assert.True(t, VoteDelete.Valid())
	assert.False(t, VoteChoice("").Valid())
	assert.False(t, VoteChoice("ABSTAIN").Valid())
	assert.False(t, VoteChoice("keep").Valid())
}

func TestRequestStatusResolved(t *testing.T) {
	assert.False(t, RequestVotingInProgress.Resolved())
	assert.True(t, RequestApproved.Resolved())
	assert.True(t, RequestRejected.Resolved())
}
