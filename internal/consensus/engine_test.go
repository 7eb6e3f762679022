package consensus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisapp/aegis/internal/models"
)

// fakeLedger implements Ledger and Txn over in-memory maps. InVoteTx
// runs the closure directly; the engine's error paths bail out before
// mutating, so rollback simulation is not needed here.
type fakeLedger struct {
	requests  map[string]*models.DeletionRequest
	incidents map[string]*models.Incident
	votes     map[string]map[string]models.VoteChoice
	contacts  map[string][]string
	pending   []*models.PendingRequest
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		requests:  make(map[string]*models.DeletionRequest),
		incidents: make(map[string]*models.Incident),
		votes:     make(map[string]map[string]models.VoteChoice),
		contacts:  make(map[string][]string),
	}
}

func (f *fakeLedger) InVoteTx(ctx context.Context, fn func(Txn) error) error {
	return fn(f)
}

func (f *fakeLedger) PendingRequestsFor(ctx context.Context, voterID string) ([]*models.PendingRequest, error) {
	return f.pending, nil
}

func (f *fakeLedger) RequestForUpdate(ctx context.Context, requestID string) (*models.DeletionRequest, error) {
	req, ok := f.requests[requestID]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *req
	return &cp, nil
}

func (f *fakeLedger) IncidentByID(ctx context.Context, incidentID string) (*models.Incident, error) {
	inc, ok := f.incidents[incidentID]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *inc
	return &cp, nil
}

func (f *fakeLedger) UpsertVote(ctx context.Context, requestID, voterID string, choice models.VoteChoice) error {
	if f.votes[requestID] == nil {
		f.votes[requestID] = make(map[string]models.VoteChoice)
	}
	f.votes[requestID][voterID] = choice
	return nil
}

func (f *fakeLedger) CountDeleteVotes(ctx context.Context, requestID string) (int, error) {
	count := 0
	for _, choice := range f.votes[requestID] {
		if choice == models.VoteDelete {
			count++
		}
	}
	return count, nil
}

func (f *fakeLedger) IsTrustedContact(ctx context.Context, ownerID, contactID string) (bool, error) {
	for _, id := range f.contacts[ownerID] {
		if id == contactID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeLedger) CountTrustedContacts(ctx context.Context, ownerID string) (int, error) {
	return len(f.contacts[ownerID]), nil
}

func (f *fakeLedger) SetRequestStatus(ctx context.Context, requestID string, status models.RequestStatus) error {
	f.requests[requestID].Status = status
	return nil
}

func (f *fakeLedger) SetIncidentStatus(ctx context.Context, incidentID string, status models.IncidentStatus, markEnded bool) error {
	inc := f.incidents[incidentID]
	inc.Status = status
	if markEnded {
		now := time.Now().UTC()
		inc.EndedAt = &now
	}
	return nil
}

// seed installs one pending-deletion incident with an open request and
// an electorate of the given size (contact ids v1..vN).
func seed(f *fakeLedger, electorate int, ended bool) {
	inc := &models.Incident{
		ID:      "inc-1",
		OwnerID: "owner-1",
		Status:  models.IncidentPendingDeletion,
	}
	if ended {
		t := time.Now().UTC().Add(-time.Hour)
		inc.EndedAt = &t
	}
	f.incidents["inc-1"] = inc
	f.requests["req-1"] = &models.DeletionRequest{
		ID:         "req-1",
		IncidentID: "inc-1",
		Status:     models.RequestVotingInProgress,
	}
	for i := 1; i <= electorate; i++ {
		f.contacts["owner-1"] = append(f.contacts["owner-1"], fmt.Sprintf("v%d", i))
	}
}

func TestCastVoteInvalidChoice(t *testing.T) {
	engine := NewEngine(newFakeLedger(), nil)

	_, err := engine.CastVote(context.Background(), "req-1", "v1", "ABSTAIN")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestCastVoteUnknownRequest(t *testing.T) {
	engine := NewEngine(newFakeLedger(), nil)

	_, err := engine.CastVote(context.Background(), "missing", "v1", models.VoteDelete)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCastVoteResolvedRequest(t *testing.T) {
	ledger := newFakeLedger()
	seed(ledger, 5, true)
	ledger.requests["req-1"].Status = models.RequestRejected
	engine := NewEngine(ledger, nil)

	_, err := engine.CastVote(context.Background(), "req-1", "v1", models.VoteDelete)
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestKeepShortCircuits(t *testing.T) {
	ledger := newFakeLedger()
	seed(ledger, 5, true)
	// Prior DELETE votes must not matter.
	ledger.votes["req-1"] = map[string]models.VoteChoice{
		"v1": models.VoteDelete,
		"v2": models.VoteDelete,
	}
	engine := NewEngine(ledger, nil)

	outcome, err := engine.CastVote(context.Background(), "req-1", "v3", models.VoteKeep)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeBlockedSafe, outcome)
	assert.Equal(t, models.RequestRejected, ledger.requests["req-1"].Status)
	assert.Equal(t, models.IncidentEnded, ledger.incidents["inc-1"].Status)

	// A resolved request accepts no further votes.
	_, err = engine.CastVote(context.Background(), "req-1", "v4", models.VoteDelete)
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestKeepRevertsToActiveWhenNeverEnded(t *testing.T) {
	ledger := newFakeLedger()
	seed(ledger, 3, false)
	engine := NewEngine(ledger, nil)

	outcome, err := engine.CastVote(context.Background(), "req-1", "v1", models.VoteKeep)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeBlockedSafe, outcome)
	assert.Equal(t, models.IncidentActive, ledger.incidents["inc-1"].Status)
}

func TestDeleteQuorumFiveVoters(t *testing.T) {
	ledger := newFakeLedger()
	seed(ledger, 5, true)
	engine := NewEngine(ledger, nil)
	ctx := context.Background()

	// 3/5 = 0.6 is not strictly greater than 0.6.
	for _, voter := range []string{"v1", "v2", "v3"} {
		outcome, err := engine.CastVote(ctx, "req-1", voter, models.VoteDelete)
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeVoteCast, outcome)
	}
	assert.Equal(t, models.RequestVotingInProgress, ledger.requests["req-1"].Status)

	// 4/5 = 0.8 approves.
	outcome, err := engine.CastVote(ctx, "req-1", "v4", models.VoteDelete)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSoftDeleted, outcome)
	assert.Equal(t, models.RequestApproved, ledger.requests["req-1"].Status)
	assert.Equal(t, models.IncidentSoftDeleted, ledger.incidents["inc-1"].Status)
	assert.NotNil(t, ledger.incidents["inc-1"].EndedAt)
}

func TestDeleteBlockedForeverWithEmptyElectorate(t *testing.T) {
	ledger := newFakeLedger()
	seed(ledger, 0, true)
	engine := NewEngine(ledger, nil)

	// With no trusted contacts there are no eligible voters, so the
	// request can never resolve.
	for _, voter := range []string{"v1", "v2", "v3"} {
		_, err := engine.CastVote(context.Background(), "req-1", voter, models.VoteDelete)
		assert.ErrorIs(t, err, models.ErrForbidden)
	}
	assert.Equal(t, models.RequestVotingInProgress, ledger.requests["req-1"].Status)
}

func TestStrangerCannotVote(t *testing.T) {
	ledger := newFakeLedger()
	seed(ledger, 3, true)
	engine := NewEngine(ledger, nil)
	ctx := context.Background()

	// Knowing the request id is not enough: a KEEP from outside the
	// trust network must not reject the request, and a DELETE must not
	// count toward quorum.
	_, err := engine.CastVote(ctx, "req-1", "stranger", models.VoteKeep)
	assert.ErrorIs(t, err, models.ErrForbidden)
	assert.Equal(t, models.RequestVotingInProgress, ledger.requests["req-1"].Status)

	_, err = engine.CastVote(ctx, "req-1", "stranger", models.VoteDelete)
	assert.ErrorIs(t, err, models.ErrForbidden)
	assert.Empty(t, ledger.votes["req-1"])

	// The owner is not their own trusted contact either.
	_, err = engine.CastVote(ctx, "req-1", "owner-1", models.VoteDelete)
	assert.ErrorIs(t, err, models.ErrForbidden)
}

func TestRevoteReplacesEarlierChoice(t *testing.T) {
	ledger := newFakeLedger()
	seed(ledger, 3, true)
	engine := NewEngine(ledger, nil)
	ctx := context.Background()

	outcome, err := engine.CastVote(ctx, "req-1", "v1", models.VoteDelete)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeVoteCast, outcome)

	// Re-voting the same choice does not double-count: still 1/3.
	outcome, err = engine.CastVote(ctx, "req-1", "v1", models.VoteDelete)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeVoteCast, outcome)

	// The second voter tips 2/3 over the threshold.
	outcome, err = engine.CastVote(ctx, "req-1", "v2", models.VoteDelete)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSoftDeleted, outcome)
}

func TestRevoteFlipsDeleteToKeep(t *testing.T) {
	ledger := newFakeLedger()
	seed(ledger, 2, true)
	engine := NewEngine(ledger, nil)
	ctx := context.Background()

	outcome, err := engine.CastVote(ctx, "req-1", "v1", models.VoteDelete)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeVoteCast, outcome)

	outcome, err = engine.CastVote(ctx, "req-1", "v1", models.VoteKeep)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeBlockedSafe, outcome)
	assert.Equal(t, models.VoteKeep, ledger.votes["req-1"]["v1"])
}

func TestQuorumReached(t *testing.T) {
	tests := []struct {
		name        string
		deleteVotes int
		electorate  int
		reached     bool
	}{
		{"empty electorate never approves", 3, 0, false},
		{"zero of five", 0, 5, false},
		{"exactly sixty percent is not enough", 3, 5, false},
		{"four of five", 4, 5, true},
		{"one of one", 1, 1, true},
		{"two of three", 2, 3, true},
		{"three of four", 3, 4, true},
		{"six of ten", 6, 10, false},
		{"seven of ten", 7, 10, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.reached, quorumReached(tt.deleteVotes, tt.electorate))
		})
	}
}
