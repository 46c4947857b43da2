package identity_test

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"diarist/internal/identity"
	"diarist/internal/jobs"
	"diarist/internal/logging"
	"diarist/internal/testsupport"
)

type fixture struct {
	jobs    *jobs.Store
	store   *identity.Store
	matcher *identity.Matcher
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	jobStore := testsupport.MustOpenStore(t, cfg)
	store := identity.NewStore(jobStore.DB(), jobStore.Now)
	return fixture{
		jobs:    jobStore,
		store:   store,
		matcher: identity.NewMatcher(store, cfg.Identity, logging.NewNop()),
	}
}

// along returns a unit vector whose cosine with axis 0 equals score.
func along(score float64, axis int) []float32 {
	vec := make([]float32, 4)
	vec[0] = float32(score)
	vec[axis] = float32(math.Sqrt(1 - score*score))
	return vec
}

func (f fixture) save(t *testing.T, owner, subject string, prints ...identity.NewVoicePrint) []identity.VoicePrint {
	t.Helper()
	ctx := context.Background()
	tx, err := f.jobs.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, f.store.SaveVoicePrints(owner, subject, "", prints)(ctx, tx))
	require.NoError(t, tx.Commit())
	saved, err := f.store.ListSubjectPrints(ctx, owner, subject)
	require.NoError(t, err)
	return saved
}

// match plans a subject and applies the plan as part of completing a MATCH
// job, the way the workflow handler commits it.
func (f fixture) match(t *testing.T, owner, subject string) *identity.Plan {
	t.Helper()
	plan, err := f.matcher.Plan(context.Background(), owner, subject)
	require.NoError(t, err)
	require.NoError(t, f.commit(t, owner, subject, plan))
	return plan
}

func (f fixture) commit(t *testing.T, owner, subject string, plan *identity.Plan) error {
	t.Helper()
	job := testsupport.MustDispatch(t, f.jobs, owner, subject, jobs.KindMatch)
	claimed := testsupport.MustClaim(t, f.jobs, job.ID, "worker-1")
	_, err := f.jobs.Complete(context.Background(), job.ID, claimed.ClaimToken, "", f.matcher.Apply(plan))
	return err
}

// propose records a single candidate through the same writer path.
func (f fixture) propose(t *testing.T, owner, a, b string, confidence float64) error {
	t.Helper()
	plan := &identity.Plan{
		OwnerID:   owner,
		SubjectID: "manual",
		Proposals: []identity.Proposal{{VoicePrintA: a, VoicePrintB: b, Confidence: confidence}},
	}
	return f.commit(t, owner, "manual", plan)
}

func byLabel(prints []identity.VoicePrint, label string) identity.VoicePrint {
	for _, vp := range prints {
		if vp.Label == label {
			return vp
		}
	}
	return identity.VoicePrint{}
}

func TestAutoLinkToExistingProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	earlier := f.save(t, "owner", "f0", identity.NewVoicePrint{Label: "SPEAKER_00", Embedding: []float32{1, 0, 0, 0}})
	p1, err := f.store.CreateProfile(ctx, "owner", "Dana")
	require.NoError(t, err)
	_, err = f.store.AssignProfile(ctx, earlier[0].ID, p1.ID)
	require.NoError(t, err)

	fresh := f.save(t, "owner", "f1",
		identity.NewVoicePrint{Label: "SPEAKER_00", Embedding: along(0.92, 1)},
		identity.NewVoicePrint{Label: "SPEAKER_01", Embedding: []float32{0, 0, 0, 1}},
	)

	plan := f.match(t, "owner", "f1")
	require.Len(t, plan.Links, 1)
	require.Empty(t, plan.Proposals)
	require.InDelta(t, 0.92, plan.Links[0].Confidence, 1e-4)
	require.False(t, plan.Links[0].NewProfile)

	linked, err := f.store.VoicePrint(ctx, byLabel(fresh, "SPEAKER_00").ID)
	require.NoError(t, err)
	require.Equal(t, p1.ID, linked.ProfileID)

	other, err := f.store.VoicePrint(ctx, byLabel(fresh, "SPEAKER_01").ID)
	require.NoError(t, err)
	require.True(t, other.Unclaimed())

	candidates, err := f.store.ListCandidates(ctx, "owner", "")
	require.NoError(t, err)
	require.Empty(t, candidates, "a direct link must not leave a candidate row")
}

func TestAutoLinkCreatesProfileForUnclaimedMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	earlier := f.save(t, "owner", "f0", identity.NewVoicePrint{Label: "SPEAKER_00", DisplayName: "Host", Embedding: []float32{1, 0, 0, 0}})
	fresh := f.save(t, "owner", "f1", identity.NewVoicePrint{Label: "SPEAKER_03", Embedding: along(0.95, 2)})

	plan := f.match(t, "owner", "f1")
	require.Len(t, plan.Links, 1)
	require.True(t, plan.Links[0].NewProfile)

	matched, err := f.store.VoicePrint(ctx, earlier[0].ID)
	require.NoError(t, err)
	linked, err := f.store.VoicePrint(ctx, fresh[0].ID)
	require.NoError(t, err)
	require.NotEmpty(t, matched.ProfileID)
	require.Equal(t, matched.ProfileID, linked.ProfileID)

	profile, err := f.store.Profile(ctx, matched.ProfileID)
	require.NoError(t, err)
	require.Equal(t, "Host", profile.Name)
}

func TestTieBreakKeepsRunnersUpAsCandidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e1 := f.save(t, "owner", "a", identity.NewVoicePrint{Label: "S0", Embedding: along(0.95, 1)})[0]
	e2 := f.save(t, "owner", "b", identity.NewVoicePrint{Label: "S0", Embedding: along(0.90, 2)})[0]
	e3 := f.save(t, "owner", "c", identity.NewVoicePrint{Label: "S0", Embedding: along(0.75, 3)})[0]
	f.save(t, "owner", "d", identity.NewVoicePrint{Label: "S0", Embedding: along(0.30, 1)})
	f.save(t, "someone-else", "x", identity.NewVoicePrint{Label: "S0", Embedding: []float32{1, 0, 0, 0}})

	p1, err := f.store.CreateProfile(ctx, "owner", "First")
	require.NoError(t, err)
	p2, err := f.store.CreateProfile(ctx, "owner", "Second")
	require.NoError(t, err)
	_, err = f.store.AssignProfile(ctx, e1.ID, p1.ID)
	require.NoError(t, err)
	_, err = f.store.AssignProfile(ctx, e2.ID, p2.ID)
	require.NoError(t, err)

	fresh := f.save(t, "owner", "new", identity.NewVoicePrint{Label: "S0", Embedding: []float32{1, 0, 0, 0}})[0]
	plan := f.match(t, "owner", "new")
	require.Len(t, plan.Links, 1)
	require.Equal(t, e1.ID, plan.Links[0].MatchedID)
	require.Equal(t, p1.ID, plan.Links[0].ProfileID)

	candidates, err := f.store.ListCandidates(ctx, "owner", identity.CandidatePending)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	got := map[string]float64{}
	for _, c := range candidates {
		require.Less(t, c.VoicePrintA, c.VoicePrintB)
		other := c.VoicePrintA
		if other == fresh.ID {
			other = c.VoicePrintB
		}
		got[other] = c.Confidence
	}
	require.InDelta(t, 0.90, got[e2.ID], 1e-4)
	require.InDelta(t, 0.75, got[e3.ID], 1e-4)

	// Profiles stay separate until an operator merges them.
	_, err = f.store.Profile(ctx, p2.ID)
	require.NoError(t, err)
}

func TestCandidatePairIsStoredOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.save(t, "owner", "a", identity.NewVoicePrint{Label: "S0", Embedding: []float32{1, 0}})[0]
	b := f.save(t, "owner", "b", identity.NewVoicePrint{Label: "S0", Embedding: []float32{0, 1}})[0]

	require.NoError(t, f.propose(t, "owner", a.ID, b.ID, 0.72))
	require.NoError(t, f.propose(t, "owner", b.ID, a.ID, 0.78))
	require.NoError(t, f.propose(t, "owner", a.ID, b.ID, 0.71))
	require.ErrorIs(t, f.propose(t, "owner", a.ID, a.ID, 0.9), identity.ErrSelfPair)

	candidates, err := f.store.ListCandidates(ctx, "owner", "")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.InDelta(t, 0.78, candidates[0].Confidence, 1e-9)

	forward, err := f.store.Candidate(ctx, a.ID, b.ID)
	require.NoError(t, err)
	backward, err := f.store.Candidate(ctx, b.ID, a.ID)
	require.NoError(t, err)
	require.Equal(t, forward, backward)
}

func TestRejectedPairIsNotProposedAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	earlier := f.save(t, "owner", "f0", identity.NewVoicePrint{Label: "S0", Embedding: []float32{1, 0, 0, 0}})[0]
	fresh := f.save(t, "owner", "f1", identity.NewVoicePrint{Label: "S0", Embedding: along(0.80, 1)})[0]

	plan := f.match(t, "owner", "f1")
	require.Len(t, plan.Proposals, 1)
	require.Empty(t, plan.Links)

	rejected, err := f.store.RejectCandidate(ctx, fresh.ID, earlier.ID)
	require.NoError(t, err)
	require.Equal(t, identity.CandidateRejected, rejected.Status)

	// A stronger embedding for the same label must not revive the pair.
	f.save(t, "owner", "f1", identity.NewVoicePrint{Label: "S0", Embedding: along(0.99, 1)})
	plan = f.match(t, "owner", "f1")
	require.True(t, plan.Empty())

	candidate, err := f.store.Candidate(ctx, earlier.ID, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, identity.CandidateRejected, candidate.Status)
}

func TestConfirmCandidateLinksBothPrints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.save(t, "owner", "a", identity.NewVoicePrint{Label: "S0", DisplayName: "Guest", Embedding: []float32{1, 0}})[0]
	b := f.save(t, "owner", "b", identity.NewVoicePrint{Label: "S1", Embedding: []float32{0, 1}})[0]
	require.NoError(t, f.propose(t, "owner", a.ID, b.ID, 0.74))

	confirmed, err := f.store.ConfirmCandidate(ctx, b.ID, a.ID)
	require.NoError(t, err)
	require.Equal(t, identity.CandidateConfirmed, confirmed.Status)

	first, _ := f.store.VoicePrint(ctx, a.ID)
	second, _ := f.store.VoicePrint(ctx, b.ID)
	require.NotEmpty(t, first.ProfileID)
	require.Equal(t, first.ProfileID, second.ProfileID)
	profile, err := f.store.Profile(ctx, first.ProfileID)
	require.NoError(t, err)
	require.Equal(t, "Guest", profile.Name)
}

func TestConfirmRefusesConflictingProfiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.save(t, "owner", "a", identity.NewVoicePrint{Label: "S0", Embedding: []float32{1, 0}})[0]
	b := f.save(t, "owner", "b", identity.NewVoicePrint{Label: "S0", Embedding: []float32{0, 1}})[0]
	p1, _ := f.store.CreateProfile(ctx, "owner", "One")
	p2, _ := f.store.CreateProfile(ctx, "owner", "Two")
	_, err := f.store.AssignProfile(ctx, a.ID, p1.ID)
	require.NoError(t, err)
	_, err = f.store.AssignProfile(ctx, b.ID, p2.ID)
	require.NoError(t, err)
	require.NoError(t, f.propose(t, "owner", a.ID, b.ID, 0.8))

	_, err = f.store.ConfirmCandidate(ctx, a.ID, b.ID)
	require.ErrorIs(t, err, identity.ErrProfileConflict)

	moved, err := f.store.MergeProfiles(ctx, p1.ID, p2.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, moved)
	_, err = f.store.Profile(ctx, p2.ID)
	require.ErrorIs(t, err, identity.ErrNotFound)

	_, err = f.store.ConfirmCandidate(ctx, a.ID, b.ID)
	require.NoError(t, err)
	prints, err := f.store.ListProfilePrints(ctx, p1.ID)
	require.NoError(t, err)
	require.Len(t, prints, 2)
}

func TestProfileNamesAreCaseInsensitive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.CreateProfile(ctx, "owner", "Élodie")
	require.NoError(t, err)
	_, err = f.store.CreateProfile(ctx, "owner", "ÉLODIE")
	require.ErrorIs(t, err, identity.ErrDuplicateProfile)
	_, err = f.store.CreateProfile(ctx, "other-owner", "élodie")
	require.NoError(t, err)
	_, err = f.store.CreateProfile(ctx, "owner", "  ")
	require.Error(t, err)
}

func TestAssignProfileRejectsForeignOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	vp := f.save(t, "owner", "a", identity.NewVoicePrint{Label: "S0", Embedding: []float32{1}})[0]
	foreign, err := f.store.CreateProfile(ctx, "intruder", "Eve")
	require.NoError(t, err)
	_, err = f.store.AssignProfile(ctx, vp.ID, foreign.ID)
	require.ErrorIs(t, err, identity.ErrOwnerMismatch)
}

func TestSaveVoicePrintsUpsertKeepsProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.save(t, "owner", "a", identity.NewVoicePrint{Label: "S0", Embedding: []float32{1, 0}})[0]
	profile, _ := f.store.CreateProfile(ctx, "owner", "Kai")
	_, err := f.store.AssignProfile(ctx, first.ID, profile.ID)
	require.NoError(t, err)

	again := f.save(t, "owner", "a", identity.NewVoicePrint{Label: "S0", Embedding: []float32{0, 1, 0}})
	require.Len(t, again, 1)
	require.Equal(t, first.ID, again[0].ID)
	require.Equal(t, profile.ID, again[0].ProfileID)
	require.Equal(t, []float32{0, 1, 0}, again[0].Embedding)
}

func TestDeleteSubjectCascadesCandidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.save(t, "owner", "a", identity.NewVoicePrint{Label: "S0", Embedding: []float32{1, 0}})[0]
	b := f.save(t, "owner", "b", identity.NewVoicePrint{Label: "S0", Embedding: []float32{0, 1}})[0]
	require.NoError(t, f.propose(t, "owner", a.ID, b.ID, 0.7))

	tx, err := f.jobs.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, f.store.DeleteSubject("owner", "a")(ctx, tx))
	require.NoError(t, tx.Commit())

	candidates, err := f.store.ListCandidates(ctx, "owner", "")
	require.NoError(t, err)
	require.Empty(t, candidates)
	remaining, err := f.store.ListVoicePrints(ctx, "owner")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, b.ID, remaining[0].ID)
}

func TestSaveVoicePrintsDropsLabelsNoLongerProduced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.save(t, "owner", "a",
		identity.NewVoicePrint{Label: "S0", Embedding: []float32{1, 0}},
		identity.NewVoicePrint{Label: "S1", Embedding: []float32{0, 1}},
	)
	other := f.save(t, "owner", "b", identity.NewVoicePrint{Label: "S1", Embedding: []float32{0, 1}})[0]
	require.NoError(t, f.propose(t, "owner", byLabel(first, "S1").ID, other.ID, 0.7))

	again := f.save(t, "owner", "a", identity.NewVoicePrint{Label: "S0", Embedding: []float32{1, 0}})
	require.Len(t, again, 1)
	require.Equal(t, byLabel(first, "S0").ID, again[0].ID)

	_, err := f.store.VoicePrint(ctx, byLabel(first, "S1").ID)
	require.ErrorIs(t, err, identity.ErrNotFound)
	candidates, err := f.store.ListCandidates(ctx, "owner", "")
	require.NoError(t, err)
	require.Empty(t, candidates)

	untouched, err := f.store.ListSubjectPrints(ctx, "owner", "b")
	require.NoError(t, err)
	require.Len(t, untouched, 1)
}

func TestSharedPlannedProfileFollowsLaterAssignment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	earlier := f.save(t, "owner", "f0", identity.NewVoicePrint{Label: "S0", Embedding: []float32{1, 0, 0, 0}})[0]
	fresh := f.save(t, "owner", "f1",
		identity.NewVoicePrint{Label: "S0", Embedding: along(0.95, 1)},
		identity.NewVoicePrint{Label: "S1", Embedding: along(0.93, 2)},
	)

	plan, err := f.matcher.Plan(ctx, "owner", "f1")
	require.NoError(t, err)
	require.Len(t, plan.Links, 2)
	require.True(t, plan.Links[0].NewProfile)
	require.True(t, plan.Links[1].SharedProfile)
	require.Equal(t, plan.Links[0].ProfileID, plan.Links[1].ProfileID)

	// An operator claims the matched print before the plan is committed.
	manual, err := f.store.CreateProfile(ctx, "owner", "Robin")
	require.NoError(t, err)
	_, err = f.store.AssignProfile(ctx, earlier.ID, manual.ID)
	require.NoError(t, err)

	require.NoError(t, f.commit(t, "owner", "f1", plan))

	for _, vp := range fresh {
		linked, err := f.store.VoicePrint(ctx, vp.ID)
		require.NoError(t, err)
		require.Equal(t, manual.ID, linked.ProfileID, vp.Label)
	}
	_, err = f.store.Profile(ctx, plan.Links[0].ProfileID)
	require.ErrorIs(t, err, identity.ErrNotFound)
}
