package workflow_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diarist/internal/identity"
	"diarist/internal/jobs"
	"diarist/internal/services"
	"diarist/internal/services/inference"
	"diarist/internal/services/objectstore"
	"diarist/internal/testsupport"
	"diarist/internal/workflow"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// pastProcessing moves beyond the default TRANSCRIBE processing timeout.
const pastProcessing = 2*time.Hour + time.Minute

func TestNewRecordingAutoLinksToExistingProfile(t *testing.T) {
	runner := inference.RunnerFunc(func(ctx context.Context, req inference.Request) (inference.Result, error) {
		if req.Kind != string(jobs.KindTranscribe) {
			return inference.Result{}, services.Wrap(services.ErrPermanent, "test", "run", "unexpected kind", nil)
		}
		// Long enough for two heartbeats at the one second test interval.
		select {
		case <-ctx.Done():
			return inference.Result{}, ctx.Err()
		case <-time.After(2200 * time.Millisecond):
		}
		return inference.Result{
			Transcript: "good morning everyone",
			Language:   "en",
			Speakers:   []inference.Speaker{{Label: "SPEAKER_00", Embedding: along(0.92)}},
		}, nil
	})
	h := newHarness(t, runner, nil)
	ctx := context.Background()

	v1 := h.savePrints(t, "rec-1", identity.NewVoicePrint{Label: "SPEAKER_00", Embedding: along(1)})[0]
	p1, err := h.identity.CreateProfile(ctx, owner, "P1")
	require.NoError(t, err)
	_, err = h.identity.AssignProfile(ctx, v1.ID, p1.ID)
	require.NoError(t, err)
	_, err = h.artifacts.Put(ctx, "rec-2", []byte("pcm audio"))
	require.NoError(t, err)

	sub, err := h.engine.Subscribe(owner)
	require.NoError(t, err)
	defer sub.Close()

	job, err := h.engine.Dispatch(ctx, jobs.DispatchRequest{OwnerID: owner, SubjectID: "rec-2", Kind: jobs.KindTranscribe})
	require.NoError(t, err)
	require.NoError(t, h.engine.Start(ctx))

	h.waitFor(t, "rec-2", jobs.KindMatch, jobs.StatusCompleted, 15*time.Second)

	status, err := h.engine.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusCompleted, status.Job.Status)
	require.NotEmpty(t, status.Job.ResultRef)
	// dispatch, claim, two heartbeats, complete
	require.GreaterOrEqual(t, status.Job.Version, int64(5))
	require.Len(t, status.Attempts, 1)

	prints, err := h.identity.ListSubjectPrints(ctx, owner, "rec-2")
	require.NoError(t, err)
	require.Len(t, prints, 1)
	require.Equal(t, p1.ID, prints[0].ProfileID)

	candidates, err := h.identity.ListCandidates(ctx, owner, identity.CandidatePending)
	require.NoError(t, err)
	require.Empty(t, candidates)

	var seen []jobs.Status
	deadline := time.After(2 * time.Second)
collect:
	for {
		select {
		case ev := <-sub.Events():
			if ev.JobID == job.ID {
				seen = append(seen, ev.Status)
			}
			if ev.Status == jobs.StatusCompleted && ev.JobID == job.ID {
				break collect
			}
		case <-deadline:
			break collect
		}
	}
	assert.Equal(t, []jobs.Status{jobs.StatusPending, jobs.StatusProcessing, jobs.StatusCompleted}, seen)
}

func TestKilledWorkerJobReturnsToPending(t *testing.T) {
	clock := testsupport.NewFakeClock(epoch)
	h := newHarness(t, nil, clock)
	ctx := context.Background()

	job := testsupport.MustDispatch(t, h.store, owner, "rec-1", jobs.KindTranscribe)
	h.claimDead(t, job.ID)
	clock.Advance(pastProcessing)

	report, err := h.engine.ScanOnce(ctx)
	require.NoError(t, err)
	decision, ok := findDecision(report.Stuck, job.ID)
	require.True(t, ok)
	require.Equal(t, workflow.ActionRequeued, decision.Action)
	require.Equal(t, workflow.ReasonProcessingTimeout, decision.Reason)

	current := h.get(t, job.ID)
	require.Equal(t, jobs.StatusPending, current.Status)
	require.Equal(t, 1, current.RetryCount)
	require.Empty(t, current.WorkerHandle)
}

func TestRetryCeilingOrphansAfterRepeatedStalls(t *testing.T) {
	clock := testsupport.NewFakeClock(epoch)
	h := newHarness(t, nil, clock, testsupport.WithMaxRetries(2))
	ctx := context.Background()

	job := testsupport.MustDispatch(t, h.store, owner, "rec-1", jobs.KindTranscribe)
	for want := 1; want <= 2; want++ {
		h.claimDead(t, job.ID)
		clock.Advance(pastProcessing)
		_, err := h.engine.ScanOnce(ctx)
		require.NoError(t, err)
		current := h.get(t, job.ID)
		require.Equal(t, jobs.StatusPending, current.Status)
		require.Equal(t, want, current.RetryCount)
	}

	h.claimDead(t, job.ID)
	clock.Advance(pastProcessing)
	report, err := h.engine.ScanOnce(ctx)
	require.NoError(t, err)
	decision, ok := findDecision(report.Stuck, job.ID)
	require.True(t, ok)
	require.Equal(t, workflow.ActionOrphaned, decision.Action)

	orphan := h.get(t, job.ID)
	require.Equal(t, jobs.StatusOrphaned, orphan.Status)
	require.Equal(t, 2, orphan.RetryCount)
	require.NotNil(t, orphan.OrphanedAt)
	require.False(t, orphan.ForceDeleteEligible)

	// Orphans wait out the grace period before deletion is allowed.
	clock.Advance(h.cfg.OrphanGrace() + time.Second)
	report, err = h.engine.ScanOnce(ctx)
	require.NoError(t, err)
	_, ok = findDecision(report.Released, job.ID)
	require.True(t, ok)
	require.True(t, h.get(t, job.ID).ForceDeleteEligible)

	decisions := h.engine.EmergencyRecovery(ctx, []string{job.ID})
	require.Len(t, decisions, 1)
	require.NoError(t, decisions[0].Err)
	require.Equal(t, workflow.ActionRevived, decisions[0].Action)
	revived := h.get(t, job.ID)
	require.Equal(t, jobs.StatusPending, revived.Status)
	require.Equal(t, 3, revived.RetryCount)
	require.False(t, revived.ForceDeleteEligible)

	decisions = h.engine.EmergencyRecovery(ctx, []string{job.ID, "missing"})
	require.Len(t, decisions, 2)
	require.ErrorIs(t, decisions[0].Err, jobs.ErrNotRecoverable)
	require.ErrorIs(t, decisions[1].Err, jobs.ErrNotFound)
}

func TestLiveExecutorIsNotReclaimed(t *testing.T) {
	clock := testsupport.NewFakeClock(epoch)
	h := newHarness(t, nil, clock)
	ctx := context.Background()

	job := testsupport.MustDispatch(t, h.store, owner, "rec-1", jobs.KindTranscribe)
	claimed := h.claimAlive(t, job.ID)
	clock.Advance(pastProcessing)

	stuck, err := h.engine.ListStuck(ctx, owner)
	require.NoError(t, err)
	require.Empty(t, stuck)

	report, err := h.engine.ScanOnce(ctx)
	require.NoError(t, err)
	require.Empty(t, report.Stuck)
	require.Equal(t, jobs.StatusProcessing, h.get(t, job.ID).Status)

	done, err := h.store.Complete(ctx, job.ID, claimed.ClaimToken, "ref")
	require.NoError(t, err)
	require.Equal(t, jobs.StatusCompleted, done.Status)
	require.Equal(t, 0, done.RetryCount)
}

func TestSilentLiveExecutorIsEventuallyUnresponsive(t *testing.T) {
	clock := testsupport.NewFakeClock(epoch)
	h := newHarness(t, nil, clock)
	ctx := context.Background()

	job := testsupport.MustDispatch(t, h.store, owner, "rec-1", jobs.KindTranscribe)
	claimed := h.claimAlive(t, job.ID)
	processing, _ := h.cfg.KindTimeouts(string(jobs.KindTranscribe))
	clock.Advance(time.Duration(h.cfg.Recovery.HungFactor)*processing + time.Minute)

	report, err := h.engine.ScanOnce(ctx)
	require.NoError(t, err)
	decision, ok := findDecision(report.Stuck, job.ID)
	require.True(t, ok)
	require.Equal(t, workflow.ReasonUnresponsive, decision.Reason)
	require.Equal(t, workflow.ActionRequeued, decision.Action)

	// The old executor learns it lost the job and cannot finish it.
	directive, err := h.store.Heartbeat(ctx, job.ID, claimed.ClaimToken, 0.5)
	require.NoError(t, err)
	require.Equal(t, jobs.DirectiveStop, directive)
	_, err = h.store.Complete(ctx, job.ID, claimed.ClaimToken, "ref")
	require.ErrorIs(t, err, jobs.ErrClaimLost)
}

func TestQueueTimeoutRequeuesPendingJob(t *testing.T) {
	clock := testsupport.NewFakeClock(epoch)
	h := newHarness(t, nil, clock)
	ctx := context.Background()

	job := testsupport.MustDispatch(t, h.store, owner, "rec-1", jobs.KindSummarize)
	_, queue := h.cfg.KindTimeouts(string(jobs.KindSummarize))
	clock.Advance(queue + time.Second)

	report, err := h.engine.ScanOnce(ctx)
	require.NoError(t, err)
	decision, ok := findDecision(report.Stuck, job.ID)
	require.True(t, ok)
	require.Equal(t, workflow.ReasonQueueTimeout, decision.Reason)

	current := h.get(t, job.ID)
	require.Equal(t, jobs.StatusPending, current.Status)
	require.Equal(t, 1, current.RetryCount)
	require.True(t, current.QueuedAt.Equal(clock.Now()), "queued_at %v", current.QueuedAt)
}

func TestStuckJobWithCancellationIsCancelled(t *testing.T) {
	clock := testsupport.NewFakeClock(epoch)
	h := newHarness(t, nil, clock)
	ctx := context.Background()

	job := testsupport.MustDispatch(t, h.store, owner, "rec-1", jobs.KindTranscribe)
	h.claimDead(t, job.ID)
	_, err := h.engine.RequestCancellation(ctx, job.ID)
	require.NoError(t, err)
	clock.Advance(pastProcessing)

	report, err := h.engine.ScanOnce(ctx)
	require.NoError(t, err)
	decision, ok := findDecision(report.Stuck, job.ID)
	require.True(t, ok)
	require.Equal(t, workflow.ActionCancelled, decision.Action)
	require.Equal(t, jobs.StatusCancelled, h.get(t, job.ID).Status)
}

func TestTransientFailureIsRetriedAsSuccessor(t *testing.T) {
	clock := testsupport.NewFakeClock(epoch)
	h := newHarness(t, nil, clock)
	ctx := context.Background()

	job := testsupport.MustDispatch(t, h.store, owner, "rec-1", jobs.KindTranscribe)
	claimed := h.claimDead(t, job.ID)
	_, err := h.store.Fail(ctx, job.ID, claimed.ClaimToken, "model server returned 503", jobs.ErrorKindTransient)
	require.NoError(t, err)

	permanent := testsupport.MustDispatch(t, h.store, owner, "rec-2", jobs.KindTranscribe)
	claimedPermanent := h.claimDead(t, permanent.ID)
	_, err = h.store.Fail(ctx, permanent.ID, claimedPermanent.ClaimToken, "corrupt media", jobs.ErrorKindPermanent)
	require.NoError(t, err)

	report, err := h.engine.ScanOnce(ctx)
	require.NoError(t, err)
	require.Len(t, report.Retried, 1)
	decision := report.Retried[0]
	require.Equal(t, job.ID, decision.JobID)
	require.Equal(t, workflow.ActionRetried, decision.Action)

	status, err := h.engine.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusError, status.Job.Status)
	require.NotNil(t, status.Successor)
	require.Equal(t, job.ID, status.Successor.RetryOf)
	require.Equal(t, 1, status.Successor.RetryCount)
	require.Equal(t, jobs.StatusPending, status.Successor.Status)

	report, err = h.engine.ScanOnce(ctx)
	require.NoError(t, err)
	require.Empty(t, report.Retried)

	permanentStatus, err := h.engine.GetStatus(ctx, permanent.ID)
	require.NoError(t, err)
	require.Nil(t, permanentStatus.Successor)
}

func TestExhaustedFailureIsOrphaned(t *testing.T) {
	clock := testsupport.NewFakeClock(epoch)
	h := newHarness(t, nil, clock)
	ctx := context.Background()

	job, err := h.store.Dispatch(ctx, jobs.DispatchRequest{OwnerID: owner, SubjectID: "rec-1", Kind: jobs.KindTranscribe, MaxRetries: 1, RetryCount: 1})
	require.NoError(t, err)
	claimed := h.claimDead(t, job.ID)
	_, err = h.store.Fail(ctx, job.ID, claimed.ClaimToken, "lock directory unavailable", jobs.ErrorKindInfrastructure)
	require.NoError(t, err)

	report, err := h.engine.ScanOnce(ctx)
	require.NoError(t, err)
	require.Len(t, report.Retried, 1)
	require.Equal(t, workflow.ActionOrphaned, report.Retried[0].Action)

	orphan := h.get(t, job.ID)
	require.Equal(t, jobs.StatusOrphaned, orphan.Status)
	require.Equal(t, jobs.ErrorKindInfrastructure, orphan.ErrorKind)
	require.Equal(t, "lock directory unavailable", orphan.ErrorMessage)

	stuck, err := h.engine.ListStuck(ctx, owner)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	require.Equal(t, string(jobs.StatusOrphaned), stuck[0].Reason)
}

func TestListStuckIsScopedToOwnerAndReadOnly(t *testing.T) {
	clock := testsupport.NewFakeClock(epoch)
	h := newHarness(t, nil, clock)
	ctx := context.Background()

	mine := testsupport.MustDispatch(t, h.store, owner, "rec-1", jobs.KindTranscribe)
	theirs := testsupport.MustDispatch(t, h.store, "owner-2", "rec-9", jobs.KindTranscribe)
	h.claimDead(t, mine.ID)
	h.claimDead(t, theirs.ID)
	clock.Advance(pastProcessing)

	stuck, err := h.engine.ListStuck(ctx, owner)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	require.Equal(t, mine.ID, stuck[0].Job.ID)
	require.Equal(t, workflow.ReasonProcessingTimeout, stuck[0].Reason)
	require.False(t, stuck[0].Alive)

	require.Equal(t, jobs.StatusProcessing, h.get(t, mine.ID).Status)
}

func TestDispatchReturnsActiveJob(t *testing.T) {
	h := newHarness(t, nil, testsupport.NewFakeClock(epoch))
	ctx := context.Background()
	req := jobs.DispatchRequest{OwnerID: owner, SubjectID: "rec-1", Kind: jobs.KindTranscribe}

	first, err := h.engine.Dispatch(ctx, req)
	require.NoError(t, err)
	second, err := h.engine.Dispatch(ctx, req)
	require.ErrorIs(t, err, jobs.ErrAlreadyActive)
	require.Equal(t, first.ID, second.ID)
}

func TestPurgeSubjectRemovesJobsPrintsAndArtifacts(t *testing.T) {
	h := newHarness(t, nil, testsupport.NewFakeClock(epoch))
	ctx := context.Background()

	h.savePrints(t, "rec-1", identity.NewVoicePrint{Label: "SPEAKER_00", Embedding: along(1)})
	ref := objectstore.ResultRef(owner, "rec-1", string(jobs.KindTranscribe), "transcribe-1")
	_, err := h.artifacts.Put(ctx, ref, []byte(`{"transcript":"hi"}`))
	require.NoError(t, err)
	job := testsupport.MustDispatch(t, h.store, owner, "rec-1", jobs.KindSummarize)
	h.claimAlive(t, job.ID)

	_, err = h.engine.PurgeSubject(ctx, owner, "rec-1")
	require.ErrorIs(t, err, jobs.ErrSubjectBusy)

	_, err = h.store.SetForceDeleteEligible(ctx, job.ID)
	require.NoError(t, err)
	deleted, err := h.engine.PurgeSubject(ctx, owner, "rec-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	prints, err := h.identity.ListSubjectPrints(ctx, owner, "rec-1")
	require.NoError(t, err)
	require.Empty(t, prints)
	_, err = h.artifacts.Fetch(ctx, ref)
	require.True(t, errors.Is(err, services.ErrNotFound), "artifact should be gone, got %v", err)
}

func TestSummarizeWithoutTranscriptFailsPermanently(t *testing.T) {
	runner := inference.RunnerFunc(func(context.Context, inference.Request) (inference.Result, error) {
		return inference.Result{Summary: "unused"}, nil
	})
	h := newHarness(t, runner, nil)
	ctx := context.Background()

	job, err := h.engine.Dispatch(ctx, jobs.DispatchRequest{OwnerID: owner, SubjectID: "rec-1", Kind: jobs.KindSummarize})
	require.NoError(t, err)
	require.NoError(t, h.engine.Start(ctx))

	failed := h.waitFor(t, "rec-1", jobs.KindSummarize, jobs.StatusError, 5*time.Second)
	require.Equal(t, job.ID, failed.ID)
	require.Equal(t, jobs.ErrorKindPermanent, failed.ErrorKind)

	report, err := h.engine.ScanOnce(ctx)
	require.NoError(t, err)
	require.Empty(t, report.Retried)
}
