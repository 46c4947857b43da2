package jobs_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"diarist/internal/jobs"
	"diarist/internal/testsupport"
)

func newStore(t *testing.T, opts ...testsupport.ConfigOption) (*jobs.Store, *testsupport.FakeClock) {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	clock := testsupport.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return testsupport.MustOpenStore(t, cfg, jobs.WithClock(clock.Now)), clock
}

func TestOpenAppliesMigrations(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	job := testsupport.MustDispatch(t, store, "owner-1", "f1", jobs.KindTranscribe)
	if job.ID == "" {
		t.Fatal("expected job ID to be assigned")
	}
	if job.Status != jobs.StatusPending || job.MaxRetries != 3 || job.Version != 1 {
		t.Fatalf("unexpected dispatched job: %#v", job)
	}

	fetched, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if fetched.SubjectID != "f1" || fetched.Kind != jobs.KindTranscribe {
		t.Fatalf("unexpected fetched job: %#v", fetched)
	}

	health, err := store.CheckHealth(ctx)
	if err != nil {
		t.Fatalf("CheckHealth failed: %v", err)
	}
	if !health.Healthy || len(health.Migrations) != 2 || health.TotalJobs != 1 {
		t.Fatalf("unexpected health: %#v", health)
	}
}

func TestGetMissingJob(t *testing.T) {
	store, _ := newStore(t)
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDispatchReturnsExistingActiveJob(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	first := testsupport.MustDispatch(t, store, "owner-1", "f1", jobs.KindTranscribe)
	second, err := store.Dispatch(ctx, jobs.DispatchRequest{OwnerID: "owner-1", SubjectID: "f1", Kind: jobs.KindTranscribe})
	if !errors.Is(err, jobs.ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}
	if second == nil || second.ID != first.ID {
		t.Fatalf("expected existing job %s, got %#v", first.ID, second)
	}

	other, err := store.Dispatch(ctx, jobs.DispatchRequest{OwnerID: "owner-1", SubjectID: "f1", Kind: jobs.KindSummarize})
	if err != nil {
		t.Fatalf("different kind should dispatch: %v", err)
	}
	if other.ID == first.ID {
		t.Fatal("expected a distinct job for a different kind")
	}
}

func TestDispatchRejectsBadRequests(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	cases := []jobs.DispatchRequest{
		{OwnerID: "", SubjectID: "f1", Kind: jobs.KindTranscribe},
		{OwnerID: "o", SubjectID: " ", Kind: jobs.KindTranscribe},
		{OwnerID: "o", SubjectID: "f1", Kind: "RENDER"},
	}
	for i, req := range cases {
		if _, err := store.Dispatch(ctx, req); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestConcurrentDispatchKeepsOneActiveJob(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	const (
		subjects = 4
		callers  = 12
	)
	var wg sync.WaitGroup
	ids := make([][]string, subjects)
	var mu sync.Mutex
	errs := make(chan error, subjects*callers)
	for s := 0; s < subjects; s++ {
		for c := 0; c < callers; c++ {
			wg.Add(1)
			go func(subject int) {
				defer wg.Done()
				job, err := store.Dispatch(ctx, jobs.DispatchRequest{
					OwnerID:   "owner",
					SubjectID: fmt.Sprintf("subject-%d", subject),
					Kind:      jobs.KindTranscribe,
				})
				if err != nil && !errors.Is(err, jobs.ErrAlreadyActive) {
					errs <- err
					return
				}
				mu.Lock()
				ids[subject] = append(ids[subject], job.ID)
				mu.Unlock()
			}(s)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("unexpected dispatch error: %v", err)
	}

	for s := 0; s < subjects; s++ {
		for _, id := range ids[s] {
			if id != ids[s][0] {
				t.Fatalf("subject %d resolved to multiple jobs: %v", s, ids[s])
			}
		}
	}
	active, err := store.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(active) != subjects {
		t.Fatalf("expected %d active jobs, got %d", subjects, len(active))
	}
}

func TestClaimRace(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	job := testsupport.MustDispatch(t, store, "owner", "f1", jobs.KindTranscribe)

	claimed, err := store.Claim(ctx, job.ID, "worker-a")
	if err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	if claimed.Status != jobs.StatusProcessing || claimed.ClaimToken == "" || claimed.StartedAt == nil || claimed.LastUpdateAt == nil {
		t.Fatalf("unexpected claimed job: %#v", claimed)
	}
	if _, err := store.Claim(ctx, job.ID, "worker-b"); !errors.Is(err, jobs.ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
	}
	if _, err := store.Claim(ctx, "missing", "worker-b"); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHeartbeatDirectives(t *testing.T) {
	store, clock := newStore(t)
	ctx := context.Background()
	job := testsupport.MustDispatch(t, store, "owner", "f1", jobs.KindTranscribe)
	claimed := testsupport.MustClaim(t, store, job.ID, "worker-a")

	clock.Advance(10 * time.Second)
	directive, err := store.Heartbeat(ctx, job.ID, claimed.ClaimToken, 0.4)
	if err != nil || directive != jobs.DirectiveContinue {
		t.Fatalf("expected continue, got %v %v", directive, err)
	}
	current, _ := store.Get(ctx, job.ID)
	if current.Progress != 0.4 || !current.LastUpdateAt.Equal(clock.Now()) {
		t.Fatalf("heartbeat not recorded: %#v", current)
	}

	if _, err := store.Heartbeat(ctx, job.ID, claimed.ClaimToken, -1); err != nil {
		t.Fatalf("heartbeat without progress failed: %v", err)
	}
	current, _ = store.Get(ctx, job.ID)
	if current.Progress != 0.4 {
		t.Fatalf("negative progress must keep previous value, got %v", current.Progress)
	}

	if _, err := store.RequestCancellation(ctx, job.ID); err != nil {
		t.Fatalf("RequestCancellation failed: %v", err)
	}
	directive, err = store.Heartbeat(ctx, job.ID, claimed.ClaimToken, 0.5)
	if err != nil || directive != jobs.DirectiveCancel {
		t.Fatalf("expected cancel directive, got %v %v", directive, err)
	}

	directive, err = store.Heartbeat(ctx, job.ID, "stale-token", 0.5)
	if err != nil || directive != jobs.DirectiveStop {
		t.Fatalf("expected stop for foreign token, got %v %v", directive, err)
	}
	if _, err := store.Heartbeat(ctx, "missing", "x", 0); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	job := testsupport.MustDispatch(t, store, "owner", "f1", jobs.KindTranscribe)
	claimed := testsupport.MustClaim(t, store, job.ID, "worker-a")

	done, err := store.Complete(ctx, job.ID, claimed.ClaimToken, "sha256:abc")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if done.Status != jobs.StatusCompleted || done.CompletedAt == nil || done.Progress != 1 {
		t.Fatalf("unexpected completed job: %#v", done)
	}

	again, err := store.Complete(ctx, job.ID, claimed.ClaimToken, "sha256:abc")
	if err != nil {
		t.Fatalf("repeat Complete should be a no-op, got %v", err)
	}
	if again.Version != done.Version {
		t.Fatalf("repeat Complete changed state: version %d -> %d", done.Version, again.Version)
	}

	if _, err := store.Complete(ctx, job.ID, claimed.ClaimToken, "sha256:other"); !errors.Is(err, jobs.ErrConflictingOutcome) {
		t.Fatalf("expected ErrConflictingOutcome for different result, got %v", err)
	}
	if _, err := store.Fail(ctx, job.ID, claimed.ClaimToken, "boom", jobs.ErrorKindTransient); !errors.Is(err, jobs.ErrConflictingOutcome) {
		t.Fatalf("expected ErrConflictingOutcome for Fail after Complete, got %v", err)
	}
}

func TestFailIsIdempotent(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	job := testsupport.MustDispatch(t, store, "owner", "f1", jobs.KindSummarize)
	claimed := testsupport.MustClaim(t, store, job.ID, "worker-a")

	failed, err := store.Fail(ctx, job.ID, claimed.ClaimToken, "unsupported format", jobs.ErrorKindPermanent)
	if err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if failed.Status != jobs.StatusError || failed.ErrorKind != jobs.ErrorKindPermanent {
		t.Fatalf("unexpected failed job: %#v", failed)
	}
	if _, err := store.Fail(ctx, job.ID, claimed.ClaimToken, "unsupported format", jobs.ErrorKindPermanent); err != nil {
		t.Fatalf("repeat Fail should be a no-op, got %v", err)
	}
	if _, err := store.Complete(ctx, job.ID, claimed.ClaimToken, "late"); !errors.Is(err, jobs.ErrConflictingOutcome) {
		t.Fatalf("expected ErrConflictingOutcome, got %v", err)
	}
}

func TestCompleteWriterFailureRollsBack(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	job := testsupport.MustDispatch(t, store, "owner", "f1", jobs.KindTranscribe)
	claimed := testsupport.MustClaim(t, store, job.ID, "worker-a")

	writeErr := errors.New("disk full")
	_, err := store.Complete(ctx, job.ID, claimed.ClaimToken, "ref", func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO speaker_profiles (id, owner_id, name, name_key, created_at) VALUES ('p1', 'owner', 'Ann', 'ann', 'now')`); err != nil {
			return err
		}
		return writeErr
	})
	if !errors.Is(err, writeErr) {
		t.Fatalf("expected writer error, got %v", err)
	}

	current, _ := store.Get(ctx, job.ID)
	if current.Status != jobs.StatusProcessing {
		t.Fatalf("expected job to remain processing, got %s", current.Status)
	}
	var profiles int
	if err := store.DB().QueryRowContext(ctx, `SELECT COUNT(1) FROM speaker_profiles`).Scan(&profiles); err != nil {
		t.Fatalf("count profiles: %v", err)
	}
	if profiles != 0 {
		t.Fatalf("expected writer rows rolled back, found %d", profiles)
	}
}

func TestZombieWorkerCannotFinishReclaimedJob(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	job := testsupport.MustDispatch(t, store, "owner", "f2", jobs.KindTranscribe)
	first := testsupport.MustClaim(t, store, job.ID, "worker-a")

	requeued, err := store.Requeue(ctx, job.ID, first.Version, "worker silent")
	if err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	if requeued.RetryCount != 1 || requeued.LastUpdateAt != nil || requeued.StartedAt != nil {
		t.Fatalf("unexpected requeued job: %#v", requeued)
	}
	second := testsupport.MustClaim(t, store, job.ID, "worker-b")

	if _, err := store.Complete(ctx, job.ID, first.ClaimToken, "zombie"); !errors.Is(err, jobs.ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost for zombie worker, got %v", err)
	}
	directive, err := store.Heartbeat(ctx, job.ID, first.ClaimToken, 0.9)
	if err != nil || directive != jobs.DirectiveStop {
		t.Fatalf("expected stop for zombie heartbeat, got %v %v", directive, err)
	}
	if _, err := store.Complete(ctx, job.ID, second.ClaimToken, "fresh"); err != nil {
		t.Fatalf("current owner should complete: %v", err)
	}
}

func TestRequeueLosesToHeartbeat(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	job := testsupport.MustDispatch(t, store, "owner", "f1", jobs.KindTranscribe)
	claimed := testsupport.MustClaim(t, store, job.ID, "worker-a")

	if _, err := store.Heartbeat(ctx, job.ID, claimed.ClaimToken, 0.1); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if _, err := store.Requeue(ctx, job.ID, claimed.Version, "stale read"); !errors.Is(err, jobs.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if _, err := store.Complete(ctx, job.ID, claimed.ClaimToken, "ok"); err != nil {
		t.Fatalf("worker should still complete: %v", err)
	}
	done, _ := store.Get(ctx, job.ID)
	if _, err := store.Requeue(ctx, job.ID, done.Version, "late"); !errors.Is(err, jobs.ErrNotRecoverable) {
		t.Fatalf("expected ErrNotRecoverable for terminal job, got %v", err)
	}
}

func TestOrphanReviveAndUniqueness(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	job := testsupport.MustDispatch(t, store, "owner", "f1", jobs.KindTranscribe)
	claimed := testsupport.MustClaim(t, store, job.ID, "worker-a")

	orphan, err := store.Orphan(ctx, job.ID, claimed.Version, "retries exhausted")
	if err != nil {
		t.Fatalf("Orphan failed: %v", err)
	}
	if orphan.Status != jobs.StatusOrphaned || orphan.OrphanedAt == nil || orphan.ErrorKind != jobs.ErrorKindInfrastructure {
		t.Fatalf("unexpected orphan: %#v", orphan)
	}

	replacement := testsupport.MustDispatch(t, store, "owner", "f1", jobs.KindTranscribe)
	if _, err := store.Revive(ctx, job.ID, orphan.Version, "operator"); !errors.Is(err, jobs.ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive while replacement is active, got %v", err)
	}

	replacementClaim := testsupport.MustClaim(t, store, replacement.ID, "worker-b")
	if _, err := store.Fail(ctx, replacement.ID, replacementClaim.ClaimToken, "bad input", jobs.ErrorKindPermanent); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	revived, err := store.Revive(ctx, job.ID, orphan.Version, "operator")
	if err != nil {
		t.Fatalf("Revive failed: %v", err)
	}
	if revived.Status != jobs.StatusPending || revived.RetryCount != orphan.RetryCount+1 || revived.OrphanedAt != nil {
		t.Fatalf("unexpected revived job: %#v", revived)
	}
}

func TestOrphanKeepsErrorKindOfFailedJob(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	job := testsupport.MustDispatch(t, store, "owner", "f1", jobs.KindSummarize)
	claimed := testsupport.MustClaim(t, store, job.ID, "worker-a")
	failed, err := store.Fail(ctx, job.ID, claimed.ClaimToken, "connection reset", jobs.ErrorKindTransient)
	if err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	orphan, err := store.Orphan(ctx, job.ID, failed.Version, "")
	if err != nil {
		t.Fatalf("Orphan failed: %v", err)
	}
	if orphan.ErrorKind != jobs.ErrorKindTransient || orphan.ErrorMessage != "connection reset" {
		t.Fatalf("expected original failure preserved, got %#v", orphan)
	}
}

func TestRequestCancellation(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	pending := testsupport.MustDispatch(t, store, "owner", "f1", jobs.KindTranscribe)
	flagged, err := store.RequestCancellation(ctx, pending.ID)
	if err != nil {
		t.Fatalf("RequestCancellation failed: %v", err)
	}
	if flagged.Status != jobs.StatusPending || !flagged.CancellationRequested {
		t.Fatalf("cancellation must only set the flag, got %#v", flagged)
	}

	claimed := testsupport.MustClaim(t, store, pending.ID, "worker-a")
	if _, err := store.BeginCancelling(ctx, pending.ID, claimed.ClaimToken); err != nil {
		t.Fatalf("BeginCancelling failed: %v", err)
	}
	cancelled, err := store.FinishCancelled(ctx, pending.ID, claimed.ClaimToken)
	if err != nil {
		t.Fatalf("FinishCancelled failed: %v", err)
	}
	if cancelled.Status != jobs.StatusCancelled || cancelled.ErrorMessage != "" {
		t.Fatalf("unexpected cancelled job: %#v", cancelled)
	}
	if _, err := store.RequestCancellation(ctx, pending.ID); !errors.Is(err, jobs.ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}
	if _, err := store.RequestCancellation(ctx, "missing"); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRequestCancellationCancelsOrphan(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	job := testsupport.MustDispatch(t, store, "owner", "f1", jobs.KindMatch)
	orphan, err := store.Orphan(ctx, job.ID, job.Version, "never picked up")
	if err != nil {
		t.Fatalf("Orphan failed: %v", err)
	}
	cancelled, err := store.RequestCancellation(ctx, orphan.ID)
	if err != nil {
		t.Fatalf("RequestCancellation failed: %v", err)
	}
	if cancelled.Status != jobs.StatusCancelled {
		t.Fatalf("expected orphan to be cancelled, got %s", cancelled.Status)
	}
}

func TestReclaimCancelledRequiresFlag(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	job := testsupport.MustDispatch(t, store, "owner", "f1", jobs.KindTranscribe)
	claimed := testsupport.MustClaim(t, store, job.ID, "worker-a")

	if _, err := store.ReclaimCancelled(ctx, job.ID, claimed.Version); !errors.Is(err, jobs.ErrNotRecoverable) {
		t.Fatalf("expected ErrNotRecoverable without a cancellation request, got %v", err)
	}
	flagged, _ := store.RequestCancellation(ctx, job.ID)
	reclaimed, err := store.ReclaimCancelled(ctx, job.ID, flagged.Version)
	if err != nil {
		t.Fatalf("ReclaimCancelled failed: %v", err)
	}
	if reclaimed.Status != jobs.StatusCancelled {
		t.Fatalf("unexpected status %s", reclaimed.Status)
	}
}

func TestAttemptHistory(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	job := testsupport.MustDispatch(t, store, "owner", "f1", jobs.KindTranscribe)

	claimed := testsupport.MustClaim(t, store, job.ID, "worker-a")
	requeued, err := store.Requeue(ctx, job.ID, claimed.Version, "worker lost")
	if err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	claimed = testsupport.MustClaim(t, store, requeued.ID, "worker-b")
	if _, err := store.Fail(ctx, job.ID, claimed.ClaimToken, "model crashed", jobs.ErrorKindTransient); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	attempts, err := store.Attempts(ctx, job.ID)
	if err != nil {
		t.Fatalf("Attempts failed: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %#v", attempts)
	}
	if attempts[0].Attempt != 1 || attempts[0].Outcome != "retried" || attempts[0].Message != "worker lost" {
		t.Fatalf("unexpected first attempt: %#v", attempts[0])
	}
	if attempts[1].Attempt != 2 || attempts[1].Outcome != "failed" {
		t.Fatalf("unexpected second attempt: %#v", attempts[1])
	}
}

func TestPurgeSubjectRequiresRelease(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	job := testsupport.MustDispatch(t, store, "owner", "f1", jobs.KindTranscribe)

	if _, err := store.PurgeSubject(ctx, "owner", "f1"); !errors.Is(err, jobs.ErrSubjectBusy) {
		t.Fatalf("expected ErrSubjectBusy, got %v", err)
	}
	if _, err := store.SetForceDeleteEligible(ctx, job.ID); err != nil {
		t.Fatalf("SetForceDeleteEligible failed: %v", err)
	}
	deleted, err := store.PurgeSubject(ctx, "owner", "f1")
	if err != nil {
		t.Fatalf("PurgeSubject failed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted job, got %d", deleted)
	}
	if _, err := store.Get(ctx, job.ID); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected job to be gone, got %v", err)
	}
}

func TestTransitionHookSeesEveryStatus(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	var (
		mu   sync.Mutex
		seen []jobs.Status
	)
	store.OnTransition(func(_ context.Context, job *jobs.Job) {
		mu.Lock()
		seen = append(seen, job.Status)
		mu.Unlock()
	})

	job := testsupport.MustDispatch(t, store, "owner", "f1", jobs.KindTranscribe)
	claimed := testsupport.MustClaim(t, store, job.ID, "worker-a")
	if _, err := store.Heartbeat(ctx, job.ID, claimed.ClaimToken, 0.5); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if _, err := store.Complete(ctx, job.ID, claimed.ClaimToken, "r"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []jobs.Status{jobs.StatusPending, jobs.StatusProcessing, jobs.StatusCompleted}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Fatalf("expected transitions %v, got %v", want, seen)
	}
}

func TestListUpdatedSinceAndStats(t *testing.T) {
	store, clock := newStore(t)
	ctx := context.Background()

	old := testsupport.MustDispatch(t, store, "owner", "f1", jobs.KindTranscribe)
	checkpoint := clock.Now()
	clock.Advance(time.Minute)
	fresh := testsupport.MustDispatch(t, store, "owner", "f2", jobs.KindTranscribe)
	testsupport.MustDispatch(t, store, "someone-else", "f3", jobs.KindTranscribe)

	updated, err := store.ListUpdatedSince(ctx, "owner", checkpoint)
	if err != nil {
		t.Fatalf("ListUpdatedSince failed: %v", err)
	}
	if len(updated) != 1 || updated[0].ID != fresh.ID {
		t.Fatalf("expected only %s, got %#v", fresh.ID, updated)
	}

	testsupport.MustClaim(t, store, old.ID, "worker")
	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats[jobs.StatusPending] != 2 || stats[jobs.StatusProcessing] != 1 {
		t.Fatalf("unexpected stats: %v", stats)
	}
}

func TestListUnresolvedFailures(t *testing.T) {
	store, clock := newStore(t)
	ctx := context.Background()

	transient := testsupport.MustDispatch(t, store, "owner-1", "f1", jobs.KindTranscribe)
	claimed := testsupport.MustClaim(t, store, transient.ID, "w1")
	if _, err := store.Fail(ctx, transient.ID, claimed.ClaimToken, "model timeout", jobs.ErrorKindTransient); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	permanent := testsupport.MustDispatch(t, store, "owner-1", "f2", jobs.KindTranscribe)
	claimed = testsupport.MustClaim(t, store, permanent.ID, "w1")
	if _, err := store.Fail(ctx, permanent.ID, claimed.ClaimToken, "corrupt media", jobs.ErrorKindPermanent); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	pending, err := store.ListUnresolvedFailures(ctx)
	if err != nil {
		t.Fatalf("ListUnresolvedFailures failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != transient.ID {
		t.Fatalf("expected only the transient failure, got %#v", pending)
	}

	clock.Advance(time.Second)
	retry, err := store.Dispatch(ctx, jobs.DispatchRequest{
		OwnerID: "owner-1", SubjectID: "f1", Kind: jobs.KindTranscribe,
		RetryOf: transient.ID, RetryCount: 1,
	})
	if err != nil {
		t.Fatalf("Dispatch retry failed: %v", err)
	}
	if retry.RetryCount != 1 || retry.RetryOf != transient.ID {
		t.Fatalf("unexpected retry job: %#v", retry)
	}
	successor, err := store.Successor(ctx, transient.ID)
	if err != nil || successor == nil || successor.ID != retry.ID {
		t.Fatalf("expected successor %s, got %#v (%v)", retry.ID, successor, err)
	}

	pending, err = store.ListUnresolvedFailures(ctx)
	if err != nil {
		t.Fatalf("ListUnresolvedFailures failed: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("retried failure should be resolved, got %#v", pending)
	}
}

func TestLatestCompletedFollowsNewestAttempt(t *testing.T) {
	store, clock := newStore(t)
	ctx := context.Background()

	if job, err := store.LatestCompleted(ctx, "owner", "f1", jobs.KindTranscribe); err != nil || job != nil {
		t.Fatalf("expected no completed job, got %v %v", job, err)
	}

	first := testsupport.MustDispatch(t, store, "owner", "f1", jobs.KindTranscribe)
	claimed := testsupport.MustClaim(t, store, first.ID, "worker-a")
	if _, err := store.Complete(ctx, first.ID, claimed.ClaimToken, "results/first.json#sha256:1"); err != nil {
		t.Fatalf("Complete first: %v", err)
	}
	clock.Advance(time.Minute)
	second := testsupport.MustDispatch(t, store, "owner", "f1", jobs.KindTranscribe)
	claimed = testsupport.MustClaim(t, store, second.ID, "worker-a")
	if _, err := store.Complete(ctx, second.ID, claimed.ClaimToken, "results/second.json#sha256:2"); err != nil {
		t.Fatalf("Complete second: %v", err)
	}
	clock.Advance(time.Minute)
	pending := testsupport.MustDispatch(t, store, "owner", "f1", jobs.KindTranscribe)

	latest, err := store.LatestCompleted(ctx, "owner", "f1", jobs.KindTranscribe)
	if err != nil {
		t.Fatalf("LatestCompleted: %v", err)
	}
	if latest == nil || latest.ID != second.ID || latest.ResultRef != "results/second.json#sha256:2" {
		t.Fatalf("expected second attempt, got %#v (pending %s)", latest, pending.ID)
	}
	if other, err := store.LatestCompleted(ctx, "someone-else", "f1", jobs.KindTranscribe); err != nil || other != nil {
		t.Fatalf("expected owner scoping, got %v %v", other, err)
	}
}
