package testsupport

import (
	"context"
	"testing"

	"diarist/internal/config"
	"diarist/internal/jobs"
)

// MustOpenStore opens a jobs.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config, opts ...jobs.Option) *jobs.Store {
	t.Helper()

	store, err := jobs.Open(cfg, opts...)
	if err != nil {
		t.Fatalf("jobs.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// MustDispatch enqueues a job for tests.
func MustDispatch(t testing.TB, store *jobs.Store, owner, subject string, kind jobs.Kind) *jobs.Job {
	t.Helper()

	job, err := store.Dispatch(context.Background(), jobs.DispatchRequest{OwnerID: owner, SubjectID: subject, Kind: kind})
	if err != nil {
		t.Fatalf("store.Dispatch: %v", err)
	}
	return job
}

// MustClaim claims a job for tests.
func MustClaim(t testing.TB, store *jobs.Store, id, worker string) *jobs.Job {
	t.Helper()

	job, err := store.Claim(context.Background(), id, worker)
	if err != nil {
		t.Fatalf("store.Claim: %v", err)
	}
	return job
}
