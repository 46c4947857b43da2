package workflow_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"diarist/internal/config"
	"diarist/internal/identity"
	"diarist/internal/jobs"
	"diarist/internal/logging"
	"diarist/internal/notifications"
	"diarist/internal/services/inference"
	"diarist/internal/services/objectstore"
	"diarist/internal/substrate"
	"diarist/internal/testsupport"
	"diarist/internal/workflow"
)

const owner = "owner-1"

type harness struct {
	cfg       *config.Config
	clock     *testsupport.FakeClock
	store     *jobs.Store
	identity  *identity.Store
	artifacts *objectstore.Filesystem
	leases    *substrate.Registry
	hub       *notifications.Hub
	engine    *workflow.Engine
}

// newHarness builds an engine over a fresh database. A nil clock runs on real
// time.
func newHarness(t *testing.T, runner inference.Runner, clock *testsupport.FakeClock, opts ...testsupport.ConfigOption) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)

	var storeOpts []jobs.Option
	now := time.Now
	if clock != nil {
		storeOpts = append(storeOpts, jobs.WithClock(clock.Now))
		now = clock.Now
	}
	store := testsupport.MustOpenStore(t, cfg, storeOpts...)
	artifacts, err := objectstore.NewFilesystem(cfg.Paths.ObjectRoot)
	require.NoError(t, err)
	leases, err := substrate.NewRegistry(cfg.Paths.LockDir)
	require.NoError(t, err)
	hub := notifications.NewHub(cfg.Notifications, logging.NewNop())
	t.Cleanup(hub.Close)

	h := &harness{
		cfg:       cfg,
		clock:     clock,
		store:     store,
		identity:  identity.NewStore(store.DB(), now),
		artifacts: artifacts,
		leases:    leases,
		hub:       hub,
	}
	h.engine, err = workflow.NewEngine(cfg, workflow.Deps{
		Store:     store,
		Identity:  h.identity,
		Artifacts: artifacts,
		Runner:    runner,
		Leases:    leases,
		Hub:       hub,
		Logger:    logging.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(h.engine.Stop)
	return h
}

// claimDead claims a job the way a worker does and then loses the worker, so
// the substrate reports it dead.
func (h *harness) claimDead(t *testing.T, id string) *jobs.Job {
	t.Helper()
	lease, err := h.leases.Acquire(id)
	require.NoError(t, err)
	claimed, err := h.store.Claim(context.Background(), id, lease.Handle())
	require.NoError(t, err)
	require.NoError(t, lease.Release())
	return claimed
}

// claimAlive claims a job whose executor keeps its lease until the test ends.
func (h *harness) claimAlive(t *testing.T, id string) *jobs.Job {
	t.Helper()
	lease, err := h.leases.Acquire(id)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lease.Release() })
	claimed, err := h.store.Claim(context.Background(), id, lease.Handle())
	require.NoError(t, err)
	return claimed
}

func (h *harness) get(t *testing.T, id string) *jobs.Job {
	t.Helper()
	job, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (h *harness) savePrints(t *testing.T, subject string, prints ...identity.NewVoicePrint) []identity.VoicePrint {
	t.Helper()
	ctx := context.Background()
	tx, err := h.store.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, h.identity.SaveVoicePrints(owner, subject, "", prints)(ctx, tx))
	require.NoError(t, tx.Commit())
	saved, err := h.identity.ListSubjectPrints(ctx, owner, subject)
	require.NoError(t, err)
	return saved
}

// waitFor polls until the subject has a job of the kind in the status.
func (h *harness) waitFor(t *testing.T, subject string, kind jobs.Kind, status jobs.Status, timeout time.Duration) *jobs.Job {
	t.Helper()
	var found *jobs.Job
	require.Eventually(t, func() bool {
		list, err := h.store.ListByOwner(context.Background(), owner, status)
		if err != nil {
			return false
		}
		for _, job := range list {
			if job.SubjectID == subject && job.Kind == kind {
				found = job
				return true
			}
		}
		return false
	}, timeout, 20*time.Millisecond)
	return found
}

// along returns a unit vector whose cosine with the x axis equals score.
func along(score float64) []float32 {
	return []float32{float32(score), float32(math.Sqrt(1 - score*score))}
}

func findDecision(decisions []workflow.Decision, jobID string) (workflow.Decision, bool) {
	for _, d := range decisions {
		if d.JobID == jobID {
			return d, true
		}
	}
	return workflow.Decision{}, false
}
