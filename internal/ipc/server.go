package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"diarist/internal/daemon"
	"diarist/internal/identity"
	"diarist/internal/jobs"
	"diarist/internal/logging"
)

// serviceName prefixes every RPC method.
const serviceName = "Diarist"

// maxListWait caps how long a ListJobs call may be held open.
const maxListWait = time.Minute

// Server exposes daemon control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	daemon    *daemon.Daemon
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer configures the IPC server at the given socket path.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, logger *slog.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	rpcServer := rpc.NewServer()
	srv := &service{daemon: d, logger: logging.NewComponentLogger(logger, "ipc"), ctx: ctx}
	if err := rpcServer.RegisterName(serviceName, srv); err != nil {
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		path:      path,
		daemon:    d,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
	}, nil
}

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Warn("accept failed",
					logging.Error(err),
					logging.String(logging.FieldEventType, "ipc_accept_failed"),
					logging.String(logging.FieldImpact, "IPC clients may fail to connect"),
					logging.String(logging.FieldErrorHint, "check socket permissions and restart the daemon if needed"))
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

// Close stops the server and removes the socket file. Open client
// connections finish their in-flight call first.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		s.logger.Warn("failed to remove socket",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldEventType, "ipc_socket_cleanup_failed"),
			logging.String(logging.FieldImpact, "stale IPC socket may block future starts"),
			logging.String(logging.FieldErrorHint, "remove the socket file manually"))
	}
}

type service struct {
	daemon *daemon.Daemon
	logger *slog.Logger
	ctx    context.Context
}

func (s *service) Start(_ StartRequest, resp *StartResponse) error {
	if err := s.daemon.Start(s.ctx); err != nil {
		resp.Message = err.Error()
		return nil
	}
	resp.Started = true
	resp.Message = "daemon started"
	s.logger.Info("daemon started via IPC", logging.String(logging.FieldEventType, "daemon_start_ipc"))
	return nil
}

func (s *service) Stop(_ StopRequest, resp *StopResponse) error {
	s.daemon.Stop()
	resp.Stopped = true
	s.logger.Info("daemon stopped via IPC", logging.String(logging.FieldEventType, "daemon_stop_ipc"))
	return nil
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	status := s.daemon.Status(s.ctx)
	pool := status.Engine.Pool
	resp.Running = status.Running
	resp.PID = status.PID
	resp.StartedAt = status.StartedAt
	resp.LockPath = status.LockPath
	resp.DatabasePath = status.DatabasePath
	resp.MetricsAddr = status.MetricsAddr
	resp.InFlight = pool.InFlight
	resp.LastError = pool.LastError
	resp.LastScan = status.Engine.LastScan
	resp.ScanError = status.Engine.ScanError
	resp.Subscribers = status.Engine.Subscribers
	resp.JobStats = make(map[string]int, len(pool.JobStats))
	for k, v := range pool.JobStats {
		resp.JobStats[string(k)] = v
	}
	if len(pool.HandlerHealth) > 0 {
		kinds := make([]string, 0, len(pool.HandlerHealth))
		for kind := range pool.HandlerHealth {
			kinds = append(kinds, string(kind))
		}
		sort.Strings(kinds)
		for _, kind := range kinds {
			health := pool.HandlerHealth[jobs.Kind(kind)]
			resp.HandlerHealth = append(resp.HandlerHealth, HandlerHealth{Kind: kind, Ready: health.Ready, Detail: health.Detail})
		}
	}
	return nil
}

func (s *service) Dispatch(req DispatchRequest, resp *DispatchResponse) error {
	kind, err := jobs.ParseKind(req.Kind)
	if err != nil {
		return err
	}
	job, err := s.daemon.Engine().Dispatch(s.ctx, jobs.DispatchRequest{
		OwnerID:    req.OwnerID,
		SubjectID:  req.SubjectID,
		Kind:       kind,
		MaxRetries: req.MaxRetries,
		Params:     req.Params,
	})
	switch {
	case errors.Is(err, jobs.ErrAlreadyActive) && job != nil:
		resp.Existing = true
	case err != nil:
		return err
	}
	resp.Job = *job
	return nil
}

func (s *service) JobStatus(req JobStatusRequest, resp *JobStatusResponse) error {
	status, err := s.daemon.Engine().GetStatus(s.ctx, req.ID)
	if err != nil {
		return err
	}
	resp.Job = *status.Job
	resp.Attempts = status.Attempts
	resp.Successor = status.Successor
	return nil
}

func (s *service) Cancel(req CancelRequest, resp *CancelResponse) error {
	job, err := s.daemon.Engine().RequestCancellation(s.ctx, req.ID)
	if err != nil {
		return err
	}
	resp.Job = *job
	s.logger.Info("cancellation requested via IPC",
		logging.String(logging.FieldJobID, job.ID),
		logging.String(logging.FieldStatus, string(job.Status)),
		logging.String(logging.FieldEventType, "cancel_requested"))
	return nil
}

func (s *service) ListStuck(req ListStuckRequest, resp *ListStuckResponse) error {
	stuck, err := s.daemon.Engine().ListStuck(s.ctx, req.OwnerID)
	if err != nil {
		return err
	}
	resp.Jobs = make([]StuckJob, 0, len(stuck))
	for _, entry := range stuck {
		resp.Jobs = append(resp.Jobs, StuckJob{
			Job:        *entry.Job,
			Reason:     entry.Reason,
			AgeSeconds: entry.Age.Seconds(),
			Alive:      entry.Alive,
		})
	}
	return nil
}

func (s *service) Recover(req RecoverRequest, resp *RecoverResponse) error {
	if len(req.IDs) == 0 {
		return errors.New("recover requires at least one job id")
	}
	decisions := s.daemon.Engine().EmergencyRecovery(s.ctx, req.IDs)
	resp.Results = fromDecisions(decisions)
	s.logger.Info("emergency recovery via IPC",
		logging.Int("job_count", len(req.IDs)),
		logging.String(logging.FieldEventType, "emergency_recovery"))
	return nil
}

func (s *service) Scan(_ ScanRequest, resp *ScanResponse) error {
	report, err := s.daemon.Engine().ScanOnce(s.ctx)
	resp.Stuck = fromDecisions(report.Stuck)
	resp.Retried = fromDecisions(report.Retried)
	resp.Released = fromDecisions(report.Released)
	if err != nil {
		resp.Error = err.Error()
	}
	return nil
}

func (s *service) Purge(req PurgeRequest, resp *PurgeResponse) error {
	if strings.TrimSpace(req.OwnerID) == "" || strings.TrimSpace(req.SubjectID) == "" {
		return errors.New("purge requires owner and subject")
	}
	removed, err := s.daemon.Engine().PurgeSubject(s.ctx, req.OwnerID, req.SubjectID)
	if err != nil {
		return err
	}
	resp.Removed = removed
	return nil
}

func (s *service) ListJobs(req ListJobsRequest, resp *ListJobsResponse) error {
	statuses := make([]jobs.Status, 0, len(req.Statuses))
	for _, value := range req.Statuses {
		status, ok := jobs.ParseStatus(value)
		if !ok {
			return fmt.Errorf("unknown status %q", value)
		}
		statuses = append(statuses, status)
	}
	if req.Since == nil {
		list, err := s.daemon.Engine().ListJobs(s.ctx, req.OwnerID, statuses...)
		if err != nil {
			return err
		}
		resp.Jobs = make([]jobs.Job, 0, len(list))
		for _, job := range list {
			resp.Jobs = append(resp.Jobs, *job)
		}
		return nil
	}

	wait := time.Duration(req.WaitSeconds * float64(time.Second))
	if wait > maxListWait {
		wait = maxListWait
	}
	list, err := s.daemon.Engine().WaitForUpdates(s.ctx, req.OwnerID, *req.Since, wait)
	if err != nil {
		return err
	}
	resp.Jobs = make([]jobs.Job, 0, len(list))
	for _, job := range list {
		if len(statuses) > 0 && !slices.Contains(statuses, job.Status) {
			continue
		}
		resp.Jobs = append(resp.Jobs, *job)
	}
	return nil
}

func (s *service) identity() (*identity.Store, error) {
	store := s.daemon.Engine().Identity()
	if store == nil {
		return nil, errors.New("identity matching is disabled")
	}
	return store, nil
}

func (s *service) ListCandidates(req ListCandidatesRequest, resp *ListCandidatesResponse) error {
	store, err := s.identity()
	if err != nil {
		return err
	}
	status := identity.CandidatePending
	if value := strings.ToUpper(strings.TrimSpace(req.Status)); value != "" {
		status = identity.CandidateStatus(value)
	}
	resp.Candidates, err = store.ListCandidates(s.ctx, req.OwnerID, status)
	return err
}

func (s *service) ReviewCandidate(req ReviewCandidateRequest, resp *ReviewCandidateResponse) error {
	store, err := s.identity()
	if err != nil {
		return err
	}
	review := store.RejectCandidate
	if req.Confirm {
		review = store.ConfirmCandidate
	}
	candidate, err := review(s.ctx, req.VoicePrintA, req.VoicePrintB)
	if err != nil {
		return err
	}
	resp.Candidate = *candidate
	return nil
}

func (s *service) ListProfiles(req ListProfilesRequest, resp *ListProfilesResponse) error {
	store, err := s.identity()
	if err != nil {
		return err
	}
	resp.Profiles, err = store.ListProfiles(s.ctx, req.OwnerID)
	return err
}

func (s *service) CreateProfile(req CreateProfileRequest, resp *CreateProfileResponse) error {
	store, err := s.identity()
	if err != nil {
		return err
	}
	profile, err := store.CreateProfile(s.ctx, req.OwnerID, req.Name)
	if err != nil {
		return err
	}
	resp.Profile = *profile
	return nil
}

func (s *service) ShowProfile(req ShowProfileRequest, resp *ShowProfileResponse) error {
	store, err := s.identity()
	if err != nil {
		return err
	}
	profile, err := store.Profile(s.ctx, strings.TrimSpace(req.ID))
	if err != nil {
		return err
	}
	resp.Profile = *profile
	resp.VoicePrints, err = store.ListProfilePrints(s.ctx, profile.ID)
	return err
}

func (s *service) AssignProfile(req AssignProfileRequest, resp *AssignProfileResponse) error {
	store, err := s.identity()
	if err != nil {
		return err
	}
	vp, err := store.AssignProfile(s.ctx, req.VoicePrintID, req.ProfileID)
	if err != nil {
		return err
	}
	resp.VoicePrint = *vp
	return nil
}

func (s *service) MergeProfiles(req MergeProfilesRequest, resp *MergeProfilesResponse) error {
	store, err := s.identity()
	if err != nil {
		return err
	}
	resp.Moved, err = store.MergeProfiles(s.ctx, req.KeepID, req.MergeID)
	return err
}

func (s *service) DatabaseHealth(_ DatabaseHealthRequest, resp *DatabaseHealthResponse) error {
	health, err := s.daemon.DatabaseHealth(s.ctx)
	resp.Health = health
	if err != nil {
		resp.Error = err.Error()
	}
	return nil
}

func (s *service) TestNotification(_ TestNotificationRequest, resp *TestNotificationResponse) error {
	sent, message, err := s.daemon.TestNotification(s.ctx)
	resp.Sent = sent
	resp.Message = message
	return err
}
