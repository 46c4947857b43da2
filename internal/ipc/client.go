package ipc

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"
)

// Client provides RPC access to the daemon.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func call[Resp any](c *Client, method string, req any) (*Resp, error) {
	var resp Resp
	if err := c.client.Call(serviceName+"."+method, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Start requests the daemon to start processing.
func (c *Client) Start() (*StartResponse, error) {
	return call[StartResponse](c, "Start", StartRequest{})
}

// Stop requests the daemon to stop processing.
func (c *Client) Stop() (*StopResponse, error) {
	return call[StopResponse](c, "Stop", StopRequest{})
}

// Status retrieves the daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	return call[StatusResponse](c, "Status", StatusRequest{})
}

// Dispatch enqueues a job.
func (c *Client) Dispatch(req DispatchRequest) (*DispatchResponse, error) {
	return call[DispatchResponse](c, "Dispatch", req)
}

// JobStatus returns a job with its history.
func (c *Client) JobStatus(id string) (*JobStatusResponse, error) {
	return call[JobStatusResponse](c, "JobStatus", JobStatusRequest{ID: id})
}

// Cancel requests cancellation of a job.
func (c *Client) Cancel(id string) (*CancelResponse, error) {
	return call[CancelResponse](c, "Cancel", CancelRequest{ID: id})
}

// ListStuck lists stuck and orphaned jobs for an owner, or all owners.
func (c *Client) ListStuck(ownerID string) (*ListStuckResponse, error) {
	return call[ListStuckResponse](c, "ListStuck", ListStuckRequest{OwnerID: ownerID})
}

// Recover revives orphaned jobs.
func (c *Client) Recover(ids []string) (*RecoverResponse, error) {
	return call[RecoverResponse](c, "Recover", RecoverRequest{IDs: ids})
}

// Scan runs a recovery pass immediately.
func (c *Client) Scan() (*ScanResponse, error) {
	return call[ScanResponse](c, "Scan", ScanRequest{})
}

// Purge deletes a subject's jobs and identity rows.
func (c *Client) Purge(ownerID, subjectID string) (*PurgeResponse, error) {
	return call[PurgeResponse](c, "Purge", PurgeRequest{OwnerID: ownerID, SubjectID: subjectID})
}

// ListJobs lists jobs filtered by owner, statuses, and last change.
func (c *Client) ListJobs(req ListJobsRequest) (*ListJobsResponse, error) {
	return call[ListJobsResponse](c, "ListJobs", req)
}

// ListCandidates lists match candidates.
func (c *Client) ListCandidates(ownerID, status string) (*ListCandidatesResponse, error) {
	return call[ListCandidatesResponse](c, "ListCandidates", ListCandidatesRequest{OwnerID: ownerID, Status: status})
}

// ReviewCandidate confirms or rejects a candidate.
func (c *Client) ReviewCandidate(a, b string, confirm bool) (*ReviewCandidateResponse, error) {
	return call[ReviewCandidateResponse](c, "ReviewCandidate", ReviewCandidateRequest{VoicePrintA: a, VoicePrintB: b, Confirm: confirm})
}

// ListProfiles lists speaker profiles.
func (c *Client) ListProfiles(ownerID string) (*ListProfilesResponse, error) {
	return call[ListProfilesResponse](c, "ListProfiles", ListProfilesRequest{OwnerID: ownerID})
}

// CreateProfile creates a named speaker profile.
func (c *Client) CreateProfile(ownerID, name string) (*CreateProfileResponse, error) {
	return call[CreateProfileResponse](c, "CreateProfile", CreateProfileRequest{OwnerID: ownerID, Name: name})
}

// ShowProfile returns a profile with its linked voice prints.
func (c *Client) ShowProfile(id string) (*ShowProfileResponse, error) {
	return call[ShowProfileResponse](c, "ShowProfile", ShowProfileRequest{ID: id})
}

// AssignProfile links a voice print to a profile.
func (c *Client) AssignProfile(voicePrintID, profileID string) (*AssignProfileResponse, error) {
	return call[AssignProfileResponse](c, "AssignProfile", AssignProfileRequest{VoicePrintID: voicePrintID, ProfileID: profileID})
}

// MergeProfiles folds mergeID into keepID.
func (c *Client) MergeProfiles(keepID, mergeID string) (*MergeProfilesResponse, error) {
	return call[MergeProfilesResponse](c, "MergeProfiles", MergeProfilesRequest{KeepID: keepID, MergeID: mergeID})
}

// DatabaseHealth retrieves job database diagnostics.
func (c *Client) DatabaseHealth() (*DatabaseHealthResponse, error) {
	return call[DatabaseHealthResponse](c, "DatabaseHealth", DatabaseHealthRequest{})
}

// TestNotification triggers a notification test via the daemon.
func (c *Client) TestNotification() (*TestNotificationResponse, error) {
	return call[TestNotificationResponse](c, "TestNotification", TestNotificationRequest{})
}
