package identity

import (
	"errors"
	"time"
)

var (
	// ErrNotFound reports a missing voice print, profile, or candidate.
	ErrNotFound = errors.New("identity record not found")
	// ErrDuplicateProfile reports a profile name already used by the owner.
	ErrDuplicateProfile = errors.New("profile name already exists")
	// ErrOwnerMismatch reports an operation spanning two owners.
	ErrOwnerMismatch = errors.New("records belong to different owners")
	// ErrProfileConflict reports two prints already linked to different
	// profiles; resolving it requires MergeProfiles.
	ErrProfileConflict = errors.New("voice prints linked to different profiles")
	// ErrDimensionMismatch reports embeddings of different lengths.
	ErrDimensionMismatch = errors.New("embedding dimensions differ")
	// ErrSelfPair reports a candidate pairing a print with itself.
	ErrSelfPair = errors.New("voice print cannot pair with itself")
)

// VoicePrint is one speaker embedding extracted from a recording.
type VoicePrint struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	SubjectID   string    `json:"subject_id"`
	JobID       string    `json:"job_id,omitempty"`
	Label       string    `json:"label"`
	DisplayName string    `json:"display_name,omitempty"`
	ProfileID   string    `json:"profile_id,omitempty"`
	Embedding   []float32 `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Unclaimed reports whether the print has no profile yet.
func (v VoicePrint) Unclaimed() bool {
	return v.ProfileID == ""
}

// NewVoicePrint is the input for SaveVoicePrints.
type NewVoicePrint struct {
	Label       string
	DisplayName string
	Embedding   []float32
}

// Profile is a cross-recording speaker identity.
type Profile struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// CandidateStatus tracks review of a proposed link.
type CandidateStatus string

const (
	CandidatePending   CandidateStatus = "PENDING"
	CandidateConfirmed CandidateStatus = "CONFIRMED"
	CandidateRejected  CandidateStatus = "REJECTED"
)

// Candidate is a proposed link between two voice prints. VoicePrintA always
// sorts before VoicePrintB.
type Candidate struct {
	VoicePrintA string          `json:"voiceprint_a_id"`
	VoicePrintB string          `json:"voiceprint_b_id"`
	OwnerID     string          `json:"owner_id"`
	Confidence  float64         `json:"confidence"`
	Status      CandidateStatus `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// CanonicalPair orders two voice print IDs the way candidates are stored.
func CanonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}
