package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"

	"diarist/internal/jobs"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

const voicePrintColumns = "id, owner_id, subject_id, job_id, label, display_name, profile_id, embedding, dim, created_at, updated_at"

const candidateColumns = "voiceprint_a_id, voiceprint_b_id, owner_id, confidence, status, created_at, updated_at"

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store persists voice prints, profiles, and match candidates in the job
// database so identity rows can share a transaction with job outcomes.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore wraps an open job database.
func NewStore(db *sql.DB, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, now: now}
}

func (s *Store) stamp() string {
	return s.now().UTC().Format(timeLayout)
}

// nameKey folds a profile name for case-insensitive uniqueness. Casers keep
// state, so a fresh one is built per call.
func nameKey(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// SaveVoicePrints returns a writer that replaces the subject's voice prints.
// Re-transcribing a subject refreshes embeddings in place and keeps any
// profile links already made; prints whose label is no longer produced are
// removed along with their candidates.
func (s *Store) SaveVoicePrints(ownerID, subjectID, jobID string, prints []NewVoicePrint) jobs.TxWriter {
	return func(ctx context.Context, tx *sql.Tx) error {
		now := s.stamp()
		labels := make([]any, 0, len(prints))
		for _, vp := range prints {
			label := strings.TrimSpace(vp.Label)
			if label == "" {
				return fmt.Errorf("save voice print: empty label for subject %s", subjectID)
			}
			labels = append(labels, label)
			if len(vp.Embedding) == 0 {
				return fmt.Errorf("save voice print: empty embedding for %s", label)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO voice_prints (id, owner_id, subject_id, job_id, label, display_name, embedding, dim, created_at, updated_at)
                 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
                 ON CONFLICT (owner_id, subject_id, label) DO UPDATE SET
                     job_id = excluded.job_id,
                     display_name = COALESCE(excluded.display_name, voice_prints.display_name),
                     embedding = excluded.embedding,
                     dim = excluded.dim,
                     updated_at = excluded.updated_at`,
				uuid.NewString(), ownerID, subjectID, nullable(jobID), label, nullable(vp.DisplayName),
				EncodeEmbedding(vp.Embedding), len(vp.Embedding), now, now,
			); err != nil {
				return fmt.Errorf("save voice print %s: %w", label, err)
			}
		}
		query := `DELETE FROM voice_prints WHERE owner_id = ? AND subject_id = ?`
		args := []any{ownerID, subjectID}
		if len(labels) > 0 {
			query += ` AND label NOT IN (?` + strings.Repeat(", ?", len(labels)-1) + `)`
			args = append(args, labels...)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("prune voice prints: %w", err)
		}
		return nil
	}
}

// DeleteSubject returns a writer that removes the subject's voice prints.
// Candidates referencing them cascade; profiles are kept.
func (s *Store) DeleteSubject(ownerID, subjectID string) jobs.TxWriter {
	return func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM voice_prints WHERE owner_id = ? AND subject_id = ?`, ownerID, subjectID); err != nil {
			return fmt.Errorf("delete voice prints: %w", err)
		}
		return nil
	}
}

// VoicePrint fetches one print by ID.
func (s *Store) VoicePrint(ctx context.Context, id string) (*VoicePrint, error) {
	return getVoicePrint(ctx, s.db, id)
}

func getVoicePrint(ctx context.Context, q queryer, id string) (*VoicePrint, error) {
	row := q.QueryRowContext(ctx, `SELECT `+voicePrintColumns+` FROM voice_prints WHERE id = ?`, id)
	vp, err := scanVoicePrint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: voice print %s", ErrNotFound, id)
	}
	return vp, err
}

// ListVoicePrints returns every print the owner has, oldest first.
func (s *Store) ListVoicePrints(ctx context.Context, ownerID string) ([]VoicePrint, error) {
	return s.queryVoicePrints(ctx,
		`SELECT `+voicePrintColumns+` FROM voice_prints WHERE owner_id = ? ORDER BY created_at, id`, ownerID)
}

// ListSubjectPrints returns the prints extracted from one subject.
func (s *Store) ListSubjectPrints(ctx context.Context, ownerID, subjectID string) ([]VoicePrint, error) {
	return s.queryVoicePrints(ctx,
		`SELECT `+voicePrintColumns+` FROM voice_prints WHERE owner_id = ? AND subject_id = ? ORDER BY label`,
		ownerID, subjectID)
}

// ListProfilePrints returns the prints linked to a profile.
func (s *Store) ListProfilePrints(ctx context.Context, profileID string) ([]VoicePrint, error) {
	return s.queryVoicePrints(ctx,
		`SELECT `+voicePrintColumns+` FROM voice_prints WHERE profile_id = ? ORDER BY created_at, id`, profileID)
}

func (s *Store) queryVoicePrints(ctx context.Context, query string, args ...any) ([]VoicePrint, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list voice prints: %w", err)
	}
	defer rows.Close()
	var prints []VoicePrint
	for rows.Next() {
		vp, err := scanVoicePrint(rows)
		if err != nil {
			return nil, err
		}
		prints = append(prints, *vp)
	}
	return prints, rows.Err()
}

// CreateProfile adds a named profile for the owner. Names are unique per
// owner regardless of case.
func (s *Store) CreateProfile(ctx context.Context, ownerID, name string) (*Profile, error) {
	var profile *Profile
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		created, err := s.insertProfile(ctx, tx, uuid.NewString(), ownerID, name)
		profile = created
		return err
	})
	if err != nil {
		return nil, err
	}
	return profile, nil
}

func (s *Store) insertProfile(ctx context.Context, tx *sql.Tx, id, ownerID, name string) (*Profile, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("create profile: name is required")
	}
	now := s.now().UTC()
	_, err := tx.ExecContext(ctx,
		`INSERT INTO speaker_profiles (id, owner_id, name, name_key, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, ownerID, name, nameKey(name), now.Format(timeLayout))
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateProfile, name)
	}
	if err != nil {
		return nil, fmt.Errorf("create profile: %w", err)
	}
	return &Profile{ID: id, OwnerID: ownerID, Name: name, CreatedAt: now}, nil
}

// insertProfileUnique creates a profile, suffixing the name until it is free.
func (s *Store) insertProfileUnique(ctx context.Context, tx *sql.Tx, id, ownerID, name string) (*Profile, error) {
	candidate := name
	for n := 2; n < 100; n++ {
		profile, err := s.insertProfile(ctx, tx, id, ownerID, candidate)
		if !errors.Is(err, ErrDuplicateProfile) {
			return profile, err
		}
		candidate = fmt.Sprintf("%s (%d)", name, n)
	}
	return nil, fmt.Errorf("%w: no free name for %q", ErrDuplicateProfile, name)
}

// Profile fetches one profile by ID.
func (s *Store) Profile(ctx context.Context, id string) (*Profile, error) {
	return getProfile(ctx, s.db, id)
}

func getProfile(ctx context.Context, q queryer, id string) (*Profile, error) {
	var (
		profile Profile
		created string
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, owner_id, name, created_at FROM speaker_profiles WHERE id = ?`, id,
	).Scan(&profile.ID, &profile.OwnerID, &profile.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: profile %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	profile.CreatedAt = parseTime(created)
	return &profile, nil
}

// ListProfiles returns the owner's profiles sorted by name.
func (s *Store) ListProfiles(ctx context.Context, ownerID string) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, name, created_at FROM speaker_profiles WHERE owner_id = ? ORDER BY name_key`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()
	var profiles []Profile
	for rows.Next() {
		var (
			profile Profile
			created string
		)
		if err := rows.Scan(&profile.ID, &profile.OwnerID, &profile.Name, &created); err != nil {
			return nil, err
		}
		profile.CreatedAt = parseTime(created)
		profiles = append(profiles, profile)
	}
	return profiles, rows.Err()
}

// AssignProfile links a voice print to a profile manually. An empty
// profileID unlinks the print.
func (s *Store) AssignProfile(ctx context.Context, voicePrintID, profileID string) (*VoicePrint, error) {
	var updated *VoicePrint
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		vp, err := getVoicePrint(ctx, tx, voicePrintID)
		if err != nil {
			return err
		}
		if profileID != "" {
			profile, err := getProfile(ctx, tx, profileID)
			if err != nil {
				return err
			}
			if profile.OwnerID != vp.OwnerID {
				return ErrOwnerMismatch
			}
		}
		if err := s.setProfile(ctx, tx, voicePrintID, profileID); err != nil {
			return err
		}
		updated, err = getVoicePrint(ctx, tx, voicePrintID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) setProfile(ctx context.Context, tx *sql.Tx, voicePrintID, profileID string) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE voice_prints SET profile_id = ?, updated_at = ? WHERE id = ?`,
		nullable(profileID), s.stamp(), voicePrintID); err != nil {
		return fmt.Errorf("assign profile: %w", err)
	}
	return nil
}

// MergeProfiles moves every print of mergeID onto keepID and deletes mergeID.
// It returns the number of prints moved.
func (s *Store) MergeProfiles(ctx context.Context, keepID, mergeID string) (int64, error) {
	if keepID == mergeID {
		return 0, errors.New("merge profiles: profiles are identical")
	}
	var moved int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		keep, err := getProfile(ctx, tx, keepID)
		if err != nil {
			return err
		}
		merge, err := getProfile(ctx, tx, mergeID)
		if err != nil {
			return err
		}
		if keep.OwnerID != merge.OwnerID {
			return ErrOwnerMismatch
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE voice_prints SET profile_id = ?, updated_at = ? WHERE profile_id = ?`,
			keepID, s.stamp(), mergeID)
		if err != nil {
			return fmt.Errorf("move voice prints: %w", err)
		}
		if moved, err = res.RowsAffected(); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM speaker_profiles WHERE id = ?`, mergeID); err != nil {
			return fmt.Errorf("delete merged profile: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

// upsertCandidate records a proposed link in canonical order. A repeated
// proposal keeps the higher confidence; reviewed pairs are left alone.
func (s *Store) upsertCandidate(ctx context.Context, tx *sql.Tx, ownerID, a, b string, confidence float64) error {
	if a == b {
		return ErrSelfPair
	}
	a, b = CanonicalPair(a, b)
	now := s.stamp()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO match_candidates (voiceprint_a_id, voiceprint_b_id, owner_id, confidence, status, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT (voiceprint_a_id, voiceprint_b_id) DO UPDATE SET
             confidence = MAX(match_candidates.confidence, excluded.confidence),
             updated_at = excluded.updated_at
         WHERE match_candidates.status = 'PENDING'`,
		a, b, ownerID, confidence, string(CandidatePending), now, now,
	); err != nil {
		return fmt.Errorf("record candidate: %w", err)
	}
	return nil
}

// Candidate fetches the candidate for a pair in either order.
func (s *Store) Candidate(ctx context.Context, a, b string) (*Candidate, error) {
	return getCandidate(ctx, s.db, a, b)
}

func getCandidate(ctx context.Context, q queryer, a, b string) (*Candidate, error) {
	a, b = CanonicalPair(a, b)
	row := q.QueryRowContext(ctx,
		`SELECT `+candidateColumns+` FROM match_candidates WHERE voiceprint_a_id = ? AND voiceprint_b_id = ?`, a, b)
	candidate, err := scanCandidate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: candidate %s/%s", ErrNotFound, a, b)
	}
	return candidate, err
}

// ListCandidates returns the owner's candidates, most confident first. An
// empty status lists every candidate.
func (s *Store) ListCandidates(ctx context.Context, ownerID string, status CandidateStatus) ([]Candidate, error) {
	query := `SELECT ` + candidateColumns + ` FROM match_candidates WHERE owner_id = ?`
	args := []any{ownerID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY confidence DESC, voiceprint_a_id, voiceprint_b_id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	defer rows.Close()
	var candidates []Candidate
	for rows.Next() {
		candidate, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, *candidate)
	}
	return candidates, rows.Err()
}

// ConfirmCandidate accepts a proposed link and puts both prints on one
// profile. If neither print has a profile, one is created from the first
// print's display name. Prints already on different profiles are refused
// with ErrProfileConflict.
func (s *Store) ConfirmCandidate(ctx context.Context, a, b string) (*Candidate, error) {
	var confirmed *Candidate
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		candidate, err := getCandidate(ctx, tx, a, b)
		if err != nil {
			return err
		}
		first, err := getVoicePrint(ctx, tx, candidate.VoicePrintA)
		if err != nil {
			return err
		}
		second, err := getVoicePrint(ctx, tx, candidate.VoicePrintB)
		if err != nil {
			return err
		}
		profileID := first.ProfileID
		switch {
		case first.ProfileID != "" && second.ProfileID != "" && first.ProfileID != second.ProfileID:
			return fmt.Errorf("%w: %s and %s", ErrProfileConflict, first.ProfileID, second.ProfileID)
		case profileID == "" && second.ProfileID != "":
			profileID = second.ProfileID
		case profileID == "":
			profile, err := s.insertProfileUnique(ctx, tx, uuid.NewString(), first.OwnerID, defaultProfileName(*first))
			if err != nil {
				return err
			}
			profileID = profile.ID
		}
		for _, vp := range []*VoicePrint{first, second} {
			if vp.ProfileID == profileID {
				continue
			}
			if err := s.setProfile(ctx, tx, vp.ID, profileID); err != nil {
				return err
			}
		}
		confirmed, err = s.review(ctx, tx, candidate, CandidateConfirmed)
		return err
	})
	if err != nil {
		return nil, err
	}
	return confirmed, nil
}

// RejectCandidate marks a proposed link as wrong. Rejected pairs are never
// proposed or auto-linked again.
func (s *Store) RejectCandidate(ctx context.Context, a, b string) (*Candidate, error) {
	var rejected *Candidate
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		candidate, err := getCandidate(ctx, tx, a, b)
		if err != nil {
			return err
		}
		rejected, err = s.review(ctx, tx, candidate, CandidateRejected)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rejected, nil
}

func (s *Store) review(ctx context.Context, tx *sql.Tx, candidate *Candidate, status CandidateStatus) (*Candidate, error) {
	if _, err := tx.ExecContext(ctx,
		`UPDATE match_candidates SET status = ?, updated_at = ? WHERE voiceprint_a_id = ? AND voiceprint_b_id = ?`,
		string(status), s.stamp(), candidate.VoicePrintA, candidate.VoicePrintB); err != nil {
		return nil, fmt.Errorf("review candidate: %w", err)
	}
	return getCandidate(ctx, tx, candidate.VoicePrintA, candidate.VoicePrintB)
}

// reviewedPairs returns the owner's reviewed pairs keyed by canonical pair.
func (s *Store) reviewedPairs(ctx context.Context, ownerID string) (map[[2]string]CandidateStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT voiceprint_a_id, voiceprint_b_id, status FROM match_candidates WHERE owner_id = ? AND status != 'PENDING'`,
		ownerID)
	if err != nil {
		return nil, fmt.Errorf("list reviewed pairs: %w", err)
	}
	defer rows.Close()
	pairs := make(map[[2]string]CandidateStatus)
	for rows.Next() {
		var a, b, status string
		if err := rows.Scan(&a, &b, &status); err != nil {
			return nil, err
		}
		pairs[[2]string{a, b}] = CandidateStatus(status)
	}
	return pairs, rows.Err()
}

func defaultProfileName(vp VoicePrint) string {
	if name := strings.TrimSpace(vp.DisplayName); name != "" {
		return name
	}
	id := vp.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return "Speaker " + id
}

func scanVoicePrint(scanner interface{ Scan(dest ...any) error }) (*VoicePrint, error) {
	var (
		vp          VoicePrint
		jobID       sql.NullString
		displayName sql.NullString
		profileID   sql.NullString
		blob        []byte
		dim         int
		created     string
		updated     string
	)
	if err := scanner.Scan(&vp.ID, &vp.OwnerID, &vp.SubjectID, &jobID, &vp.Label,
		&displayName, &profileID, &blob, &dim, &created, &updated); err != nil {
		return nil, err
	}
	embedding, err := DecodeEmbedding(blob, dim)
	if err != nil {
		return nil, fmt.Errorf("voice print %s: %w", vp.ID, err)
	}
	vp.Embedding = embedding
	vp.JobID = jobID.String
	vp.DisplayName = displayName.String
	vp.ProfileID = profileID.String
	vp.CreatedAt = parseTime(created)
	vp.UpdatedAt = parseTime(updated)
	return &vp, nil
}

func scanCandidate(scanner interface{ Scan(dest ...any) error }) (*Candidate, error) {
	var (
		candidate Candidate
		status    string
		created   string
		updated   string
	)
	if err := scanner.Scan(&candidate.VoicePrintA, &candidate.VoicePrintB, &candidate.OwnerID,
		&candidate.Confidence, &status, &created, &updated); err != nil {
		return nil, err
	}
	candidate.Status = CandidateStatus(status)
	candidate.CreatedAt = parseTime(created)
	candidate.UpdatedAt = parseTime(updated)
	return &candidate, nil
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func parseTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t
}
