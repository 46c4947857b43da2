package identity

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"diarist/internal/config"
	"diarist/internal/jobs"
	"diarist/internal/logging"
)

// Link is a planned high-confidence assignment of a new print to a profile.
type Link struct {
	VoicePrintID string  `json:"voiceprint_id"`
	MatchedID    string  `json:"matched_id"`
	ProfileID    string  `json:"profile_id"`
	Confidence   float64 `json:"confidence"`
	// NewProfile means the matched print had no profile; Apply creates
	// ProfileID named ProfileName and links the matched print to it too.
	NewProfile bool `json:"new_profile,omitempty"`
	// SharedProfile means ProfileID was planned by an earlier link in the
	// same pass; Apply resolves it to whatever that link ended up using.
	SharedProfile bool   `json:"shared_profile,omitempty"`
	ProfileName   string `json:"profile_name,omitempty"`
}

// Proposal is a planned low-confidence candidate.
type Proposal struct {
	VoicePrintA string  `json:"voiceprint_a_id"`
	VoicePrintB string  `json:"voiceprint_b_id"`
	Confidence  float64 `json:"confidence"`
}

// Plan is the outcome of comparing one subject's prints against the owner's
// other prints. Nothing is written until Apply runs.
type Plan struct {
	OwnerID   string     `json:"owner_id"`
	SubjectID string     `json:"subject_id"`
	Compared  int        `json:"compared"`
	Links     []Link     `json:"links,omitempty"`
	Proposals []Proposal `json:"proposals,omitempty"`
}

// Empty reports whether applying the plan would change anything.
func (p *Plan) Empty() bool {
	return p == nil || (len(p.Links) == 0 && len(p.Proposals) == 0)
}

// Matcher compares voice prints across recordings.
type Matcher struct {
	store      *Store
	similarity Similarity
	low        float64
	high       float64
	logger     *slog.Logger
}

// MatcherOption customizes a Matcher.
type MatcherOption func(*Matcher)

// WithSimilarity replaces the cosine scorer.
func WithSimilarity(fn Similarity) MatcherOption {
	return func(m *Matcher) {
		if fn != nil {
			m.similarity = fn
		}
	}
}

// NewMatcher builds a matcher from identity configuration.
func NewMatcher(store *Store, cfg config.Identity, logger *slog.Logger, opts ...MatcherOption) *Matcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	m := &Matcher{
		store:      store,
		similarity: Cosine,
		low:        cfg.LowThreshold,
		high:       cfg.HighThreshold,
		logger:     logging.NewComponentLogger(logger, "identity-matcher"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type scored struct {
	print VoicePrint
	score float64
}

// Plan scores every print of the subject against the owner's prints from
// other subjects. For each unclaimed print the best match at or above the
// high threshold becomes a Link; the remaining matches at or above the low
// threshold become Proposals. Matches already on the linked profile are
// skipped, as are reviewed pairs.
func (m *Matcher) Plan(ctx context.Context, ownerID, subjectID string) (*Plan, error) {
	plan := &Plan{OwnerID: ownerID, SubjectID: subjectID}
	fresh, err := m.store.ListSubjectPrints(ctx, ownerID, subjectID)
	if err != nil {
		return nil, err
	}
	if len(fresh) == 0 {
		return plan, nil
	}
	all, err := m.store.ListVoicePrints(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	existing := make([]VoicePrint, 0, len(all))
	for _, vp := range all {
		if vp.SubjectID != subjectID {
			existing = append(existing, vp)
		}
	}
	reviewed, err := m.store.reviewedPairs(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	// Prints that receive a planned profile in this pass, so two fresh
	// prints matching the same unclaimed print share one new profile.
	planned := make(map[string]string)

	for _, vp := range fresh {
		var matches []scored
		for _, other := range existing {
			a, b := CanonicalPair(vp.ID, other.ID)
			if _, done := reviewed[[2]string{a, b}]; done {
				continue
			}
			score, err := m.similarity(vp.Embedding, other.Embedding)
			if err != nil {
				m.logger.Warn("voice print comparison skipped",
					logging.String("voiceprint_id", vp.ID),
					logging.String("other_id", other.ID),
					logging.Error(err),
					logging.String(logging.FieldEventType, "voiceprint_compare_failed"),
					logging.String(logging.FieldErrorHint, "embeddings produced by different models cannot be compared"),
					logging.String(logging.FieldImpact, "pair excluded from matching"),
				)
				continue
			}
			plan.Compared++
			if score >= m.low {
				matches = append(matches, scored{print: other, score: score})
			}
		}
		sort.SliceStable(matches, func(i, j int) bool {
			if matches[i].score != matches[j].score {
				return matches[i].score > matches[j].score
			}
			return matches[i].print.ID < matches[j].print.ID
		})

		profileID := vp.ProfileID
		rest := matches
		if profileID == "" && len(matches) > 0 && matches[0].score >= m.high {
			best := matches[0]
			link := Link{VoicePrintID: vp.ID, MatchedID: best.print.ID, Confidence: best.score}
			switch {
			case best.print.ProfileID != "":
				link.ProfileID = best.print.ProfileID
			case planned[best.print.ID] != "":
				link.ProfileID = planned[best.print.ID]
				link.SharedProfile = true
				link.ProfileName = defaultProfileName(best.print)
			default:
				link.ProfileID = uuid.NewString()
				link.NewProfile = true
				link.ProfileName = defaultProfileName(best.print)
				planned[best.print.ID] = link.ProfileID
			}
			profileID = link.ProfileID
			plan.Links = append(plan.Links, link)
			rest = matches[1:]
			m.logger.Info("voice print auto-linked",
				logging.Args(append(logging.DecisionAttrs("identity_link", "linked", "similarity above high threshold"),
					logging.String("voiceprint_id", vp.ID),
					logging.String("matched_id", best.print.ID),
					logging.String("profile_id", link.ProfileID),
					logging.Float64("confidence", best.score),
					logging.Bool("new_profile", link.NewProfile),
				)...)...,
			)
		}
		for _, match := range rest {
			otherProfile := match.print.ProfileID
			if otherProfile == "" {
				otherProfile = planned[match.print.ID]
			}
			if profileID != "" && otherProfile == profileID {
				continue
			}
			a, b := CanonicalPair(vp.ID, match.print.ID)
			plan.Proposals = append(plan.Proposals, Proposal{VoicePrintA: a, VoicePrintB: b, Confidence: match.score})
		}
	}

	m.logger.Debug("identity match planned",
		logging.String(logging.FieldOwnerID, ownerID),
		logging.String(logging.FieldSubjectID, subjectID),
		logging.Int("fresh_prints", len(fresh)),
		logging.Int("compared", plan.Compared),
		logging.Int("links", len(plan.Links)),
		logging.Int("proposals", len(plan.Proposals)),
	)
	return plan, nil
}

// Apply returns a writer that persists the plan. A link is skipped when its
// print gained a profile after planning; a new profile is not created when
// the matched print gained one meanwhile, and that profile is used instead by
// every link that planned to share it.
func (m *Matcher) Apply(plan *Plan) jobs.TxWriter {
	return func(ctx context.Context, tx *sql.Tx) error {
		if plan.Empty() {
			return nil
		}
		created := make(map[string]string)
		for _, link := range plan.Links {
			target := link.ProfileID
			if link.NewProfile || link.SharedProfile {
				resolved, err := m.ensureProfile(ctx, tx, plan.OwnerID, link, created)
				if err != nil {
					return err
				}
				target = resolved
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE voice_prints SET profile_id = ?, updated_at = ? WHERE id = ? AND profile_id IS NULL`,
				target, m.store.stamp(), link.VoicePrintID); err != nil {
				return fmt.Errorf("link voice print %s: %w", link.VoicePrintID, err)
			}
		}
		for _, proposal := range plan.Proposals {
			if err := m.store.upsertCandidate(ctx, tx, plan.OwnerID, proposal.VoicePrintA, proposal.VoicePrintB, proposal.Confidence); err != nil {
				return err
			}
		}
		return nil
	}
}

func (m *Matcher) ensureProfile(ctx context.Context, tx *sql.Tx, ownerID string, link Link, created map[string]string) (string, error) {
	if id, ok := created[link.ProfileID]; ok {
		return id, nil
	}
	matched, err := getVoicePrint(ctx, tx, link.MatchedID)
	if err != nil {
		return "", err
	}
	if matched.ProfileID != "" {
		created[link.ProfileID] = matched.ProfileID
		return matched.ProfileID, nil
	}
	profile, err := m.store.insertProfileUnique(ctx, tx, link.ProfileID, ownerID, link.ProfileName)
	if err != nil {
		return "", err
	}
	if err := m.store.setProfile(ctx, tx, matched.ID, profile.ID); err != nil {
		return "", err
	}
	created[link.ProfileID] = profile.ID
	return profile.ID, nil
}
