package pattern

import (
	"context"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"memsub/internal/domain"
	"memsub/internal/repository"
)

const (
	defaultMinOccurrences      = 3
	defaultClusterThreshold    = 0.18
	defaultConfidenceThreshold = 0.5
	defaultPromotionThreshold  = 0.75
	defaultWindow              = 7 * 24 * time.Hour
	defaultDecayRate           = 0.1
	minSurvivingConfidence     = 0.05
)

// Config tunes one Detector's clustering, acceptance, and decay behavior.
type Config struct {
	MinOccurrences      int
	ClusterThreshold    float64
	ConfidenceThreshold float64
	PromotionThreshold  float64
	Window              time.Duration
	DecayRate           float64
}

func (c Config) withDefaults() Config {
	if c.MinOccurrences <= 0 {
		c.MinOccurrences = defaultMinOccurrences
	}
	if c.ClusterThreshold <= 0 {
		c.ClusterThreshold = defaultClusterThreshold
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = defaultConfidenceThreshold
	}
	if c.PromotionThreshold <= 0 {
		c.PromotionThreshold = defaultPromotionThreshold
	}
	if c.Window <= 0 {
		c.Window = defaultWindow
	}
	if c.DecayRate <= 0 {
		c.DecayRate = defaultDecayRate
	}
	return c
}

// Detector clusters recurring content across memory records, tracks the
// resulting patterns in the patterns table, promotes stable patterns into
// durable preference records, and decays patterns that have gone stale.
type Detector struct {
	store *Store
	repo  *repository.Repository
	cfg   Config
	clock domain.Clock
}

// NewDetector constructs a Detector.
func NewDetector(store *Store, repo *repository.Repository, cfg Config) *Detector {
	return &Detector{store: store, repo: repo, cfg: cfg.withDefaults(), clock: domain.SystemClock{}}
}

// Detect clusters records by blended content/topic similarity, merges each
// resulting cluster into the stored pattern that shares at least one member
// id with it or creates a new one, and promotes any pattern whose
// confidence has crossed PromotionThreshold into an LTM preference record.
// A pattern already promoted is still merged, re-scored and stored by later
// Detect calls, but is never promoted a second time.
func (d *Detector) Detect(ctx context.Context, records []domain.MemoryRecord) ([]domain.Pattern, error) {
	if len(records) == 0 {
		return nil, nil
	}

	existing, err := d.store.List(ctx)
	if err != nil {
		return nil, err
	}

	now := d.clock.Now().UTC()
	var touched []domain.Pattern

	for _, c := range clusterRecords(records, d.cfg.ClusterThreshold) {
		if len(c.members) < d.cfg.MinOccurrences {
			continue
		}

		match := findMatchingPattern(existing, c.memberIDs())
		p := mergePattern(match, c, now)
		p.Confidence = d.confidence(p, c, now)

		if p.Confidence >= d.cfg.ConfidenceThreshold {
			if err := d.store.Upsert(ctx, p); err != nil {
				return touched, err
			}
			touched = append(touched, p)

			if !p.Promoted && p.Confidence >= d.cfg.PromotionThreshold {
				if err := d.promoteToPreference(ctx, &p); err != nil {
					return touched, err
				}
				if err := d.store.Upsert(ctx, p); err != nil {
					return touched, err
				}
				touched[len(touched)-1] = p
			}
		}
	}

	return touched, nil
}

// confidence blends how often the pattern recurs, how recently it was last
// seen, and how tightly its cluster holds together.
func (d *Detector) confidence(p domain.Pattern, c cluster, now time.Time) float64 {
	frequencyFactor := clampUnit(float64(p.Occurrences) / float64(2*d.cfg.MinOccurrences))
	age := now.Sub(p.LastSeenAt)
	recencyFactor := 1.0
	if age > 0 {
		recencyFactor = clampUnit(1 - age.Seconds()/d.cfg.Window.Seconds())
	}
	consistencyFactor := c.consistency()
	return clampUnit(frequencyFactor * recencyFactor * consistencyFactor)
}

// promoteToPreference writes a new LTM preference record summarizing the
// pattern and marks it promoted so Detect never promotes it again.
func (d *Detector) promoteToPreference(ctx context.Context, p *domain.Pattern) error {
	created, err := d.repo.Create(ctx, domain.MemoryRecord{
		Content:    "Recurring pattern: " + p.Label,
		Type:       domain.TypePreference,
		Layer:      domain.LayerLTM,
		Importance: clampUnit(p.Confidence),
		Confidence: clampUnit(p.Confidence),
		Tags:       []string{"pattern-detected", "pattern:" + p.Label},
		Source: domain.Provenance{
			SourceType:     domain.SourceDistilled,
			ConversationID: strings.Join(p.MemberIDs, ","),
		},
	})
	if err != nil {
		return domain.NewDomainError("pattern.Detector.promoteToPreference", domain.ErrConsolidationFailed, err.Error())
	}
	p.Promoted = true
	p.MemberIDs = append(p.MemberIDs, created.ID)
	return nil
}

// DecayPatterns reduces the confidence of every non-promoted pattern that
// hasn't been seen in over one Window, proportional to how many windows
// (fractions included) have elapsed, and drops any pattern whose confidence falls below
// minSurvivingConfidence.
func (d *Detector) DecayPatterns(ctx context.Context) error {
	patterns, err := d.store.List(ctx)
	if err != nil {
		return err
	}

	now := d.clock.Now().UTC()
	for _, p := range patterns {
		if p.Promoted {
			continue
		}
		elapsed := now.Sub(p.LastSeenAt)
		if elapsed <= d.cfg.Window {
			continue
		}
		windowsElapsed := float64(elapsed) / float64(d.cfg.Window)
		p.Confidence = clampUnit(p.Confidence - windowsElapsed*d.cfg.DecayRate)

		if p.Confidence < minSurvivingConfidence {
			if err := d.store.Delete(ctx, p.ID); err != nil {
				return err
			}
			continue
		}
		if err := d.store.Upsert(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// findMatchingPattern returns the stored pattern sharing at least one member
// with memberIDs, if any — the cluster that pattern has grown from.
func findMatchingPattern(existing []domain.Pattern, memberIDs []string) *domain.Pattern {
	want := make(map[string]struct{}, len(memberIDs))
	for _, id := range memberIDs {
		want[id] = struct{}{}
	}
	for i := range existing {
		for _, id := range existing[i].MemberIDs {
			if _, ok := want[id]; ok {
				return &existing[i]
			}
		}
	}
	return nil
}

// mergePattern folds a freshly-clustered group into match (if any),
// otherwise starts a brand new pattern.
func mergePattern(match *domain.Pattern, c cluster, now time.Time) domain.Pattern {
	if match == nil {
		return domain.Pattern{
			ID:          ulid.Make().String(),
			Label:       representativeLabel(c),
			MemberIDs:   dedupeIDs(c.memberIDs()),
			Occurrences: len(c.members),
			FirstSeenAt: now,
			LastSeenAt:  now,
		}
	}

	merged := *match
	merged.MemberIDs = dedupeIDs(append(append([]string{}, merged.MemberIDs...), c.memberIDs()...))
	merged.Occurrences = len(merged.MemberIDs)
	merged.LastSeenAt = now
	return merged
}

func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func representativeLabel(c cluster) string {
	const maxLen = 80
	return truncate(firstTokens(c), maxLen)
}

func firstTokens(c cluster) string {
	var b strings.Builder
	n := 0
	for t := range c.representative.content {
		if n > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(t)
		n++
		if n >= 6 {
			break
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
