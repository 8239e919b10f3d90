package content

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"netguard/internal/classifier"
	"netguard/internal/config"
	"netguard/internal/domain"
)

// Result is the outcome of scanning page text against the taxonomy.
type Result struct {
	Score      int
	Categories domain.CategorySet
	Matches    []string
}

// Escalator runs the deep content pass on top of a static verdict.
type Escalator struct {
	fetcher      Fetcher
	registration RegistrationLookup
	timeout      time.Duration
}

func NewEscalator(fetcher Fetcher, timeout time.Duration) *Escalator {
	return &Escalator{fetcher: fetcher, timeout: timeout}
}

// WithRegistration attaches a registration-age lookup that runs next to the page fetch.
// The age is recorded as evidence and never moves the score.
func (e *Escalator) WithRegistration(lookup RegistrationLookup) *Escalator {
	e.registration = lookup
	return e
}

// Applies reports whether a static verdict is eligible for a content pass: overrides and
// targets already at the hard-block threshold are never fetched.
func Applies(static domain.Verdict, rules *config.Rules) bool {
	return !static.Features.Overridden() && static.RiskScore < rules.HardBlockThreshold()
}

// Escalate fetches the target and derives a new verdict. The score never goes below the
// static one, and fetch failures leave the static score untouched.
func (e *Escalator) Escalate(ctx context.Context, static domain.Verdict, rules *config.Rules) domain.Verdict {
	if !Applies(static, rules) {
		return static
	}

	out := static.Clone()
	out.Features.DeepScan = true

	fetchCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	var (
		page     Page
		err      error
		ageDays  int
		ageKnown bool
		g        errgroup.Group
	)
	g.Go(func() error {
		page, err = e.fetcher.Fetch(fetchCtx, static.FullTarget)
		return nil
	})
	if e.registration != nil && static.Features.RegistrableDomain != "" {
		g.Go(func() error {
			days, lookupErr := e.registration.AgeDays(fetchCtx, static.Features.RegistrableDomain)
			if lookupErr != nil {
				log.Debug("Registration lookup failed", "domain", static.Features.RegistrableDomain, "error", lookupErr)
				return nil
			}
			ageDays, ageKnown = days, true
			return nil
		})
	}
	_ = g.Wait()

	if ageKnown {
		out.Features.DomainAgeDays = &ageDays
	}

	if err != nil {
		log.Debug("Content fetch failed, keeping static verdict", "target", static.FullTarget, "error", err)
		out.Features.FetchError = true
		return out
	}

	result := ScoreText(ExtractText(page), static.RiskScore, rules)
	out.Features.ContentScore = result.Score
	out.Features.ContentMatches = result.Matches
	out.Categories = out.Categories.Union(result.Categories)

	if result.Score > out.RiskScore {
		out.RiskScore = result.Score
		out.ThreatLevel, out.Action = classifier.Decide(out.RiskScore, rules.Decision)
	}

	return out
}

// ScoreText scores lowercase page text. A category counts only with at least MinHits
// distinct words; a high content score on a low static score gets the trap boost. A
// category that only reaches MinHits with the script text scores its content weight
// divided by ScriptDivisor.
func ScoreText(text Text, staticScore int, rules *config.Rules) Result {
	var result Result
	if text.Visible == "" && text.Script == "" {
		return result
	}

	cfg := rules.Content
	score := 0
	for _, category := range rules.Taxonomy {
		if category.ContentWeight <= 0 {
			continue
		}
		weight := category.ContentWeight
		hits := classifier.MatchWords(text.Visible, category.Words)
		if len(hits) < cfg.MinHits && text.Script != "" {
			hits = classifier.MatchWords(text.Visible+" "+text.Script, category.Words)
			weight /= cfg.ScriptDivisor
		}
		if len(hits) < cfg.MinHits {
			continue
		}
		score += weight
		result.Categories = result.Categories.With(domain.ContentCategory(category.Name))
		result.Matches = append(result.Matches, hits...)
	}

	if staticScore < cfg.TrapStaticBelow && score >= cfg.TrapContentAtLeast {
		score += cfg.TrapBoost
	}

	if cfg.MaxMatches > 0 && len(result.Matches) > cfg.MaxMatches {
		result.Matches = result.Matches[:cfg.MaxMatches]
	}
	result.Score = min(score, 100)
	return result
}
