// Package interpret derives categorical results from raw AST measurements by
// applying breakpoint rules, and cross-checks pre-interpreted categories
// against any accompanying measurement.
package interpret

import (
	"context"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/amr-import-engine/internal/domain"
)

// lookupCacheSize bounds the per-engine breakpoint memo. A batch touches at
// most organisms x antibiotics distinct keys, far below this.
const lookupCacheSize = 4096

// Engine resolves every antibiotic result of an isolate unit to a category
// or a terminal status. Interpretation is deterministic and side-effect-free
// over an immutable rule snapshot, so lookups are memoized.
type Engine struct {
	log     *logrus.Logger
	refdata domain.ReferenceDataService
	cache   *lru.Cache[string, []domain.BreakpointRule]
}

func NewEngine(log *logrus.Logger, refdata domain.ReferenceDataService) (*Engine, error) {
	cache, err := lru.New[string, []domain.BreakpointRule](lookupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating breakpoint cache: %w", err)
	}
	return &Engine{log: log, refdata: refdata, cache: cache}, nil
}

// Interpret resolves every result on the unit in place. After a successful
// return, each result either carries exactly one non-empty category or a
// non-OK status explaining why it does not.
func (e *Engine) Interpret(ctx context.Context, unit *domain.IsolateUnit) error {
	for i := range unit.Results {
		r := &unit.Results[i]
		switch {
		case r.Status == domain.StatusUnclassifiable:
			// Reported downstream, never committed; nothing to interpret.
		case r.Provenance == domain.ProvenancePreInterpreted:
			e.crossCheck(ctx, unit, r)
		default:
			e.interpretRaw(ctx, unit, r)
		}
	}
	return nil
}

// interpretRaw looks up the applicable breakpoint rule and derives the
// category. No matching rule marks the result uninterpretable: it is
// reported and excluded from resistance statistics, but the isolate's
// metadata still commits.
func (e *Engine) interpretRaw(ctx context.Context, unit *domain.IsolateUnit, r *domain.AntibioticResult) {
	if r.Value == nil {
		r.Status = domain.StatusFailed
		r.Issues = append(r.Issues, domain.RowIssue{
			Row: unit.Row, Kind: domain.IssueInterpretationGap, Field: r.Antibiotic,
			Severity: domain.SeverityWarning, Message: "raw result has no measurement",
		})
		return
	}

	rule, err := e.matchRule(ctx, unit, r)
	if err != nil {
		r.Status = domain.StatusUninterpretable
		r.Issues = append(r.Issues, domain.RowIssue{
			Row: unit.Row, Kind: domain.IssueInterpretationGap, Field: r.Antibiotic,
			Severity: domain.SeverityWarning, Message: err.Error(),
		})
		return
	}

	r.Category = categorize(rule, r.Method, r.Value.Value)
	r.Status = domain.StatusOK

	e.log.WithFields(logrus.Fields{
		"row":        unit.Row,
		"organism":   unit.Organism,
		"antibiotic": r.Antibiotic,
		"value":      r.Value.String(),
		"category":   r.Category.String(),
	}).Debug("Interpreted raw measurement")
}

// crossCheck accepts the supplied category as-is — source labs are
// authoritative for their own interpretation — but flags a disagreement
// with any accompanying raw value as a warning-severity quality issue.
func (e *Engine) crossCheck(ctx context.Context, unit *domain.IsolateUnit, r *domain.AntibioticResult) {
	r.Status = domain.StatusOK
	if r.Value == nil {
		return
	}

	method := r.Method
	if method == domain.MethodPreInterpreted {
		method = domain.MethodMIC
	}
	checkResult := *r
	checkResult.Method = method
	rule, err := e.matchRule(ctx, unit, &checkResult)
	if err != nil {
		return // nothing to check against
	}

	derived := categorize(rule, method, r.Value.Value)
	if derived != r.Category {
		r.Issues = append(r.Issues, domain.RowIssue{
			Row: unit.Row, Kind: domain.IssueValidation, Field: r.Antibiotic,
			Severity: domain.SeverityWarning,
			Message: fmt.Sprintf("declared category %s disagrees with measurement %s (breakpoint derives %s)",
				r.Category, r.Value.String(), derived),
		})
	}
}

// matchRule finds the single most specific breakpoint rule for a result.
// A true specificity tie is an interpretation gap, never a silent guess;
// the reference-data owner resolves it by authoring a more specific rule.
func (e *Engine) matchRule(ctx context.Context, unit *domain.IsolateUnit, r *domain.AntibioticResult) (*domain.BreakpointRule, error) {
	q := domain.BreakpointQuery{
		Organism:   unit.Organism,
		Antibiotic: r.Antibiotic,
		Specimen:   unit.SpecimenSource,
		Method:     r.Method,
		Standard:   r.Standard,
		Version:    r.StandardVersion,
	}

	rules, err := e.lookup(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("breakpoint lookup failed: %v", err)
	}

	var (
		best      *domain.BreakpointRule
		bestScore = -1
		tied      bool
	)
	for i := range rules {
		rule := &rules[i]
		if !applies(rule, q, unit) {
			continue
		}
		score := rule.Specificity(q)
		switch {
		case score > bestScore:
			best, bestScore, tied = rule, score, false
		case score == bestScore:
			tied = true
		}
	}

	if best == nil {
		return nil, fmt.Errorf("no breakpoint for %s/%s (%s %s, method %s)",
			unit.Organism, r.Antibiotic, r.Standard, r.StandardVersion, r.Method)
	}
	if tied {
		return nil, fmt.Errorf("ambiguous breakpoints for %s/%s (%s %s): multiple rules tie at specificity %d",
			unit.Organism, r.Antibiotic, r.Standard, r.StandardVersion, bestScore)
	}
	return best, nil
}

// applies filters rules to those matching the query's organism (exact code
// or organism class), specimen (named or wildcard) and effective date range.
func applies(rule *domain.BreakpointRule, q domain.BreakpointQuery, unit *domain.IsolateUnit) bool {
	if rule.Organism != "" && rule.Organism != q.Organism {
		return false
	}
	if rule.Specimen != "" && !strings.EqualFold(rule.Specimen, q.Specimen) {
		return false
	}
	if rule.Method != q.Method {
		return false
	}
	if !unit.CollectionDate.IsZero() {
		if !rule.EffectiveFrom.IsZero() && unit.CollectionDate.Before(rule.EffectiveFrom) {
			return false
		}
		if !rule.EffectiveTo.IsZero() && unit.CollectionDate.After(rule.EffectiveTo) {
			return false
		}
	}
	return true
}

// categorize applies the rule's comparison semantics. MIC: values at or
// below the susceptible threshold are S, at or above the resistant threshold
// are R, between is I. Zone diameters mirror this: larger is more
// susceptible. Boundary equality at the susceptible threshold follows the
// rule's inclusive flag.
func categorize(rule *domain.BreakpointRule, method domain.TestMethod, value float64) domain.Category {
	if method.UsesZoneDiameter() {
		switch {
		case value > rule.SusceptibleMin:
			return domain.CategorySusceptible
		case value == rule.SusceptibleMin:
			if rule.InclusiveSusceptible {
				return domain.CategorySusceptible
			}
			return domain.CategoryIntermediate
		case value <= rule.ResistantMax:
			return domain.CategoryResistant
		default:
			return domain.CategoryIntermediate
		}
	}

	switch {
	case value < rule.SusceptibleMax:
		return domain.CategorySusceptible
	case value == rule.SusceptibleMax:
		if rule.InclusiveSusceptible {
			return domain.CategorySusceptible
		}
		return domain.CategoryIntermediate
	case value >= rule.ResistantMin:
		return domain.CategoryResistant
	default:
		return domain.CategoryIntermediate
	}
}

// lookup memoizes reference-service breakpoint queries for the life of the
// engine. Reference data is immutable for a given standard+version, so
// entries never need invalidation.
func (e *Engine) lookup(ctx context.Context, q domain.BreakpointQuery) ([]domain.BreakpointRule, error) {
	key := strings.Join([]string{q.Organism, q.Antibiotic, q.Specimen, string(q.Method), q.Standard, q.Version}, "|")
	if rules, ok := e.cache.Get(key); ok {
		return rules, nil
	}
	rules, err := e.refdata.LookupBreakpoints(ctx, q)
	if err != nil {
		return nil, err
	}
	e.cache.Add(key, rules)
	return rules, nil
}
