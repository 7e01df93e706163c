// Package quality checks referential integrity, completeness, internal
// consistency and in-batch duplication, and scores each record in [0,1].
package quality

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amr-import-engine/internal/domain"
)

// check categories; the score is the weighted fraction of categories passed.
const (
	checkReference    = "reference"
	checkCompleteness = "completeness"
	checkConsistency  = "consistency"
	checkDuplicates   = "duplicates"
)

// Assessor runs the quality check battery. Checks are independent and
// all-or-nothing per category.
type Assessor struct {
	log     *logrus.Logger
	refdata domain.ReferenceDataService
	weights map[string]float64
	minDate time.Time

	mu   sync.Mutex
	seen map[string]bool // composite duplicate keys within the batch
}

// NewAssessor builds an assessor for one batch. weights may be zero-valued,
// which falls back to equal weighting across check categories.
func NewAssessor(log *logrus.Logger, refdata domain.ReferenceDataService, w domain.QualityWeights, minDate time.Time) *Assessor {
	weights := map[string]float64{
		checkReference:    w.Reference,
		checkCompleteness: w.Completeness,
		checkConsistency:  w.Consistency,
		checkDuplicates:   w.Duplicates,
	}
	total := 0.0
	for _, v := range weights {
		total += v
	}
	if total == 0 {
		for k := range weights {
			weights[k] = 1
		}
	}
	return &Assessor{
		log:     log,
		refdata: refdata,
		weights: weights,
		minDate: minDate,
		seen:    make(map[string]bool),
	}
}

// Assess computes the quality verdict for one unit. The assessment is
// computed once and immutable; issues found here are also attached to the
// unit so they surface in the batch report.
func (a *Assessor) Assess(ctx context.Context, unit *domain.IsolateUnit) *domain.QualityAssessment {
	qa := &domain.QualityAssessment{}
	passed := map[string]bool{
		checkReference:    a.checkReference(ctx, unit, qa),
		checkCompleteness: a.checkCompleteness(unit, qa),
		checkConsistency:  a.checkConsistency(unit, qa),
		checkDuplicates:   a.checkDuplicates(unit, qa),
	}

	var total, got float64
	for cat, w := range a.weights {
		total += w
		if passed[cat] {
			got += w
		}
	}
	if total > 0 {
		qa.Score = got / total
	}

	unit.Issues = append(unit.Issues, qa.Issues...)
	return qa
}

func (a *Assessor) checkReference(ctx context.Context, unit *domain.IsolateUnit, qa *domain.QualityAssessment) bool {
	ok := true
	if _, err := a.refdata.LookupOrganism(ctx, unit.Organism); err != nil {
		ok = false
		qa.Issues = append(qa.Issues, domain.RowIssue{
			Row: unit.Row, Kind: domain.IssueValidation, Field: string(domain.FieldOrganism),
			Severity: domain.SeverityWarning,
			Message:  fmt.Sprintf("organism code %q not in reference data", unit.Organism),
		})
	}
	for _, r := range unit.Results {
		if _, err := a.refdata.LookupAntibiotic(ctx, r.Antibiotic); err != nil {
			ok = false
			qa.Issues = append(qa.Issues, domain.RowIssue{
				Row: unit.Row, Kind: domain.IssueValidation, Field: r.Antibiotic,
				Severity: domain.SeverityWarning,
				Message:  fmt.Sprintf("antibiotic code %q not in reference data", r.Antibiotic),
			})
		}
	}
	return ok
}

func (a *Assessor) checkCompleteness(unit *domain.IsolateUnit, qa *domain.QualityAssessment) bool {
	ok := true
	missing := func(field, msg string) {
		ok = false
		qa.Issues = append(qa.Issues, domain.RowIssue{
			Row: unit.Row, Kind: domain.IssueValidation, Field: field,
			Severity: domain.SeverityWarning, Message: msg,
		})
	}
	if unit.CollectionDate.IsZero() {
		missing(string(domain.FieldCollectionDate), "collection date is missing or unparseable")
	}
	if strings.TrimSpace(unit.SpecimenSource) == "" {
		missing(string(domain.FieldSpecimenSource), "specimen source is empty")
	}
	if strings.TrimSpace(unit.Facility) == "" {
		missing(string(domain.FieldFacility), "facility is empty")
	}
	return ok
}

func (a *Assessor) checkConsistency(unit *domain.IsolateUnit, qa *domain.QualityAssessment) bool {
	if unit.CollectionDate.IsZero() {
		return true // completeness already flags the missing date
	}
	ok := true
	now := time.Now()
	if unit.CollectionDate.After(now) {
		ok = false
		qa.Issues = append(qa.Issues, domain.RowIssue{
			Row: unit.Row, Kind: domain.IssueValidation, Field: string(domain.FieldCollectionDate),
			Severity: domain.SeverityWarning,
			Message:  "collection date is in the future",
		})
	}
	if !a.minDate.IsZero() && unit.CollectionDate.Before(a.minDate) {
		ok = false
		qa.Issues = append(qa.Issues, domain.RowIssue{
			Row: unit.Row, Kind: domain.IssueValidation, Field: string(domain.FieldCollectionDate),
			Severity: domain.SeverityWarning,
			Message:  fmt.Sprintf("collection date precedes minimum %s", a.minDate.Format("2006-01-02")),
		})
	}
	return ok
}

// checkDuplicates flags repeats of (specimen id, organism, antibiotic,
// collection date) within the batch. Duplicates are flagged, not dropped:
// disposition belongs to the committing actor.
func (a *Assessor) checkDuplicates(unit *domain.IsolateUnit, qa *domain.QualityAssessment) bool {
	ok := true
	date := unit.CollectionDate.Format("2006-01-02")

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range unit.Results {
		key := strings.Join([]string{unit.SpecimenID, unit.Organism, r.Antibiotic, date}, "|")
		if a.seen[key] {
			ok = false
			qa.Issues = append(qa.Issues, domain.RowIssue{
				Row: unit.Row, Kind: domain.IssueDuplicate, Field: r.Antibiotic,
				Severity: domain.SeverityWarning,
				Message:  fmt.Sprintf("duplicate result for specimen %s / %s / %s on %s", unit.SpecimenID, unit.Organism, r.Antibiotic, date),
			})
			continue
		}
		a.seen[key] = true
	}
	return ok
}

// Aggregate folds per-record assessments into the batch-level verdict.
func Aggregate(assessments []*domain.QualityAssessment, units []*domain.IsolateUnit) domain.BatchQuality {
	bq := domain.BatchQuality{SeverityCounts: make(map[domain.Severity]int)}
	if len(assessments) == 0 {
		return bq
	}

	var sum float64
	complete := 0
	for i, qa := range assessments {
		sum += qa.Score
		if i < len(units) {
			if hasRequired(units[i]) {
				complete++
			}
			for _, issue := range units[i].AllIssues() {
				bq.SeverityCounts[issue.Severity]++
			}
		}
	}
	bq.MeanScore = sum / float64(len(assessments))
	bq.Completeness = float64(complete) / float64(len(assessments))
	return bq
}

func hasRequired(unit *domain.IsolateUnit) bool {
	return unit.SpecimenID != "" && unit.Organism != "" &&
		!unit.CollectionDate.IsZero() && unit.SpecimenSource != ""
}
