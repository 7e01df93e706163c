package mapping

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/amr-import-engine/internal/domain"
)

// Resolver applies a mapping template (or header auto-matching when no
// template is given) to raw records, producing partially-typed records.
// Unmapped source columns are never dropped; they travel in the unmapped bag
// for audit.
type Resolver struct {
	log     *logrus.Logger
	matcher domain.ColumnMatcher
}

// NewResolver creates a resolver. matcher is used only in auto-map mode and
// may be nil when every import carries a template.
func NewResolver(log *logrus.Logger, matcher domain.ColumnMatcher) *Resolver {
	return &Resolver{log: log, matcher: matcher}
}

// Resolve maps one raw record. tpl may be nil (auto-map mode). Rows are
// never rejected here: mapping problems accumulate as issues, and a missing
// required field marks the row fatal so later stages skip it while the batch
// still counts and reports it.
func (r *Resolver) Resolve(rec *domain.RawRecord, tpl *domain.MappingTemplate) *domain.PartialRecord {
	pr := &domain.PartialRecord{
		Offset:   rec.Offset,
		Fields:   make(map[domain.Field]string),
		Custom:   make(map[string]string),
		Unmapped: make(map[string]string),
	}

	if tpl != nil {
		r.resolveWithTemplate(rec, tpl, pr)
	} else {
		r.autoMap(rec, pr)
	}

	for _, f := range domain.RequiredFields() {
		if _, ok := pr.Fields[f]; !ok {
			pr.AddIssue(domain.IssueMapping, string(f), domain.SeverityFatal,
				fmt.Sprintf("required field %q has no mapped source column", f))
		}
	}

	if pr.Fatal {
		r.log.WithFields(logrus.Fields{
			"row":    rec.Offset,
			"issues": len(pr.Issues),
		}).Debug("Row excluded by mapping resolution")
	}
	return pr
}

func (r *Resolver) resolveWithTemplate(rec *domain.RawRecord, tpl *domain.MappingTemplate, pr *domain.PartialRecord) {
	customByName := make(map[string]*domain.CustomField, len(tpl.CustomFields))
	for i := range tpl.CustomFields {
		customByName[tpl.CustomFields[i].Name] = &tpl.CustomFields[i]
	}

	for col, value := range rec.Values {
		if target, ok := tpl.TargetFor(col); ok {
			pr.Fields[target] = value
			continue
		}
		if cf, ok := customByName[col]; ok {
			if err := cf.Validate(value); err != nil {
				pr.AddIssue(domain.IssueMapping, cf.Name, domain.SeverityWarning,
					fmt.Sprintf("custom field type mismatch (%s): %v", cf.Type, err))
			} else {
				pr.Custom[col] = value
			}
			continue
		}
		pr.Unmapped[col] = value
	}
}

// autoMap matches source headers to target fields by normalized-name
// similarity. Columns the matcher cannot place stay in the unmapped bag,
// where the classifier may still recognize them as antibiotic result columns.
func (r *Resolver) autoMap(rec *domain.RawRecord, pr *domain.PartialRecord) {
	for col, value := range rec.Values {
		if r.matcher != nil {
			if target, ok := r.matcher.Match(col); ok {
				// First writer wins; a second column matching the same
				// target is kept as unmapped for audit.
				if _, taken := pr.Fields[target]; !taken {
					pr.Fields[target] = value
					continue
				}
			}
		}
		pr.Unmapped[col] = value
	}
}
