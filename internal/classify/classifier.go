// Package classify turns mapped rows into normalized isolate units. It makes
// two independent decisions per row: wide vs. long layout, and — per result
// cell — whether the value is a raw measurement or a category already
// interpreted by the source laboratory.
package classify

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/amr-import-engine/internal/domain"
)

// antibioticColumn matches wide-format result headers that embed the
// antibiotic code, e.g. AMP_SIR, GEN_MIC, CIP_DISK, AMP_ND10 (WHONET disk
// column), AMP_NM (WHONET MIC column), AMP_NE (E-test).
var antibioticColumn = regexp.MustCompile(`^([A-Za-z]{2,4}[0-9]?)[_-](SIR|MIC|DISK|ND[0-9]*|NM|NE|E)$`)

// categoryToken matches a pre-interpreted category, optionally carrying the
// underlying measurement, e.g. "R", "ns", "R(<=4)", "S (>= 22 mm)".
var categoryToken = regexp.MustCompile(`^(?i)(S|I|R|NS|U)\s*(?:\(\s*(<=|>=|<|>)?\s*([0-9]+(?:\.[0-9]+)?)\s*([a-zA-Zµ/%]*)\s*\))?$`)

// rawToken matches a bare measurement with an optional comparison operator
// and unit, e.g. "4", "<=0.25", ">32 mg/L", "17 mm".
var rawToken = regexp.MustCompile(`^(<=|>=|<|>)?\s*([0-9]+(?:\.[0-9]+)?)\s*([a-zA-Zµ/%]*)$`)

// Classifier builds isolate units from partial records.
type Classifier struct {
	log *logrus.Logger
}

func NewClassifier(log *logrus.Logger) *Classifier {
	return &Classifier{log: log}
}

// Classify converts one mapped row into an isolate unit. tpl may be nil; it
// supplies the mode and the batch-level breakpoint standard declaration.
// A fatal record is returned as-is with nil unit so callers can report it.
func (c *Classifier) Classify(pr *domain.PartialRecord, tpl *domain.MappingTemplate) (*domain.IsolateUnit, error) {
	if pr.Fatal {
		return nil, fmt.Errorf("row %d is fatal and cannot be classified", pr.Offset)
	}

	unit := &domain.IsolateUnit{
		Row:            pr.Offset,
		PatientID:      pr.Fields[domain.FieldPatientID],
		SpecimenID:     pr.Fields[domain.FieldSpecimenID],
		SpecimenSource: pr.Fields[domain.FieldSpecimenSource],
		Organism:       strings.TrimSpace(pr.Fields[domain.FieldOrganism]),
		Facility:       pr.Fields[domain.FieldFacility],
		Custom:         pr.Custom,
		Issues:         pr.Issues,
	}

	if raw := pr.Fields[domain.FieldCollectionDate]; raw != "" {
		date, err := domain.ParseDate(raw)
		if err != nil {
			unit.Issues = append(unit.Issues, domain.RowIssue{
				Row: pr.Offset, Kind: domain.IssueClassification,
				Field: string(domain.FieldCollectionDate), Severity: domain.SeverityWarning,
				Message: err.Error(),
			})
		} else {
			unit.CollectionDate = date
		}
	}

	standard, version := c.declaredStandard(pr, tpl)

	wideColumns := matchAntibioticColumns(pr.Unmapped)
	wide := len(wideColumns) > 1 || (len(wideColumns) == 1 && pr.Fields[domain.FieldAntibiotic] == "")
	if tpl != nil && tpl.Mode.IsValid() {
		// An explicit template mode overrides column-shape inference.
		wide = tpl.Mode == domain.ModeWide
	}
	if wide {
		c.expandWide(pr, unit, wideColumns, standard, version)
	} else {
		c.classifyLong(pr, unit, standard, version)
	}

	// Pre-interpreted input without a declared breakpoint standard cannot
	// be trusted: the provenance of the category is unknown.
	for _, r := range unit.Results {
		if r.Provenance == domain.ProvenancePreInterpreted && r.Standard == "" {
			unit.Issues = append(unit.Issues, domain.RowIssue{
				Row: pr.Offset, Kind: domain.IssueClassification,
				Field: r.Antibiotic, Severity: domain.SeverityFatal,
				Message: "pre-interpreted category without a declared breakpoint standard/version",
			})
			break
		}
	}

	return unit, nil
}

// declaredStandard resolves the breakpoint standard/version for a row: the
// row's own columns win, then the template/batch-level declaration.
func (c *Classifier) declaredStandard(pr *domain.PartialRecord, tpl *domain.MappingTemplate) (string, string) {
	standard := strings.TrimSpace(pr.Fields[domain.FieldStandard])
	version := strings.TrimSpace(pr.Fields[domain.FieldStandardVer])
	if standard == "" && tpl != nil {
		standard = tpl.Standard
	}
	if version == "" && tpl != nil {
		version = tpl.StandardVersion
	}
	return standard, version
}

// wideColumn is one matched antibiotic-result header.
type wideColumn struct {
	header     string
	antibiotic string
	method     domain.TestMethod
}

func matchAntibioticColumns(unmapped map[string]string) []wideColumn {
	var cols []wideColumn
	for header := range unmapped {
		m := antibioticColumn.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(header)))
		if m == nil {
			continue
		}
		cols = append(cols, wideColumn{
			header:     header,
			antibiotic: m[1],
			method:     methodForSuffix(m[2]),
		})
	}
	// Deterministic expansion order regardless of map iteration.
	sort.Slice(cols, func(i, j int) bool { return cols[i].header < cols[j].header })
	return cols
}

func methodForSuffix(suffix string) domain.TestMethod {
	switch {
	case suffix == "SIR":
		return domain.MethodPreInterpreted
	case suffix == "MIC" || suffix == "NM":
		return domain.MethodMIC
	case suffix == "DISK" || strings.HasPrefix(suffix, "ND"):
		return domain.MethodDisk
	case suffix == "NE" || suffix == "E":
		return domain.MethodETest
	default:
		return domain.MethodPreInterpreted
	}
}

// expandWide yields one result per matched antibiotic column, all sharing
// the row's isolate-level fields.
func (c *Classifier) expandWide(pr *domain.PartialRecord, unit *domain.IsolateUnit, cols []wideColumn, standard, version string) {
	for _, col := range cols {
		value := strings.TrimSpace(pr.Unmapped[col.header])
		if value == "" {
			continue // untested antibiotic; no unit
		}
		result := c.classifyValue(pr.Offset, col.antibiotic, col.method, value, standard, version)
		unit.Results = append(unit.Results, result)
	}
	c.log.WithFields(logrus.Fields{
		"row":     pr.Offset,
		"results": len(unit.Results),
	}).Debug("Expanded wide-format row")
}

// classifyLong reads the single antibiotic/value pair of a long-format row.
func (c *Classifier) classifyLong(pr *domain.PartialRecord, unit *domain.IsolateUnit, standard, version string) {
	antibiotic := strings.TrimSpace(pr.Fields[domain.FieldAntibiotic])
	value := strings.TrimSpace(pr.Fields[domain.FieldResultValue])
	if antibiotic == "" && value == "" {
		return // isolate metadata only
	}

	method := parseMethod(pr.Fields[domain.FieldMethod])
	result := c.classifyValue(pr.Offset, antibiotic, method, value, standard, version)
	unit.Results = append(unit.Results, result)
}

func parseMethod(s string) domain.TestMethod {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "disk", "disc", "dd", "disk diffusion":
		return domain.MethodDisk
	case "mic", "broth microdilution", "bmd":
		return domain.MethodMIC
	case "etest", "e-test", "gradient":
		return domain.MethodETest
	case "", "interpreted", "pre-interpreted", "sir":
		return domain.MethodPreInterpreted
	default:
		return domain.MethodPreInterpreted
	}
}

// classifyValue decides raw vs. pre-interpreted for one result cell.
func (c *Classifier) classifyValue(row int64, antibiotic string, method domain.TestMethod, value, standard, version string) domain.AntibioticResult {
	result := domain.AntibioticResult{
		Antibiotic:      strings.ToUpper(antibiotic),
		Method:          method,
		Standard:        standard,
		StandardVersion: version,
		Status:          domain.StatusOK,
	}

	if m := categoryToken.FindStringSubmatch(value); m != nil {
		result.Provenance = domain.ProvenancePreInterpreted
		result.Category = domain.Category(strings.ToUpper(m[1]))
		if m[3] != "" {
			// Embedded measurement, e.g. R(<=4): keep it for cross-checking.
			result.Value = parseMeasurement(m[2], m[3], m[4])
			if method == domain.MethodPreInterpreted {
				result.Method = domain.MethodMIC
			}
		} else if method != domain.MethodPreInterpreted {
			result.Method = domain.MethodPreInterpreted
		}
		return result
	}

	if m := rawToken.FindStringSubmatch(value); m != nil {
		result.Provenance = domain.ProvenanceRaw
		result.Value = parseMeasurement(m[1], m[2], m[3])
		if result.Method == domain.MethodPreInterpreted {
			// A bare number under a pre-interpreted method declaration is
			// still a measurement; assume MIC unless a unit says otherwise.
			if strings.EqualFold(result.Value.Unit, "mm") {
				result.Method = domain.MethodDisk
			} else {
				result.Method = domain.MethodMIC
			}
		}
		return result
	}

	result.Status = domain.StatusUnclassifiable
	result.Issues = append(result.Issues, domain.RowIssue{
		Row: row, Kind: domain.IssueClassification, Field: antibiotic,
		Severity: domain.SeverityWarning,
		Message:  fmt.Sprintf("value %q is neither a category token nor a measurement", value),
	})
	return result
}

func parseMeasurement(op, number, unit string) *domain.Measurement {
	v, _ := strconv.ParseFloat(number, 64)
	return &domain.Measurement{
		Operator: domain.ComparisonOperator(op),
		Value:    v,
		Unit:     strings.TrimSpace(unit),
	}
}
