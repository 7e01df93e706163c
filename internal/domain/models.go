package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SourceFile is an uploaded surveillance file: immutable bytes plus the
// declared or sniffed format and encoding. It lives only for the duration of
// one import batch; the ledger keeps its checksum, never its contents.
type SourceFile struct {
	Name           string
	Data           []byte
	DeclaredFormat SourceFormat // empty when the caller did not declare one
	Format         SourceFormat // resolved by detection
	Encoding       string       // "utf-8", "utf-16le", "utf-16be"
	Checksum       string

	// Spreadsheet options: which sheet to read and how many rows precede
	// the header row.
	Sheet           string
	HeaderRowOffset int

	// RecordElement names the per-record XML element for structured XML input.
	RecordElement string
}

// NewSourceFile wraps raw bytes with a SHA-256 checksum.
func NewSourceFile(name string, data []byte, declared SourceFormat) *SourceFile {
	sum := sha256.Sum256(data)
	return &SourceFile{
		Name:           name,
		Data:           data,
		DeclaredFormat: declared,
		Checksum:       hex.EncodeToString(sum[:]),
	}
}

// RawRecord is one source row: column name to raw string value, plus the
// zero-based row offset used for checkpointing and issue reporting.
type RawRecord struct {
	Offset int64
	Values map[string]string
}

// RowIssue is one accumulated problem on a row or result. Row issues are
// reported in the batch summary and never abort the batch.
type RowIssue struct {
	Row      int64     `json:"row"`
	Kind     IssueKind `json:"kind"`
	Field    string    `json:"field,omitempty"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
}

func (i RowIssue) String() string {
	return fmt.Sprintf("row %d [%s/%s] %s: %s", i.Row, i.Kind, i.Severity, i.Field, i.Message)
}

// ColumnMapping binds one source column to a target field slot.
type ColumnMapping struct {
	Source   string `json:"source"`
	Target   Field  `json:"target"`
	Required bool   `json:"required"`
}

// CustomField describes a user-defined field carried through the import
// alongside the standard fields.
type CustomField struct {
	Name       string    `json:"name"`
	Type       FieldType `json:"type"`
	EnumValues []string  `json:"enum_values,omitempty"`
}

// Validate checks the value of a custom field against its declared type.
func (cf *CustomField) Validate(value string) error {
	if value == "" {
		return nil
	}
	switch cf.Type {
	case FieldString:
		return nil
	case FieldNumber:
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return fmt.Errorf("%q is not a number", value)
		}
		return nil
	case FieldDate:
		if _, err := ParseDate(value); err != nil {
			return fmt.Errorf("%q is not a date", value)
		}
		return nil
	case FieldEnum:
		for _, v := range cf.EnumValues {
			if strings.EqualFold(v, value) {
				return nil
			}
		}
		return fmt.Errorf("%q is not one of %v", value, cf.EnumValues)
	default:
		return fmt.Errorf("unknown field type %q", cf.Type)
	}
}

// MappingTemplate is a named, reusable column-to-field mapping owned by a
// user or organization. A template referenced by a committed batch is
// locked; a running batch may clone-and-override but never mutates it.
type MappingTemplate struct {
	ID              string          `json:"id"`
	Owner           string          `json:"owner"`
	Name            string          `json:"name"`
	Version         int             `json:"version"`
	Mode            MappingMode     `json:"mode"`
	Standard        string          `json:"standard"`         // e.g. "CLSI", "EUCAST"
	StandardVersion string          `json:"standard_version"` // e.g. "2024"
	Columns         []ColumnMapping `json:"columns"`
	CustomFields    []CustomField   `json:"custom_fields,omitempty"`
	Locked          bool            `json:"locked"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Validate checks template integrity before it is saved or used.
func (t *MappingTemplate) Validate() error {
	if t.Owner == "" {
		return errors.New("template validation: owner is required")
	}
	if t.Name == "" {
		return errors.New("template validation: name is required")
	}
	if !t.Mode.IsValid() {
		return fmt.Errorf("template validation: invalid mode %q", t.Mode)
	}
	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if c.Source == "" {
			return errors.New("template validation: column mapping with empty source")
		}
		if seen[c.Source] {
			return fmt.Errorf("template validation: source column %q mapped twice", c.Source)
		}
		seen[c.Source] = true
	}
	for _, cf := range t.CustomFields {
		if cf.Name == "" {
			return errors.New("template validation: custom field with empty name")
		}
		if !cf.Type.IsValid() {
			return fmt.Errorf("template validation: custom field %q has invalid type %q", cf.Name, cf.Type)
		}
		if cf.Type == FieldEnum && len(cf.EnumValues) == 0 {
			return fmt.Errorf("template validation: enum field %q has no values", cf.Name)
		}
	}
	return nil
}

// Clone returns an unlocked deep copy for per-batch overrides.
func (t *MappingTemplate) Clone() *MappingTemplate {
	cp := *t
	cp.Locked = false
	cp.Columns = append([]ColumnMapping(nil), t.Columns...)
	cp.CustomFields = make([]CustomField, len(t.CustomFields))
	for i, cf := range t.CustomFields {
		cp.CustomFields[i] = cf
		cp.CustomFields[i].EnumValues = append([]string(nil), cf.EnumValues...)
	}
	return &cp
}

// TargetFor returns the field a source column maps to, if any.
func (t *MappingTemplate) TargetFor(source string) (Field, bool) {
	for _, c := range t.Columns {
		if c.Source == source {
			return c.Target, true
		}
	}
	return "", false
}

// PartialRecord is a row after mapping resolution: standard fields filled,
// custom fields validated, everything else preserved in the unmapped bag.
type PartialRecord struct {
	Offset   int64
	Fields   map[Field]string
	Custom   map[string]string
	Unmapped map[string]string
	Issues   []RowIssue
	Fatal    bool
}

// AddIssue appends an issue and marks the record fatal when warranted.
func (pr *PartialRecord) AddIssue(kind IssueKind, field string, sev Severity, msg string) {
	pr.Issues = append(pr.Issues, RowIssue{
		Row: pr.Offset, Kind: kind, Field: field, Severity: sev, Message: msg,
	})
	if sev == SeverityFatal {
		pr.Fatal = true
	}
}

// Measurement is a raw AST measurement: optional comparison operator,
// numeric value, optional unit (mg/L for MIC, mm for zone diameters).
type Measurement struct {
	Operator ComparisonOperator `json:"operator,omitempty"`
	Value    float64            `json:"value"`
	Unit     string             `json:"unit,omitempty"`
}

func (m Measurement) String() string {
	s := string(m.Operator) + strconv.FormatFloat(m.Value, 'f', -1, 64)
	if m.Unit != "" {
		s += " " + m.Unit
	}
	return s
}

// AntibioticResult is one antibiotic test outcome for an isolate. After
// interpretation every result carries exactly one non-empty category, or a
// non-OK status explaining why it does not.
type AntibioticResult struct {
	Antibiotic      string       `json:"antibiotic"`
	Method          TestMethod   `json:"method"`
	Value           *Measurement `json:"value,omitempty"`
	Category        Category     `json:"category,omitempty"`
	Standard        string       `json:"standard,omitempty"`
	StandardVersion string       `json:"standard_version,omitempty"`
	Provenance      Provenance   `json:"provenance"`
	Status          ResultStatus `json:"status"`
	Issues          []RowIssue   `json:"issues,omitempty"`
}

// IsolateUnit is the normalized isolate record: one organism/specimen/patient
// context plus its ordered antibiotic results.
type IsolateUnit struct {
	Row            int64              `json:"row"`
	PatientID      string             `json:"patient_id,omitempty"`
	SpecimenID     string             `json:"specimen_id"`
	SpecimenSource string             `json:"specimen_source"`
	Organism       string             `json:"organism"`
	CollectionDate time.Time          `json:"collection_date"`
	Facility       string             `json:"facility,omitempty"`
	Custom         map[string]string  `json:"custom,omitempty"`
	Results        []AntibioticResult `json:"results"`
	Issues         []RowIssue         `json:"issues,omitempty"`
}

// CommittableResults returns the results eligible for commit.
func (u *IsolateUnit) CommittableResults() []AntibioticResult {
	out := make([]AntibioticResult, 0, len(u.Results))
	for _, r := range u.Results {
		if r.Status.Committable() {
			out = append(out, r)
		}
	}
	return out
}

// AllIssues flattens isolate-level and per-result issues.
func (u *IsolateUnit) AllIssues() []RowIssue {
	out := append([]RowIssue(nil), u.Issues...)
	for _, r := range u.Results {
		out = append(out, r.Issues...)
	}
	return out
}

// HasFatal reports whether any isolate-level issue is fatal.
func (u *IsolateUnit) HasFatal() bool {
	for _, i := range u.Issues {
		if i.Severity == SeverityFatal {
			return true
		}
	}
	return false
}

// QualityAssessment is the per-record quality verdict, computed once and
// never mutated afterwards.
type QualityAssessment struct {
	Score  float64    `json:"score"` // in [0,1]
	Issues []RowIssue `json:"issues,omitempty"`
}

// BatchQuality aggregates per-record assessments over a batch.
type BatchQuality struct {
	MeanScore      float64          `json:"mean_score"`
	Completeness   float64          `json:"completeness"` // fraction of records with all required fields
	SeverityCounts map[Severity]int `json:"severity_counts"`
}

// BatchCounts tracks per-phase record counts for a batch.
type BatchCounts struct {
	Parsed      int `json:"parsed"`
	Interpreted int `json:"interpreted"`
	Committed   int `json:"committed"`
	Errored     int `json:"errored"`
}

// ImportBatch is the ledger entry for one import run. Once committed, the
// set of row ids it wrote is fixed and is the sole input to rollback.
type ImportBatch struct {
	ID               string           `json:"id"`
	TemplateSnapshot *MappingTemplate `json:"template_snapshot,omitempty"`
	SourceChecksum   string           `json:"source_checksum"`
	SourceName       string           `json:"source_name"`
	Status           BatchStatus      `json:"status"`
	Counts           BatchCounts      `json:"counts"`
	RowIDs           []string         `json:"row_ids,omitempty"`
	Actor            string           `json:"actor"`
	Error            string           `json:"error,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	CommittedAt      *time.Time       `json:"committed_at,omitempty"`
}

// BatchFilter narrows ledger listings.
type BatchFilter struct {
	Actor  string
	Status BatchStatus
	Since  time.Time
	Limit  int
}

// BatchReport is what the caller always receives, regardless of partial
// failure: status, counts, aggregate quality, and every row issue.
type BatchReport struct {
	BatchID  string       `json:"batch_id"`
	Status   BatchStatus  `json:"status"`
	Counts   BatchCounts  `json:"counts"`
	Quality  BatchQuality `json:"quality"`
	Issues   []RowIssue   `json:"issues,omitempty"`
	Warnings []string     `json:"warnings,omitempty"`
}

// Organism is reference data for an organism code.
type Organism struct {
	Code  string `json:"code"`
	Name  string `json:"name"`
	Class string `json:"class"` // e.g. "Enterobacterales"
}

// Antibiotic is reference data for an antibiotic code.
type Antibiotic struct {
	Code  string `json:"code"`
	Name  string `json:"name"`
	Class string `json:"class"`
}

// BreakpointRule is one breakpoint table entry. Read-only reference data;
// the engine never creates or mutates rules.
//
// For MIC methods SusceptibleMax and ResistantMin bound the S and R ranges
// (values strictly between are I). For zone-diameter methods the comparison
// is mirrored: SusceptibleMin and ResistantMax bound S and R.
type BreakpointRule struct {
	Organism      string     `json:"organism,omitempty"`       // exact organism code, or empty
	OrganismClass string     `json:"organism_class,omitempty"` // class-level rule when Organism empty
	Antibiotic    string     `json:"antibiotic"`
	Specimen      string     `json:"specimen,omitempty"` // empty matches any specimen
	Method        TestMethod `json:"method"`
	Standard      string     `json:"standard"`
	Version       string     `json:"version"`
	EffectiveFrom time.Time  `json:"effective_from,omitempty"`
	EffectiveTo   time.Time  `json:"effective_to,omitempty"`

	SusceptibleMax float64 `json:"susceptible_max,omitempty"` // MIC: <= means S
	ResistantMin   float64 `json:"resistant_min,omitempty"`   // MIC: >= means R
	SusceptibleMin float64 `json:"susceptible_min,omitempty"` // zone: >= means S
	ResistantMax   float64 `json:"resistant_max,omitempty"`   // zone: <= means R

	// InclusiveSusceptible controls the boundary tie-break: when true, a
	// value exactly at the susceptible threshold is S. Defaults to true
	// when the source standard does not specify.
	InclusiveSusceptible bool `json:"inclusive_susceptible"`
}

// BreakpointQuery keys a breakpoint lookup.
type BreakpointQuery struct {
	Organism   string
	Antibiotic string
	Specimen   string
	Method     TestMethod
	Standard   string
	Version    string
}

// Specificity scores how precisely a rule matches a query; higher wins.
// Exact organism beats class, a named specimen beats the wildcard.
func (r *BreakpointRule) Specificity(q BreakpointQuery) int {
	score := 0
	if r.Organism != "" && r.Organism == q.Organism {
		score += 4
	}
	if r.Specimen != "" && strings.EqualFold(r.Specimen, q.Specimen) {
		score += 2
	}
	if r.Method == q.Method {
		score++
	}
	return score
}

// dateLayouts are the accepted collection-date spellings, tried in order.
// WHONET exports use DD/MM/YYYY; spreadsheets frequently hold ISO dates.
var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"02/01/2006",
	"01/02/2006",
	"02-Jan-2006",
	time.RFC3339,
}

// ParseDate parses a date in any accepted surveillance layout.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty date")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}
