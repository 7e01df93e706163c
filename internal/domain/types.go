// Package domain contains the canonical entities and types for antimicrobial
// resistance (AMR) surveillance data import and breakpoint interpretation.
//
// Terminology follows the CLSI/EUCAST antimicrobial susceptibility testing
// (AST) standards: a raw measurement (MIC in mg/L, or a disk diffusion zone
// diameter in mm) is converted into a categorical result (S/I/R) by comparing
// it against the breakpoint thresholds published for a given organism,
// antibiotic, specimen type and method.
package domain

// SourceFormat identifies the physical format of an uploaded surveillance file.
type SourceFormat string

const (
	FormatDelimited   SourceFormat = "delimited"
	FormatSpreadsheet SourceFormat = "spreadsheet"
	FormatWHONETDB    SourceFormat = "whonet-db"
	FormatStructured  SourceFormat = "structured"
)

// IsValid reports whether the format is one the parser supports.
func (f SourceFormat) IsValid() bool {
	switch f {
	case FormatDelimited, FormatSpreadsheet, FormatWHONETDB, FormatStructured:
		return true
	default:
		return false
	}
}

func (f SourceFormat) String() string {
	return string(f)
}

// Category is the categorical AST result.
//
// S = susceptible, I = intermediate, R = resistant,
// NS = non-susceptible, U = uncertain/undetermined.
type Category string

const (
	CategorySusceptible    Category = "S"
	CategoryIntermediate   Category = "I"
	CategoryResistant      Category = "R"
	CategoryNonSusceptible Category = "NS"
	CategoryUndetermined   Category = "U"
)

// IsValid reports whether the category is a recognized AST category token.
func (c Category) IsValid() bool {
	switch c {
	case CategorySusceptible, CategoryIntermediate, CategoryResistant,
		CategoryNonSusceptible, CategoryUndetermined:
		return true
	default:
		return false
	}
}

func (c Category) String() string {
	return string(c)
}

// TestMethod identifies how an antibiotic result was measured.
type TestMethod string

const (
	MethodDisk           TestMethod = "disk"
	MethodMIC            TestMethod = "mic"
	MethodETest          TestMethod = "etest"
	MethodPreInterpreted TestMethod = "pre-interpreted"
)

// IsValid reports whether the test method is supported.
func (m TestMethod) IsValid() bool {
	switch m {
	case MethodDisk, MethodMIC, MethodETest, MethodPreInterpreted:
		return true
	default:
		return false
	}
}

func (m TestMethod) String() string {
	return string(m)
}

// UsesZoneDiameter reports whether measurements for this method are disk
// diffusion zone diameters, where larger values mean more susceptible.
func (m TestMethod) UsesZoneDiameter() bool {
	return m == MethodDisk
}

// Provenance records whether a result entered the system as a raw
// measurement or as a category already interpreted by the source laboratory.
type Provenance string

const (
	ProvenanceRaw            Provenance = "raw"
	ProvenancePreInterpreted Provenance = "pre-interpreted"
)

func (p Provenance) IsValid() bool {
	return p == ProvenanceRaw || p == ProvenancePreInterpreted
}

func (p Provenance) String() string {
	return string(p)
}

// ResultStatus is the terminal state of one antibiotic result after the
// pipeline has run. Only StatusOK results are eligible for commit.
type ResultStatus string

const (
	StatusOK              ResultStatus = "ok"
	StatusUnclassifiable  ResultStatus = "unclassifiable"
	StatusUninterpretable ResultStatus = "uninterpretable"
	StatusFailed          ResultStatus = "failed"
)

func (s ResultStatus) IsValid() bool {
	switch s {
	case StatusOK, StatusUnclassifiable, StatusUninterpretable, StatusFailed:
		return true
	default:
		return false
	}
}

func (s ResultStatus) String() string {
	return string(s)
}

// Committable reports whether a result in this status may be written by the
// batch committer. Uninterpretable results commit their isolate metadata but
// are excluded from resistance aggregates by the store.
func (s ResultStatus) Committable() bool {
	return s == StatusOK || s == StatusUninterpretable
}

// Severity grades a row-level issue.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityFatal   Severity = "fatal"
)

func (s Severity) IsValid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityFatal:
		return true
	default:
		return false
	}
}

func (s Severity) String() string {
	return string(s)
}

// IssueKind names the class of a row-level issue, mirroring the error
// taxonomy: mapping, classification, interpretation, validation.
type IssueKind string

const (
	IssueMapping           IssueKind = "mapping"
	IssueClassification    IssueKind = "classification"
	IssueInterpretationGap IssueKind = "interpretation-gap"
	IssueValidation        IssueKind = "validation"
	IssueDuplicate         IssueKind = "duplicate"
)

func (k IssueKind) IsValid() bool {
	switch k {
	case IssueMapping, IssueClassification, IssueInterpretationGap,
		IssueValidation, IssueDuplicate:
		return true
	default:
		return false
	}
}

func (k IssueKind) String() string {
	return string(k)
}

// BatchStatus is the lifecycle state of an import batch.
//
// Transitions: pending -> parsing -> validating -> committed | failed,
// and committed -> rolled-back. No other transition is legal.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchParsing    BatchStatus = "parsing"
	BatchValidating BatchStatus = "validating"
	BatchCommitted  BatchStatus = "committed"
	BatchFailed     BatchStatus = "failed"
	BatchRolledBack BatchStatus = "rolled-back"
)

func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchPending, BatchParsing, BatchValidating, BatchCommitted,
		BatchFailed, BatchRolledBack:
		return true
	default:
		return false
	}
}

func (s BatchStatus) String() string {
	return string(s)
}

// CanTransitionTo reports whether the status machine permits moving from the
// current status to next. Status transitions are the only mutation path for
// a ledger entry, so this is enforced at the ledger layer.
func (s BatchStatus) CanTransitionTo(next BatchStatus) bool {
	switch s {
	case BatchPending:
		return next == BatchParsing || next == BatchFailed
	case BatchParsing:
		return next == BatchValidating || next == BatchFailed
	case BatchValidating:
		return next == BatchCommitted || next == BatchFailed
	case BatchCommitted:
		return next == BatchRolledBack
	default:
		return false
	}
}

// Terminal reports whether no further transition except rollback is possible.
func (s BatchStatus) Terminal() bool {
	return s == BatchCommitted || s == BatchFailed || s == BatchRolledBack
}

// MappingMode declares whether a template maps long-format rows (one row per
// antibiotic result) or wide-format rows (many antibiotic columns per row).
type MappingMode string

const (
	ModeLong MappingMode = "long"
	ModeWide MappingMode = "wide"
)

func (m MappingMode) IsValid() bool {
	return m == ModeLong || m == ModeWide
}

func (m MappingMode) String() string {
	return string(m)
}

// FieldType is the declared type of a user-defined custom field.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldNumber FieldType = "number"
	FieldDate   FieldType = "date"
	FieldEnum   FieldType = "enum"
)

func (t FieldType) IsValid() bool {
	switch t {
	case FieldString, FieldNumber, FieldDate, FieldEnum:
		return true
	default:
		return false
	}
}

func (t FieldType) String() string {
	return string(t)
}

// Field names a standard target field an import column can map to.
type Field string

const (
	FieldPatientID      Field = "patient_id"
	FieldSpecimenID     Field = "specimen_id"
	FieldSpecimenSource Field = "specimen_source"
	FieldOrganism       Field = "organism"
	FieldCollectionDate Field = "collection_date"
	FieldFacility       Field = "facility"
	FieldAntibiotic     Field = "antibiotic"
	FieldResultValue    Field = "result_value"
	FieldMethod         Field = "method"
	FieldStandard       Field = "standard"
	FieldStandardVer    Field = "standard_version"
)

// StandardFields lists every standard target field, in canonical column
// order for long-format export.
func StandardFields() []Field {
	return []Field{
		FieldPatientID, FieldSpecimenID, FieldSpecimenSource, FieldOrganism,
		FieldCollectionDate, FieldFacility, FieldAntibiotic, FieldResultValue,
		FieldMethod, FieldStandard, FieldStandardVer,
	}
}

// RequiredFields lists the fields an import cannot proceed without.
// A row missing any of these after mapping is fatal.
func RequiredFields() []Field {
	return []Field{FieldSpecimenID, FieldOrganism, FieldCollectionDate, FieldSpecimenSource}
}

// ComparisonOperator qualifies a raw measurement, e.g. "<=4" for an MIC
// reported as at-or-below the lowest tested dilution.
type ComparisonOperator string

const (
	OpNone           ComparisonOperator = ""
	OpLess           ComparisonOperator = "<"
	OpLessOrEqual    ComparisonOperator = "<="
	OpGreater        ComparisonOperator = ">"
	OpGreaterOrEqual ComparisonOperator = ">="
)

func (o ComparisonOperator) IsValid() bool {
	switch o {
	case OpNone, OpLess, OpLessOrEqual, OpGreater, OpGreaterOrEqual:
		return true
	default:
		return false
	}
}

func (o ComparisonOperator) String() string {
	return string(o)
}
