package mapping

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amr-import-engine/internal/domain"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func TestResolver_AutoMap(t *testing.T) {
	r := NewResolver(testLogger(), NewHeaderMatcher(nil))

	rec := &domain.RawRecord{Offset: 3, Values: map[string]string{
		"Specimen ID":   "S1",
		"Pathogen":      "ECO",
		"Spec_Date":     "2024-01-02",
		"Source":        "urine",
		"AMP_SIR":       "R",
		"internal_note": "repeat sample",
	}}

	pr := r.Resolve(rec, nil)
	assert.False(t, pr.Fatal)
	assert.Equal(t, "S1", pr.Fields[domain.FieldSpecimenID])
	assert.Equal(t, "ECO", pr.Fields[domain.FieldOrganism])
	assert.Equal(t, "2024-01-02", pr.Fields[domain.FieldCollectionDate])
	assert.Equal(t, "urine", pr.Fields[domain.FieldSpecimenSource])

	// Unmatched columns are preserved, never dropped.
	assert.Equal(t, "R", pr.Unmapped["AMP_SIR"])
	assert.Equal(t, "repeat sample", pr.Unmapped["internal_note"])
}

func TestResolver_MissingRequiredFieldIsFatal(t *testing.T) {
	r := NewResolver(testLogger(), NewHeaderMatcher(nil))

	rec := &domain.RawRecord{Offset: 0, Values: map[string]string{
		"Specimen ID": "S1",
		"Pathogen":    "ECO",
		// no collection date, no specimen source
	}}

	pr := r.Resolve(rec, nil)
	require.True(t, pr.Fatal)

	missing := map[string]bool{}
	for _, issue := range pr.Issues {
		assert.Equal(t, domain.IssueMapping, issue.Kind)
		assert.Equal(t, domain.SeverityFatal, issue.Severity)
		missing[issue.Field] = true
	}
	assert.True(t, missing[string(domain.FieldCollectionDate)])
	assert.True(t, missing[string(domain.FieldSpecimenSource)])
}

func TestResolver_Template(t *testing.T) {
	r := NewResolver(testLogger(), nil)

	tpl := &domain.MappingTemplate{
		Owner: "lab-a", Name: "lis-export", Mode: domain.ModeWide,
		Columns: []domain.ColumnMapping{
			{Source: "SID", Target: domain.FieldSpecimenID},
			{Source: "ORG", Target: domain.FieldOrganism},
			{Source: "DT", Target: domain.FieldCollectionDate},
			{Source: "SRC", Target: domain.FieldSpecimenSource},
		},
		CustomFields: []domain.CustomField{
			{Name: "ward", Type: domain.FieldString},
			{Name: "age", Type: domain.FieldNumber},
		},
	}

	rec := &domain.RawRecord{Offset: 1, Values: map[string]string{
		"SID": "S9", "ORG": "PAE", "DT": "2024-03-04", "SRC": "blood",
		"ward": "ICU", "age": "not-a-number", "GEN_MIC": "8",
	}}

	pr := r.Resolve(rec, tpl)
	assert.False(t, pr.Fatal)
	assert.Equal(t, "S9", pr.Fields[domain.FieldSpecimenID])
	assert.Equal(t, "ICU", pr.Custom["ward"])
	assert.Equal(t, "8", pr.Unmapped["GEN_MIC"])

	// A custom field type mismatch is a warning, not a rejection.
	_, hasAge := pr.Custom["age"]
	assert.False(t, hasAge)
	require.Len(t, pr.Issues, 1)
	assert.Equal(t, domain.SeverityWarning, pr.Issues[0].Severity)
	assert.Equal(t, "age", pr.Issues[0].Field)
}

func TestResolver_DuplicateTargetKeepsFirst(t *testing.T) {
	r := NewResolver(testLogger(), NewHeaderMatcher(nil))

	rec := &domain.RawRecord{Offset: 0, Values: map[string]string{
		"organism": "ECO",
		"pathogen": "KPN", // second column matching the same target
		"specimen_id": "S1", "collection_date": "2024-01-01", "source": "urine",
	}}

	pr := r.Resolve(rec, nil)
	got := pr.Fields[domain.FieldOrganism]
	assert.Contains(t, []string{"ECO", "KPN"}, got, "exactly one column wins the target")
	assert.Len(t, pr.Unmapped, 1, "the losing column stays in the unmapped bag for audit")
}
