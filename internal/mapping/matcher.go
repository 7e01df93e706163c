// Package mapping resolves source columns onto the canonical field model,
// either through a saved mapping template or by header-similarity auto-map.
package mapping

import (
	"strings"

	"github.com/amr-import-engine/internal/domain"
)

// HeaderMatcher matches source column headers to standard target fields with
// an explicit precedence order: normalized-exact match, then unique prefix
// match, then synonym-table lookup. A prefix that matches more than one
// canonical field falls through to the synonym table instead of guessing.
// The synonym table is injectable reference data so host platforms can extend
// it without code changes.
type HeaderMatcher struct {
	exact    map[string]domain.Field
	canon    []canonField
	synonyms map[string]domain.Field
}

// canonField pairs a standard field with its normalized spelling, in the
// declared field order so prefix scans are stable.
type canonField struct {
	norm  string
	field domain.Field
}

// defaultSynonyms covers the common WHONET/GLASS header spellings.
var defaultSynonyms = map[string]domain.Field{
	"patient":        domain.FieldPatientID,
	"patientnumber":  domain.FieldPatientID,
	"pid":            domain.FieldPatientID,
	"specimen":       domain.FieldSpecimenID,
	"specimennumber": domain.FieldSpecimenID,
	"sampleid":       domain.FieldSpecimenID,
	"specimentype":   domain.FieldSpecimenSource,
	"source":         domain.FieldSpecimenSource,
	"site":           domain.FieldSpecimenSource,
	"sampletype":     domain.FieldSpecimenSource,
	"org":            domain.FieldOrganism,
	"organismcode":   domain.FieldOrganism,
	"pathogen":       domain.FieldOrganism,
	"microorganism":  domain.FieldOrganism,
	"date":           domain.FieldCollectionDate,
	"specdate":       domain.FieldCollectionDate,
	"dateofsample":   domain.FieldCollectionDate,
	"sampledate":     domain.FieldCollectionDate,
	"hospital":       domain.FieldFacility,
	"institution":    domain.FieldFacility,
	"lab":            domain.FieldFacility,
	"laboratory":     domain.FieldFacility,
	"antibioticcode": domain.FieldAntibiotic,
	"drug":           domain.FieldAntibiotic,
	"agent":          domain.FieldAntibiotic,
	"result":         domain.FieldResultValue,
	"value":          domain.FieldResultValue,
	"measurement":    domain.FieldResultValue,
	"testmethod":     domain.FieldMethod,
	"guideline":      domain.FieldStandard,
	"guidelineyear":  domain.FieldStandardVer,
	"standardyear":   domain.FieldStandardVer,
}

// NewHeaderMatcher builds a matcher. Extra synonyms (normalized header ->
// field) take precedence over the built-in table.
func NewHeaderMatcher(extraSynonyms map[string]domain.Field) *HeaderMatcher {
	exact := make(map[string]domain.Field)
	canon := make([]canonField, 0, len(domain.StandardFields()))
	for _, f := range domain.StandardFields() {
		norm := normalizeHeader(string(f))
		exact[norm] = f
		canon = append(canon, canonField{norm: norm, field: f})
	}

	synonyms := make(map[string]domain.Field, len(defaultSynonyms)+len(extraSynonyms))
	for k, v := range defaultSynonyms {
		synonyms[normalizeHeader(k)] = v
	}
	for k, v := range extraSynonyms {
		synonyms[normalizeHeader(k)] = v
	}

	return &HeaderMatcher{exact: exact, canon: canon, synonyms: synonyms}
}

// Match resolves a header to a standard field, or reports no match.
func (m *HeaderMatcher) Match(header string) (domain.Field, bool) {
	norm := normalizeHeader(header)
	if norm == "" {
		return "", false
	}

	if f, ok := m.exact[norm]; ok {
		return f, true
	}

	// Prefix: the header extends a canonical field name (or vice versa),
	// e.g. "collection_date_local" or "organismname". Only a unique match
	// counts; "specimen" prefixes both specimen_id and specimen_source and
	// must be resolved by the synonym table instead.
	var hit domain.Field
	hits := 0
	for _, c := range m.canon {
		if strings.HasPrefix(norm, c.norm) || strings.HasPrefix(c.norm, norm) {
			hit = c.field
			hits++
		}
	}
	if hits == 1 {
		return hit, true
	}

	if f, ok := m.synonyms[norm]; ok {
		return f, true
	}
	return "", false
}

// normalizeHeader lowercases and strips whitespace and punctuation, so
// "Collection Date", "collection_date" and "COLLECTION-DATE" all compare equal.
func normalizeHeader(h string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(h) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
