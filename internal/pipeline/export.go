package pipeline

import (
	"encoding/csv"
	"fmt"
	"io"

	"github.com/amr-import-engine/internal/domain"
)

// ExportLong writes isolate units as long-format CSV, one row per antibiotic
// result, using the standard field names as headers. The output re-imports
// losslessly: parsing it back yields the same units.
func ExportLong(w io.Writer, units []*domain.IsolateUnit) error {
	cw := csv.NewWriter(w)

	fields := domain.StandardFields()
	header := make([]string, len(fields))
	for i, f := range fields {
		header[i] = string(f)
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("writing export header: %w", err)
	}

	for _, unit := range units {
		date := ""
		if !unit.CollectionDate.IsZero() {
			date = unit.CollectionDate.Format("2006-01-02")
		}
		base := map[domain.Field]string{
			domain.FieldPatientID:      unit.PatientID,
			domain.FieldSpecimenID:     unit.SpecimenID,
			domain.FieldSpecimenSource: unit.SpecimenSource,
			domain.FieldOrganism:       unit.Organism,
			domain.FieldCollectionDate: date,
			domain.FieldFacility:       unit.Facility,
		}

		results := unit.CommittableResults()
		if len(results) == 0 {
			// Isolate metadata only; one row with empty result columns.
			if err := cw.Write(exportRow(fields, base)); err != nil {
				return fmt.Errorf("writing export row: %w", err)
			}
			continue
		}
		for _, r := range results {
			row := make(map[domain.Field]string, len(base)+5)
			for k, v := range base {
				row[k] = v
			}
			row[domain.FieldAntibiotic] = r.Antibiotic
			row[domain.FieldResultValue] = exportValue(r)
			row[domain.FieldMethod] = string(r.Method)
			row[domain.FieldStandard] = r.Standard
			row[domain.FieldStandardVer] = r.StandardVersion
			if err := cw.Write(exportRow(fields, row)); err != nil {
				return fmt.Errorf("writing export row: %w", err)
			}
		}
	}

	cw.Flush()
	return cw.Error()
}

func exportRow(fields []domain.Field, values map[domain.Field]string) []string {
	row := make([]string, len(fields))
	for i, f := range fields {
		row[i] = values[f]
	}
	return row
}

// exportValue renders a result value in the token grammar the classifier
// parses: a bare measurement for raw results, a category (optionally carrying
// the underlying measurement) for pre-interpreted ones.
func exportValue(r domain.AntibioticResult) string {
	if r.Provenance == domain.ProvenancePreInterpreted {
		if r.Value != nil {
			return fmt.Sprintf("%s(%s)", r.Category, r.Value)
		}
		return string(r.Category)
	}
	if r.Value != nil {
		return r.Value.String()
	}
	return ""
}
