// amr-import runs one import batch from the command line: read a file,
// run the pipeline, print the batch report, and optionally export the
// normalized units as long-format CSV.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/amr-import-engine/internal/config"
	"github.com/amr-import-engine/internal/domain"
	"github.com/amr-import-engine/internal/pipeline"
	"github.com/amr-import-engine/internal/setup"
)

func main() {
	var (
		format   = flag.String("format", "", "declared source format (delimited, spreadsheet, whonet-db, structured)")
		sheet    = flag.String("sheet", "", "spreadsheet sheet name")
		element  = flag.String("record-element", "", "XML per-record element name")
		owner    = flag.String("template-owner", "", "mapping template owner")
		name     = flag.String("template-name", "", "mapping template name")
		actor    = flag.String("actor", "cli", "actor recorded in the ledger")
		dryRun   = flag.Bool("dry-run", false, "run the pipeline without persisting units")
		export   = flag.String("export", "", "write the normalized units as long-format CSV to this file")
		rollback = flag.String("rollback", "", "roll back the given batch id instead of importing")
	)
	flag.Parse()

	mgr, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := mgr.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	ctx := context.Background()
	engine, err := setup.Build(ctx, mgr, setup.Options{DryRun: *dryRun})
	if err != nil {
		log.Fatalf("Failed to build engine: %v", err)
	}
	defer engine.Close()

	if *rollback != "" {
		if err := engine.Pipeline.Rollback(ctx, *rollback); err != nil {
			log.Fatalf("Rollback failed: %v", err)
		}
		fmt.Printf("batch %s rolled back\n", *rollback)
		return
	}

	if flag.NArg() != 1 {
		log.Fatalf("usage: amr-import [flags] <file>")
	}
	path := flag.Arg(0)
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("Failed to read %s: %v", path, err)
	}

	src := domain.NewSourceFile(path, data, domain.SourceFormat(*format))
	src.Sheet = *sheet
	src.RecordElement = *element

	var tpl *domain.MappingTemplate
	if *owner != "" && *name != "" {
		if engine.Templates == nil {
			log.Fatalf("Templates require a database; remove --dry-run or drop the template flags")
		}
		tpl, err = engine.Templates.Get(ctx, *owner, *name)
		if err != nil {
			log.Fatalf("Failed to load template %s/%s: %v", *owner, *name, err)
		}
	}

	job := engine.Pipeline.NewJob(src, tpl, *actor)
	defer job.Close()

	report, runErr := job.Run(ctx)
	if report == nil {
		log.Fatalf("Import failed: %v", runErr)
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Fatalf("Failed to render report: %v", err)
	}
	fmt.Println(string(out))

	if report.Status != domain.BatchCommitted {
		os.Exit(1)
	}

	if *export != "" {
		if err := exportUnits(*export, job.Units()); err != nil {
			log.Fatalf("Export failed: %v", err)
		}
		fmt.Printf("exported %d units to %s\n", len(job.Units()), *export)
	}
}

func exportUnits(path string, units []*domain.IsolateUnit) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := pipeline.ExportLong(f, units); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
