package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/esgflow/esgflow-sdk/modules/assignments/services"
	"github.com/esgflow/esgflow-sdk/pkg/configuration"
)

type importOptions struct {
	input    string
	entities string
	apply    bool
	jsonOut  bool
}

func newImportCmd(global *globalOptions) *cobra.Command {
	var opts importOptions

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import assignment versions from a CSV file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd, global, opts)
		},
	}

	cmd.Flags().StringVar(&opts.input, "input", "", "Input CSV file (required)")
	cmd.Flags().StringVar(&opts.entities, "entities", "", "Optional entity-name-to-id mapping CSV")
	cmd.Flags().BoolVar(&opts.apply, "apply", false, "Apply the creates (default is dry-run)")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "Machine-readable report on stdout")
	_ = cmd.MarkFlagRequired("input")

	return cmd
}

func runImport(cmd *cobra.Command, global *globalOptions, opts importOptions) error {
	versioning, err := newVersioningService(global)
	if err != nil {
		return err
	}
	imp := services.NewImportService(versioning, configuration.Use().Logger())

	importOpts := services.ImportOptions{Apply: opts.apply}
	if opts.entities != "" {
		entities, err := services.LoadEntityMap(opts.entities)
		if err != nil {
			return withCode(exitUsage, fmt.Errorf("load entity map: %w", err))
		}
		importOpts.Entities = entities
	}

	report, err := imp.ImportFile(cmd.Context(), opts.input, importOpts)
	if err != nil {
		return withCode(exitValidation, err)
	}

	if opts.jsonOut {
		if err := writeJSONLine(report); err != nil {
			return err
		}
	} else {
		mode := "dry-run"
		if opts.apply {
			mode = "apply"
		}
		fmt.Printf("%s: %d rows, %d planned, %d created, %d errors\n",
			mode, report.Rows, len(report.Planned), report.Created, len(report.Errors))
		for _, rowErr := range report.Errors {
			fmt.Fprintln(os.Stderr, rowErr.Error())
		}
	}

	if len(report.Errors) > 0 {
		return withCode(exitValidation, fmt.Errorf("%d rows failed", len(report.Errors)))
	}
	return nil
}
