package main

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/esgflow/esgflow-sdk/modules/assignments/services"
	"github.com/esgflow/esgflow-sdk/pkg/configuration"
)

type exportOptions struct {
	series []string
	output string
}

func newExportCmd(global *globalOptions) *cobra.Command {
	var opts exportOptions

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export assignment version history to an xlsx workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd, global, opts)
		},
	}

	cmd.Flags().StringSliceVar(&opts.series, "series", nil, "Series UUIDs to export (required, repeatable)")
	cmd.Flags().StringVar(&opts.output, "output", "assignments.xlsx", "Output file path")
	_ = cmd.MarkFlagRequired("series")

	return cmd
}

func runExport(cmd *cobra.Command, global *globalOptions, opts exportOptions) error {
	seriesIDs := make([]uuid.UUID, 0, len(opts.series))
	for _, raw := range opts.series {
		id, err := uuid.Parse(strings.TrimSpace(raw))
		if err != nil {
			return withCode(exitUsage, fmt.Errorf("invalid --series %q: %w", raw, err))
		}
		seriesIDs = append(seriesIDs, id)
	}

	versioning, err := newVersioningService(global)
	if err != nil {
		return err
	}
	exp := services.NewExportService(versioning, configuration.Use().Logger())

	if err := exp.ExportSeriesHistoryToFile(cmd.Context(), seriesIDs, opts.output); err != nil {
		return withCode(exitAPI, err)
	}
	fmt.Printf("exported %d series to %s\n", len(seriesIDs), opts.output)
	return nil
}
