package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/esgflow/esgflow-sdk/modules/assignments/domain/assignment"
	"github.com/esgflow/esgflow-sdk/modules/assignments/services"
)

type conflictsOptions struct {
	field   string
	entity  string
	start   string
	end     string
	jsonOut bool
}

func newConflictsCmd(global *globalOptions) *cobra.Command {
	var opts conflictsOptions

	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Check a candidate date window against the current active assignment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConflicts(cmd, global, opts)
		},
	}

	cmd.Flags().StringVar(&opts.field, "field", "", "Field ID (required)")
	cmd.Flags().StringVar(&opts.entity, "entity", "", "Entity ID (required)")
	cmd.Flags().StringVar(&opts.start, "start", "", "Candidate start date YYYY-MM-DD")
	cmd.Flags().StringVar(&opts.end, "end", "", "Candidate end date YYYY-MM-DD")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "Machine-readable output on stdout")
	_ = cmd.MarkFlagRequired("field")
	_ = cmd.MarkFlagRequired("entity")

	return cmd
}

func runConflicts(cmd *cobra.Command, global *globalOptions, opts conflictsOptions) error {
	start, err := assignment.ParseDate(opts.start)
	if err != nil {
		return withCode(exitUsage, err)
	}
	end, err := assignment.ParseDate(opts.end)
	if err != nil {
		return withCode(exitUsage, err)
	}

	versioning, err := newVersioningService(global)
	if err != nil {
		return err
	}

	report, err := versioning.DetectVersionConflicts(cmd.Context(), services.ConflictInput{
		FieldID:   opts.field,
		EntityID:  opts.entity,
		StartDate: start,
		EndDate:   end,
	})
	if err != nil {
		return withCode(exitAPI, err)
	}

	if opts.jsonOut {
		return writeJSONLine(report)
	}
	if !report.HasConflict {
		fmt.Println("no conflict")
		return nil
	}
	existingStart, existingEnd := report.Existing.Window()
	fmt.Printf("%s: candidate window overlaps %s v%d (%s..%s); suggested resolution: %s\n",
		report.Type, report.Existing.ID, report.Existing.SeriesVersion,
		existingStart, existingEnd, report.SuggestedResolution)
	return withCode(exitValidation, fmt.Errorf("conflict detected"))
}
