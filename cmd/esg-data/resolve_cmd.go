package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/esgflow/esgflow-sdk/modules/assignments/domain/assignment"
)

type resolveOptions struct {
	field   string
	entity  string
	date    string
	jsonOut bool
}

func newResolveCmd(global *globalOptions) *cobra.Command {
	var opts resolveOptions

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve which assignment version governs a field+entity on a date",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(cmd, global, opts)
		},
	}

	cmd.Flags().StringVar(&opts.field, "field", "", "Field ID (required)")
	cmd.Flags().StringVar(&opts.entity, "entity", "", "Entity ID (required)")
	cmd.Flags().StringVar(&opts.date, "date", "", "Date YYYY-MM-DD (default: today)")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "Machine-readable output on stdout")
	_ = cmd.MarkFlagRequired("field")
	_ = cmd.MarkFlagRequired("entity")

	return cmd
}

func runResolve(cmd *cobra.Command, global *globalOptions, opts resolveOptions) error {
	date, err := assignment.ParseDate(opts.date)
	if err != nil {
		return withCode(exitUsage, err)
	}

	versioning, err := newVersioningService(global)
	if err != nil {
		return err
	}

	version, err := versioning.ResolveActiveAssignment(cmd.Context(), opts.field, opts.entity, date)
	if err != nil {
		return withCode(exitAPI, err)
	}

	if opts.jsonOut {
		return writeJSONLine(map[string]any{"assignment": version})
	}
	if version == nil {
		fmt.Printf("no active assignment for %s/%s\n", opts.field, opts.entity)
		return nil
	}
	start, end := version.Window()
	fmt.Printf("%s v%d (%s) %s %s..%s\n",
		version.ID, version.SeriesVersion, version.SeriesStatus, version.Frequency, start, end)
	return nil
}
