package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/esgflow/esgflow-sdk/modules/assignments/infrastructure/apiclient"
	"github.com/esgflow/esgflow-sdk/modules/assignments/services"
	"github.com/esgflow/esgflow-sdk/pkg/configuration"
	"github.com/esgflow/esgflow-sdk/pkg/eventbus"
)

type globalOptions struct {
	baseURL       string
	authorization string
}

func newRootCmd() *cobra.Command {
	conf := configuration.Use()
	var opts globalOptions

	cmd := &cobra.Command{
		Use:           "esg-data",
		Short:         "Assignment versioning import/export/resolve tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.baseURL, "base-url", conf.Platform.BaseURL, "Platform API base URL")
	cmd.PersistentFlags().StringVar(&opts.authorization, "authorization", conf.Platform.Authorization, "Authorization header value")

	cmd.AddCommand(newImportCmd(&opts))
	cmd.AddCommand(newExportCmd(&opts))
	cmd.AddCommand(newResolveCmd(&opts))
	cmd.AddCommand(newConflictsCmd(&opts))
	return cmd
}

func newVersioningService(opts *globalOptions) (*services.VersioningService, error) {
	conf := configuration.Use()
	client, err := apiclient.New(opts.baseURL, opts.authorization,
		apiclient.WithRequestIDHeader(conf.RequestIDHeader),
		apiclient.WithHTTPClient(&http.Client{Timeout: conf.Platform.Timeout}))
	if err != nil {
		return nil, withCode(exitUsage, err)
	}
	publisher := eventbus.NewEventPublisher(conf.Logger())
	return services.NewVersioningService(client, publisher, conf.Logger(),
		services.VersioningOptionsFromConfig(conf)), nil
}

func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		code := exitCode(err)
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(code)
	}
}
