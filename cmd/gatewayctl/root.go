package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

const defaultAPI = "http://localhost:8080"

func newRootCommand() *cobra.Command {
	var apiFlag string
	var timeout time.Duration

	api := &apiClient{}

	rootCmd := &cobra.Command{
		Use:           "gatewayctl",
		Short:         "Control a running DICOM gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			api.base = apiFlag
			api.timeout = timeout
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	base := os.Getenv("GATEWAY_API")
	if base == "" {
		base = defaultAPI
	}
	rootCmd.PersistentFlags().StringVar(&apiFlag, "api", base, "Gateway HTTP API base URL (env GATEWAY_API)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Request timeout")

	rootCmd.AddCommand(newTasksCommand(api))
	rootCmd.AddCommand(newDevicesCommand(api))
	rootCmd.AddCommand(newCheckStorageCommand(api))

	return rootCmd
}
