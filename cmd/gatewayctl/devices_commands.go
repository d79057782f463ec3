package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/otcheredev/dicom-gateway/internal/models"
)

func newDevicesCommand(api *apiClient) *cobra.Command {
	devicesCmd := &cobra.Command{
		Use:   "devices",
		Short: "Inspect registered DICOM devices",
	}

	devicesCmd.AddCommand(newDevicesListCommand(api))
	devicesCmd.AddCommand(newDevicesEchoCommand(api))
	devicesCmd.AddCommand(newDevicesProbeCommand(api))

	return devicesCmd
}

func newDevicesListCommand(api *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			var devices []models.Device
			if err := api.do(cmd.Context(), http.MethodGet, "/devices", nil, &devices); err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No devices registered")
				return nil
			}
			rows := make([][]string, 0, len(devices))
			for _, d := range devices {
				rows = append(rows, []string{
					d.Name,
					d.AETitle,
					d.Address,
					strconv.Itoa(d.Port),
					d.ImgsStudy,
					d.ImgsSeries,
					strconv.Itoa(d.LastEchoStatus),
				})
			}
			headers := []string{"Name", "AE title", "Address", "Port", "Study count", "Series count", "Last echo"}
			aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft, alignRight}
			fmt.Fprint(cmd.OutOrStdout(), renderTable(headers, rows, aligns))
			return nil
		},
	}
}

func newDevicesEchoCommand(api *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "echo <name>",
		Short: "Send C-ECHO to a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var status models.EchoStatus
			path := "/devices/" + url.PathEscape(args[0]) + "/echo"
			if err := api.do(cmd.Context(), http.MethodPost, path, nil, &status); err != nil {
				return err
			}
			result := "failed"
			if status.Success {
				result = "ok"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (status 0x%04X, %d ms)\n",
				status.Device, result, uint16(status.Status), status.ResponseTime)
			if !status.Success {
				return fmt.Errorf("echo to %s failed", status.Device)
			}
			return nil
		},
	}
}

func newDevicesProbeCommand(api *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "probe <name>",
		Short: "Detect which instance count attributes a device returns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var device models.Device
			path := "/devices/" + url.PathEscape(args[0]) + "/probe"
			if err := api.do(cmd.Context(), http.MethodPost, path, nil, &device); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: study count %s, series count %s\n",
				device.Name, device.ImgsStudy, device.ImgsSeries)
			return nil
		},
	}
}
