package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

type checkStorageRequest struct {
	Device string `json:"device"`
	Date   string `json:"date"`
	Start  string `json:"start,omitempty"`
	End    string `json:"end,omitempty"`
	MoveTo string `json:"move_to,omitempty"`
}

type checkStorageResult struct {
	Device  string              `json:"device"`
	Dates   string              `json:"dates"`
	Missing []map[string]string `json:"missing"`
	Ignored []struct {
		SeriesInstanceUID string `json:"SeriesInstanceUID"`
		SeriesDescription string `json:"SeriesDescription"`
		Reason            string `json:"reason"`
	} `json:"ignored"`
	Archived int `json:"archived"`
	Tasks    *struct {
		TaskIDs []int `json:"task_ids"`
		Errors  []struct {
			Index int    `json:"index"`
			Error string `json:"error"`
		} `json:"errors"`
	} `json:"tasks"`
}

func newCheckStorageCommand(api *apiClient) *cobra.Command {
	var req checkStorageRequest
	var showIgnored bool

	cmd := &cobra.Command{
		Use:   "check-storage <device>",
		Short: "List series on a device that are missing from the archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Device = args[0]
			var res checkStorageResult
			if err := api.do(cmd.Context(), http.MethodPost, "/check-storage", req, &res); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s, %s: %d missing, %d archived, %d ignored\n",
				res.Device, res.Dates, len(res.Missing), res.Archived, len(res.Ignored))
			if len(res.Missing) > 0 {
				rows := make([][]string, 0, len(res.Missing))
				for _, m := range res.Missing {
					rows = append(rows, []string{
						m["PatientName"], m["PatientID"], m["StudyDate"], m["Modality"],
						m["SeriesNumber"], m["SeriesDescription"], m["ImgsSeries"], m["SeriesInstanceUID"],
					})
				}
				headers := []string{"Patient", "ID", "Date", "Modality", "Series", "Description", "Imgs", "Series UID"}
				aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignRight}
				fmt.Fprint(out, renderTable(headers, rows, aligns))
			}
			if showIgnored && len(res.Ignored) > 0 {
				rows := make([][]string, 0, len(res.Ignored))
				for _, ig := range res.Ignored {
					rows = append(rows, []string{ig.SeriesInstanceUID, ig.SeriesDescription, ig.Reason})
				}
				fmt.Fprint(out, renderTable([]string{"Series UID", "Description", "Reason"}, rows, nil))
			}
			if res.Tasks != nil {
				fmt.Fprintf(out, "Created %d MOVE tasks to %s\n", len(res.Tasks.TaskIDs), req.MoveTo)
				for _, e := range res.Tasks.Errors {
					fmt.Fprintf(out, "  row %d: %s\n", e.Index, e.Error)
				}
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&req.Date, "date", "today", "Date selector: anydate, today, yesterday, day or range")
	flags.StringVar(&req.Start, "start", "", "Start date YYYY-MM-DD (day, range)")
	flags.StringVar(&req.End, "end", "", "End date YYYY-MM-DD (range)")
	flags.StringVar(&req.MoveTo, "move-to", "", "Queue a MOVE task per missing series to this device")
	flags.BoolVar(&showIgnored, "show-ignored", false, "Also list series removed by filters")
	return cmd
}
