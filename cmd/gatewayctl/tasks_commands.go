package main

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/otcheredev/dicom-gateway/internal/tasks"
)

func newTasksCommand(api *apiClient) *cobra.Command {
	tasksCmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and manage retrieval tasks",
	}

	tasksCmd.AddCommand(newTasksListCommand(api))
	tasksCmd.AddCommand(newTasksAddCommand(api))
	for _, action := range []tasks.Action{
		tasks.ActionPause,
		tasks.ActionContinue,
		tasks.ActionRetry,
		tasks.ActionRush,
		tasks.ActionDelete,
	} {
		tasksCmd.AddCommand(newTasksManageCommand(api, action))
	}

	return tasksCmd
}

func newTasksListCommand(api *apiClient) *cobra.Command {
	var statuses []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show the task table",
		RunE: func(cmd *cobra.Command, args []string) error {
			var rows []tasks.Row
			if err := api.do(cmd.Context(), http.MethodGet, "/tasks", nil, &rows); err != nil {
				return err
			}
			rows = filterRows(rows, statuses)
			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No tasks")
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTasks(rows))
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Only show tasks in these states (repeatable)")
	return cmd
}

func filterRows(rows []tasks.Row, statuses []string) []tasks.Row {
	if len(statuses) == 0 {
		return rows
	}
	keep := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		keep[strings.ToLower(s)] = true
	}
	out := rows[:0]
	for _, r := range rows {
		if keep[strings.ToLower(string(r.Status))] {
			out = append(out, r)
		}
	}
	return out
}

func renderTasks(rows []tasks.Row) string {
	headers := []string{"ID", "Type", "Level", "Patient", "Study date", "Description", "Imgs", "Source", "Destination", "Status", "Progress"}
	body := make([][]string, 0, len(rows))
	for _, r := range rows {
		patient := r.PatientName
		if r.PatientID != "" {
			patient = fmt.Sprintf("%s (%s)", r.PatientName, r.PatientID)
		}
		body = append(body, []string{
			strconv.Itoa(r.TaskID),
			string(r.Type),
			string(r.Level),
			patient,
			r.StudyDate,
			r.Description,
			r.Imgs,
			r.Source,
			r.Destination,
			string(r.Status),
			r.Progress,
		})
	}
	aligns := []columnAlignment{alignRight}
	aligns = append(aligns, make([]columnAlignment, 5)...)
	aligns = append(aligns, alignRight)
	aligns = append(aligns, make([]columnAlignment, 3)...)
	aligns = append(aligns, alignRight)
	return renderTable(headers, body, aligns)
}

func newTasksAddCommand(api *apiClient) *cobra.Command {
	var req tasks.Request
	var taskType, level string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a GET or MOVE task",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Type = tasks.Type(strings.ToUpper(taskType))
			req.Level = tasks.Level(strings.ToUpper(level))
			var resp struct {
				TaskID int `json:"task_id"`
			}
			if err := api.do(cmd.Context(), http.MethodPost, "/tasks", req, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created task %d\n", resp.TaskID)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&taskType, "type", string(tasks.TypeGet), "Task type: GET or MOVE")
	flags.StringVar(&level, "level", string(tasks.LevelStudy), "Retrieve level: STUDY or SERIES")
	flags.StringVar(&req.Source, "source", "", "Source device name")
	flags.StringVar(&req.Destination, "destination", "", "Destination device name (MOVE only)")
	flags.StringVar(&req.StudyInstanceUID, "study", "", "Study Instance UID")
	flags.StringVar(&req.SeriesInstanceUID, "series", "", "Series Instance UID (SERIES level)")
	flags.StringVar(&req.PatientID, "patient-id", "", "Patient ID shown in the task table")
	flags.StringVar(&req.PatientName, "patient-name", "", "Patient name shown in the task table")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("study")
	return cmd
}

func newTasksManageCommand(api *apiClient, action tasks.Action) *cobra.Command {
	return &cobra.Command{
		Use:   string(action) + " <id>",
		Short: fmt.Sprintf("Apply %s to a task", action),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil || id < 0 {
				return fmt.Errorf("invalid task id %q", args[0])
			}
			path := fmt.Sprintf("/tasks/%d/%s", id, action)
			if err := api.do(cmd.Context(), http.MethodPost, path, nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Task %d: %s requested\n", id, action)
			return nil
		},
	}
}
