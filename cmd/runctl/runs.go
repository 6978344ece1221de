package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"storyrun-backend/internal/models"
)

var (
	untilIdle       bool
	advanceInterval time.Duration
	maxSteps        int
	listArchived    bool
	listLimit       int
)

var statusCmd = &cobra.Command{
	Use:   "status <project_id>",
	Short: "Show the run status of a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, err := userID()
		if err != nil {
			return err
		}
		projectID, err := projectArg(args)
		if err != nil {
			return err
		}
		a, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		status, err := a.Runs.Status(cmd.Context(), user, projectID)
		if err != nil {
			return err
		}
		return printJSON(cmd, status)
	},
}

var advanceCmd = &cobra.Command{
	Use:   "advance <project_id>",
	Short: "Advance a run by one step, or until it settles with --until-idle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, err := userID()
		if err != nil {
			return err
		}
		projectID, err := projectArg(args)
		if err != nil {
			return err
		}
		a, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		for step := 1; ; step++ {
			result, err := a.Runs.Advance(ctx, user, projectID, tokenFlag)
			var runErr *models.Error
			switch {
			case errors.As(err, &runErr) && runErr.Code == models.CodeRunLocked && untilIdle:
				result = &models.AdvanceResult{Action: models.ActionWaiting, Message: runErr.Message}
			case err != nil:
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%3d  %-18s %-22s %s\n",
				step, result.NewPhase, result.Action, result.Message)

			if !untilIdle || settled(result.Action) {
				return nil
			}
			if step >= maxSteps {
				return fmt.Errorf("run did not settle after %d steps", maxSteps)
			}
			if result.Action == models.ActionWaiting {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(advanceInterval):
				}
			}
		}
	},
}

func settled(action string) bool {
	switch action {
	case models.ActionNone, models.ActionCompleted, models.ActionFailed:
		return true
	}
	return false
}

var retryCmd = &cobra.Command{
	Use:   "retry <project_id>",
	Short: "Retry a failed run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, err := userID()
		if err != nil {
			return err
		}
		projectID, err := projectArg(args)
		if err != nil {
			return err
		}
		a, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		resp, err := a.Runs.Retry(cmd.Context(), user, projectID, tokenFlag)
		if err != nil {
			return err
		}
		return printJSON(cmd, resp)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <project_id>",
	Short: "Cancel a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, err := userID()
		if err != nil {
			return err
		}
		projectID, err := projectArg(args)
		if err != nil {
			return err
		}
		a, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		resp, err := a.Runs.Cancel(cmd.Context(), user, projectID)
		if err != nil {
			return err
		}
		return printJSON(cmd, resp)
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List the user's runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, err := userID()
		if err != nil {
			return err
		}
		a, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		runs, err := a.DB.ListRuns(cmd.Context(), user, listArchived, listLimit)
		if err != nil {
			return err
		}
		out := make([]models.RunResponse, len(runs))
		for i := range runs {
			out[i] = models.NewRunResponse(&runs[i])
		}
		return printJSON(cmd, out)
	},
}

func init() {
	advanceCmd.Flags().BoolVar(&untilIdle, "until-idle", false, "Keep advancing until the run is ready, failed or canceled")
	advanceCmd.Flags().DurationVar(&advanceInterval, "interval", 2*time.Second, "Delay between polls while waiting on a collaborator")
	advanceCmd.Flags().IntVar(&maxSteps, "max-steps", 500, "Give up after this many Advance calls")

	runsCmd.Flags().BoolVar(&listArchived, "archived", false, "Include archived runs")
	runsCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum number of runs to list")

	rootCmd.AddCommand(statusCmd, advanceCmd, retryCmd, cancelCmd, runsCmd)
}
