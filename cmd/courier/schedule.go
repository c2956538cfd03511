package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldline/courier/internal/schedule"
)

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect and manage scheduled actions",
	}
	cmd.AddCommand(newScheduleListCmd(), newScheduleCancelCmd())
	return cmd
}

func newScheduleListCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.close()

			filter := schedule.Filter{}
			if !all {
				filter.Statuses = []schedule.Status{schedule.StatusQueued, schedule.StatusInFlight}
			}
			actions, err := a.scheduled.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if len(actions) == 0 {
				fmt.Println("no scheduled actions")
				return nil
			}
			for _, action := range actions {
				line := fmt.Sprintf("%s  %-11s %-10s run_at=%s attempts=%d",
					action.ID, action.Kind, action.Status,
					action.RunAt.Format(time.RFC3339), action.Attempts)
				if action.CronExpr != "" {
					line += " cron=" + action.CronExpr
				}
				if action.LastError != "" {
					line += " last_error=" + action.LastError
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include terminal actions")
	return cmd
}

func newScheduleCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <action-id>",
		Short: "Cancel a queued scheduled action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.close()

			err = a.scheduled.Cancel(cmd.Context(), args[0])
			switch {
			case errors.Is(err, schedule.ErrNotFound):
				return fmt.Errorf("no scheduled action %s", args[0])
			case errors.Is(err, schedule.ErrNotCancellable):
				return fmt.Errorf("action %s is no longer cancellable", args[0])
			case err != nil:
				return err
			}
			fmt.Println("cancelled", args[0])
			return nil
		},
	}
}
