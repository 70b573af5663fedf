package main

import (
	"fmt"
	"os"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/taskpilot/internal/scheduler"
	"github.com/user/taskpilot/internal/state"
	"github.com/user/taskpilot/internal/types"
)

func init() {
	rootCmd.AddCommand(scheduleCmd)
	scheduleCmd.AddCommand(scheduleAddCmd, scheduleListCmd, scheduleRemoveCmd, scheduleEnableCmd, scheduleDisableCmd)

	scheduleAddCmd.Flags().String("name", "", "schedule name (required)")
	scheduleAddCmd.Flags().String("prompt", "", "prompt text (required)")
	scheduleAddCmd.Flags().String("cron", "", "cron expression; empty for webhook-only")
	scheduleAddCmd.Flags().String("task", "", "task profile to run the prompt with")
	scheduleAddCmd.Flags().String("session", "", "session id the turns run in, e.g. telegram:<user>:<chat>")
	_ = scheduleAddCmd.MarkFlagRequired("name")
	_ = scheduleAddCmd.MarkFlagRequired("prompt")
}

func openScheduleStore() *state.ScheduleStore {
	return scheduleStore(loadConfig())
}

// notifyDaemon asks a running daemon to reload schedules. A missing daemon
// is fine: schedules load on the next start.
func notifyDaemon() {
	if _, err := signalDaemon(syscall.SIGUSR1); err == nil {
		fmt.Fprintln(os.Stdout, "Running daemon reloaded schedules.")
	}
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage scheduled prompts",
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a scheduled prompt",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		prompt, _ := cmd.Flags().GetString("prompt")
		cronExpr, _ := cmd.Flags().GetString("cron")
		task, _ := cmd.Flags().GetString("task")
		session, _ := cmd.Flags().GetString("session")

		if cronExpr != "" {
			if err := scheduler.ValidateCron(cronExpr); err != nil {
				return err
			}
		}
		if session != "" {
			if err := types.ValidateSessionID(types.SessionID(session)); err != nil {
				return err
			}
		}

		sch := &state.Schedule{
			Name:      name,
			Prompt:    prompt,
			Cron:      cronExpr,
			Task:      task,
			SessionID: session,
			Enabled:   true,
		}
		if err := openScheduleStore().Add(sch); err != nil {
			return fmt.Errorf("add schedule: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Schedule %q added.\n", name)
		notifyDaemon()
		return nil
	},
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all scheduled prompts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		schedules, err := openScheduleStore().List()
		if err != nil {
			return fmt.Errorf("list schedules: %w", err)
		}

		if len(schedules) == 0 {
			fmt.Println("No schedules configured.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tCRON\tTASK\tENABLED\tSESSION")
		for _, s := range schedules {
			fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n",
				s.Name,
				s.Cron,
				s.Task,
				s.Enabled,
				scheduler.SessionFor(s),
			)
		}
		return w.Flush()
	},
}

var scheduleRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a scheduled prompt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := openScheduleStore().Remove(args[0]); err != nil {
			return fmt.Errorf("remove schedule: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Schedule %q removed.\n", args[0])
		notifyDaemon()
		return nil
	},
}

var scheduleEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a scheduled prompt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := openScheduleStore().SetEnabled(args[0], true); err != nil {
			return fmt.Errorf("enable schedule: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Schedule %q enabled.\n", args[0])
		notifyDaemon()
		return nil
	},
}

var scheduleDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a scheduled prompt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := openScheduleStore().SetEnabled(args[0], false); err != nil {
			return fmt.Errorf("disable schedule: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Schedule %q disabled.\n", args[0])
		notifyDaemon()
		return nil
	},
}
