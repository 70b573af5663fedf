package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/taskpilot/internal/runtime"
	"github.com/user/taskpilot/internal/types"
)

func init() {
	rootCmd.AddCommand(askCmd)
	askCmd.Flags().String("task", runtime.DefaultTask, "task profile to run")
	askCmd.Flags().String("session", "", "session id (default cli:<username>)")
	askCmd.Flags().Bool("stream", false, "stream the answer as plain chat")
	askCmd.Flags().Bool("json", false, "print the full turn result as JSON")
}

func defaultCLISession() types.SessionID {
	name := "default"
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	return types.JoinSessionID("cli", name)
}

var askCmd = &cobra.Command{
	Use:   "ask <prompt...>",
	Short: "Run one turn from the terminal",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		task, _ := cmd.Flags().GetString("task")
		session, _ := cmd.Flags().GetString("session")
		stream, _ := cmd.Flags().GetBool("stream")
		asJSON, _ := cmd.Flags().GetBool("json")

		sid := types.SessionID(session)
		if sid == "" {
			sid = defaultCLISession()
		}
		prompt := strings.Join(args, " ")

		cfg := loadConfig()
		setupLogging(cfg)
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		a.gateway.Start(ctx)

		if stream {
			chunks, err := a.gateway.InvokeStreaming(ctx, sid, prompt)
			if err != nil {
				return err
			}
			var streamErr error
			for c := range chunks {
				fmt.Fprint(os.Stdout, c.Text)
				if c.Done {
					streamErr = c.Err
				}
			}
			fmt.Fprintln(os.Stdout)
			return streamErr
		}

		result, err := a.gateway.Invoke(ctx, sid, task, prompt)
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(result); encErr != nil {
				return encErr
			}
			return err
		}
		fmt.Fprintln(os.Stdout, result.Answer)
		return err
	},
}
