package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/taskpilot/internal/state"
	"github.com/user/taskpilot/internal/types"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionShowCmd, sessionClearCmd)
	sessionShowCmd.Flags().Bool("summary", false, "show the memory summary instead of the full record")
}

func withMemory(fn func(ctx context.Context, memory *state.MemoryStore) error) error {
	memory, err := openMemory(loadConfig())
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	defer memory.Close()
	return fn(context.Background(), memory)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage session memory",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMemory(func(ctx context.Context, memory *state.MemoryStore) error {
			ids, err := memory.List(ctx)
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}

			if len(ids) == 0 {
				fmt.Println("No sessions found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tMESSAGES\tFACTS\tUPDATED")
			for _, id := range ids {
				m, err := memory.Load(ctx, id)
				if err != nil {
					fmt.Fprintf(w, "%s\t-\t-\t%v\n", id, err)
					continue
				}
				fmt.Fprintf(w, "%s\t%d\t%d\t%s\n",
					id,
					len(m.ConversationHistory),
					len(m.Facts),
					m.LastUpdated.Format("2006-01-02 15:04:05"),
				)
			}
			return w.Flush()
		})
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a session's memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		summary, _ := cmd.Flags().GetBool("summary")
		id := types.SessionID(args[0])
		return withMemory(func(ctx context.Context, memory *state.MemoryStore) error {
			ids, err := memory.List(ctx)
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}
			if !slices.Contains(ids, id) {
				return fmt.Errorf("session not found: %s", id)
			}

			var v any
			if summary {
				v, err = memory.Summarize(ctx, id)
			} else {
				v, err = memory.Load(ctx, id)
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(v)
		})
	},
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear <id|all>",
	Short: "Clear a session or all sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMemory(func(ctx context.Context, memory *state.MemoryStore) error {
			ids, err := memory.List(ctx)
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}

			if args[0] == "all" {
				for _, id := range ids {
					if err := memory.Clear(ctx, id); err != nil {
						return fmt.Errorf("clear session %s: %w", id, err)
					}
				}
				fmt.Printf("%d sessions cleared.\n", len(ids))
				return nil
			}

			id := types.SessionID(args[0])
			if !slices.Contains(ids, id) {
				return fmt.Errorf("session not found: %s", id)
			}
			if err := memory.Clear(ctx, id); err != nil {
				return fmt.Errorf("clear session: %w", err)
			}
			fmt.Fprintf(os.Stdout, "Session %s cleared.\n", id)
			return nil
		})
	},
}
