package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(resumeCmd)
	resumeCmd.AddCommand(resumeSetCmd, resumeShowCmd, resumeSearchCmd)
	resumeShowCmd.Flags().Bool("chunks", false, "print the chunks the search tool ranks")
	resumeSearchCmd.Flags().Int("limit", 3, "number of snippets")
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Manage the resume the resume task answers from",
}

var resumeSetCmd = &cobra.Command{
	Use:   "set <file|->",
	Short: "Store a plain-text resume",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			data []byte
			err  error
		)
		if args[0] == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(args[0])
		}
		if err != nil {
			return fmt.Errorf("read resume: %w", err)
		}

		idx := resumeIndex(loadConfig())
		if err := idx.Save(string(data)); err != nil {
			return err
		}
		chunks, err := idx.Chunks()
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Resume saved to %s (%d chunks).\n", idx.Path(), len(chunks))
		return nil
	},
}

var resumeShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the stored resume",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		showChunks, _ := cmd.Flags().GetBool("chunks")
		idx := resumeIndex(loadConfig())
		if !showChunks {
			data, err := os.ReadFile(idx.Path())
			if err != nil {
				return fmt.Errorf("read resume: %w", err)
			}
			fmt.Fprint(os.Stdout, string(data))
			return nil
		}
		chunks, err := idx.Chunks()
		if err != nil {
			return err
		}
		for i, c := range chunks {
			fmt.Fprintf(os.Stdout, "--- chunk %d (%d bytes)\n%s\n", i, len(c), c)
		}
		return nil
	},
}

var resumeSearchCmd = &cobra.Command{
	Use:   "search <query...>",
	Short: "Rank resume snippets against a query without calling the model",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		snippets, err := resumeIndex(loadConfig()).Search(context.Background(), strings.Join(args, " "), limit)
		if err != nil {
			return err
		}
		if len(snippets) == 0 {
			fmt.Println("No matching snippets.")
			return nil
		}
		for _, s := range snippets {
			fmt.Fprintf(os.Stdout, "[%d] score %.3f\n%s\n\n", s.Index, s.Score, s.Text)
		}
		return nil
	},
}
