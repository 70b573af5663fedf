package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/user/taskpilot/internal/config"
	"github.com/user/taskpilot/internal/runtime"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("Taskpilot Setup Wizard")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		// 1. LLM base URL
		cfg.LLM.BaseURL = prompt(scanner, "LLM base URL", cfg.LLM.BaseURL)

		// 2. LLM API key
		cfg.LLM.APIKey = prompt(scanner, "LLM API key", cfg.LLM.APIKey)

		// 3. LLM model name
		cfg.LLM.Model = prompt(scanner, "LLM model name", cfg.LLM.Model)

		// 4. Max output tokens
		maxTokensStr := prompt(scanner, "Max output tokens", strconv.Itoa(cfg.LLM.MaxTokens))
		if n, err := strconv.Atoi(maxTokensStr); err == nil {
			cfg.LLM.MaxTokens = n
		}

		// 5. Telegram bot token (optional)
		cfg.Telegram.Token = prompt(scanner, "Telegram bot token (optional)", cfg.Telegram.Token)

		// 6. Session memory backend
		for {
			cfg.Memory.Backend = prompt(scanner, "Memory backend (file or sqlite)", cfg.Memory.Backend)
			if cfg.Memory.Backend == "file" || cfg.Memory.Backend == "sqlite" {
				break
			}
			fmt.Println("Please enter file or sqlite.")
		}

		// 7. Tool call policy
		for {
			cfg.ToolCallPolicy = prompt(scanner, "Tool call policy (first or serial)", cfg.ToolCallPolicy)
			if _, err := runtime.ParseToolCallPolicy(cfg.ToolCallPolicy); err == nil {
				break
			}
			fmt.Println("Please enter first or serial.")
		}

		// 8. HTTP server
		httpEnabled := prompt(scanner, "Enable HTTP server (yes/no)", yesNo(cfg.HTTP.Enabled))
		cfg.HTTP.Enabled = strings.HasPrefix(strings.ToLower(httpEnabled), "y")
		if cfg.HTTP.Enabled {
			cfg.HTTP.Listen = prompt(scanner, "HTTP listen address", cfg.HTTP.Listen)
		}

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}
