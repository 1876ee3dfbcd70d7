// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cli implements the helmsman command line interface.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/helmsman-ai/helmsman/internal/log"
	helmsmanerrors "github.com/helmsman-ai/helmsman/pkg/errors"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// SetVersion stores build-time version metadata for the version command.
func SetVersion(v, c, b string) {
	version = v
	commit = c
	buildDate = b
}

// globalFlags holds flags shared by every subcommand.
type globalFlags struct {
	configPath string
	jsonOutput bool
	debug      bool
}

var flags globalFlags

// NewRootCommand creates the helmsman root command.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "helmsman",
		Short: "Supervise MCP tool servers in ephemeral containers",
		Long: `Helmsman launches MCP tool servers inside ephemeral containers,
discovers the tools they expose, supervises startup with dependency waits
and exponential backoff, and routes tool calls through per-thread
containers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "helmsman.yaml",
		"path to the server configuration file")
	cmd.PersistentFlags().BoolVar(&flags.jsonOutput, "json", false,
		"output machine-readable JSON")
	cmd.PersistentFlags().BoolVar(&flags.debug, "debug", false,
		"enable debug logging")

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newToolsCommand())
	cmd.AddCommand(newCallCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// Execute runs the CLI and returns a process exit code.
func Execute() int {
	rootCmd := NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
		printError(err)
		return 1
	}
	return 0
}

// printError renders errors for humans, preferring the user-visible
// message and suggestion when the error carries them.
func printError(err error) {
	var visible helmsmanerrors.UserVisibleError
	if errors.As(err, &visible) && visible.IsUserVisible() {
		fmt.Fprintf(os.Stderr, "Error: %s\n", visible.UserMessage())
		if suggestion := visible.Suggestion(); suggestion != "" {
			fmt.Fprintf(os.Stderr, "Hint: %s\n", suggestion)
		}
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
}

// newLogger builds the CLI logger from the environment, honoring --debug.
func newLogger() *slog.Logger {
	cfg := log.FromEnv()
	if flags.debug {
		cfg.Level = "debug"
		cfg.AddSource = true
	}
	return log.New(cfg)
}
