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

package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/helmsman-ai/helmsman/internal/container"
	"github.com/helmsman-ai/helmsman/internal/toolserver"
)

func newToolsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Discover and list the tools the configured server exposes",
		Long: `Run the configured tool server in a throwaway container, list the
tools it exposes, and tear the container down.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTools(cmd)
		},
	}
}

func runTools(cmd *cobra.Command) error {
	logger := newLogger()

	cfg, err := toolserver.LoadConfig(flags.configPath)
	if err != nil {
		return err
	}

	server := toolserver.NewServer(toolserver.Options{
		Logger:  logger,
		Secrets: newSecretResolver(),
	})
	if err := server.SetConfig(*cfg); err != nil {
		return err
	}
	server.SetProvider(&container.LocalProvider{}, &container.LocalEngine{})
	defer server.Destroy(cmd.Context())

	tools, err := server.DiscoverTools(cmd.Context())
	if err != nil {
		return err
	}

	if flags.jsonOutput {
		data, err := json.MarshalIndent(tools, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal tools: %w", err)
		}
		cmd.Println(string(data))
		return nil
	}

	if len(tools) == 0 {
		cmd.Println("No tools discovered.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDESCRIPTION")
	for _, tool := range tools {
		fmt.Fprintf(w, "%s\t%s\n", tool.Name, tool.Description)
	}
	return w.Flush()
}
