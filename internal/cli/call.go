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
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/helmsman-ai/helmsman/internal/container"
	"github.com/helmsman-ai/helmsman/internal/toolserver"
)

type callFlags struct {
	args     []string
	argsJSON string
	threadID string
	timeout  time.Duration
}

func newCallCommand() *cobra.Command {
	var cf callFlags

	cmd := &cobra.Command{
		Use:   "call <tool>",
		Short: "Invoke one tool in a fresh container",
		Long: `Invoke a tool by name against the configured server. Arguments are
given as repeated --arg key=value pairs or a single --args-json object.
Each invocation runs in its own per-thread container.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd, args[0], cf)
		},
	}

	cmd.Flags().StringArrayVar(&cf.args, "arg", nil,
		"tool argument as key=value (repeatable)")
	cmd.Flags().StringVar(&cf.argsJSON, "args-json", "",
		"tool arguments as a JSON object (overrides --arg)")
	cmd.Flags().StringVar(&cf.threadID, "thread", "",
		"thread id selecting the per-caller container (random when empty)")
	cmd.Flags().DurationVar(&cf.timeout, "timeout", 0,
		"per-call timeout overriding the configured default")

	return cmd
}

func runCall(cmd *cobra.Command, toolName string, cf callFlags) error {
	logger := newLogger()

	args, err := parseCallArgs(cf)
	if err != nil {
		return err
	}

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

	threadID := cf.threadID
	if threadID == "" {
		threadID = uuid.NewString()
	}

	result, err := server.CallTool(cmd.Context(), toolName, args, toolserver.CallOptions{
		ThreadID: threadID,
		Timeout:  cf.timeout,
	})
	if err != nil {
		return err
	}

	return printResult(cmd, result)
}

func parseCallArgs(cf callFlags) (map[string]any, error) {
	if cf.argsJSON != "" {
		args := make(map[string]any)
		if err := json.Unmarshal([]byte(cf.argsJSON), &args); err != nil {
			return nil, fmt.Errorf("invalid --args-json: %w", err)
		}
		return args, nil
	}

	if len(cf.args) == 0 {
		return nil, nil
	}

	args := make(map[string]any, len(cf.args))
	for _, pair := range cf.args {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --arg %q: want key=value", pair)
		}
		args[key] = value
	}
	return args, nil
}

func printResult(cmd *cobra.Command, result *toolserver.ToolResult) error {
	if flags.jsonOutput {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		cmd.Println(string(data))
		return nil
	}

	if result.IsError {
		cmd.Println("Tool reported an error:")
	}
	for _, item := range result.Content {
		switch item.Type {
		case "text":
			cmd.Println(item.Text)
		case "image":
			cmd.Printf("[image %s, %d bytes base64]\n", item.MimeType, len(item.Data))
		default:
			cmd.Println(string(item.JSON))
		}
	}
	return nil
}
