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

package toolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// RPCClient speaks the tool protocol over an exec transport. It exists as
// an interface so tests can substitute a scripted implementation.
type RPCClient interface {
	// Connect starts the session and performs the protocol handshake.
	Connect(ctx context.Context) error

	// ListTools retrieves the tools the server exposes.
	ListTools(ctx context.Context) ([]ToolDescriptor, error)

	// CallTool invokes one tool by name.
	CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error)

	// Close shuts the session down.
	Close() error
}

// RPCDialer builds an RPCClient on top of a started exec transport.
type RPCDialer func(t *ExecTransport) RPCClient

// defaultDialer returns the production protocol client.
func defaultDialer(t *ExecTransport) RPCClient {
	// Stderr is drained by the transport itself, so the protocol layer
	// gets an already-exhausted logging stream.
	stdio := transport.NewIO(t.Stdout(), t.Stdin(), emptyReader{})
	return &mcpRPCClient{client: client.NewClient(stdio)}
}

type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) { return 0, io.EOF }
func (emptyReader) Close() error             { return nil }

// mcpRPCClient adapts the mcp-go client to the RPCClient interface.
type mcpRPCClient struct {
	client *client.Client
}

// Connect implements RPCClient.
func (c *mcpRPCClient) Connect(ctx context.Context) error {
	if err := c.client.Start(ctx); err != nil {
		return fmt.Errorf("starting protocol session: %w", err)
	}

	initReq := mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo: mcp.Implementation{
				Name:    "helmsman",
				Version: "0.1.0",
			},
		},
	}

	if _, err := c.client.Initialize(ctx, initReq); err != nil {
		return fmt.Errorf("initialize handshake failed: %w", err)
	}

	return nil
}

// ListTools implements RPCClient.
func (c *mcpRPCClient) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	result, err := c.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}

	tools := make([]ToolDescriptor, len(result.Tools))
	for i, tool := range result.Tools {
		inputSchema, err := extractSchema(tool, tool.RawInputSchema, "inputSchema")
		if err != nil {
			return nil, err
		}
		outputSchema, err := extractSchema(tool, nil, "outputSchema")
		if err != nil {
			return nil, err
		}

		tools[i] = ToolDescriptor{
			Name:         tool.Name,
			Description:  tool.Description,
			InputSchema:  inputSchema,
			OutputSchema: outputSchema,
		}
	}

	return tools, nil
}

// extractSchema returns the raw schema when the protocol library preserved
// it, falling back to marshalling the tool and pulling the named field.
func extractSchema(tool mcp.Tool, raw json.RawMessage, field string) (json.RawMessage, error) {
	if len(raw) > 0 {
		return raw, nil
	}

	toolBytes, err := tool.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshalling tool %s: %w", tool.Name, err)
	}

	var toolMap map[string]json.RawMessage
	if err := json.Unmarshal(toolBytes, &toolMap); err != nil {
		return nil, fmt.Errorf("decoding tool %s: %w", tool.Name, err)
	}

	schema, ok := toolMap[field]
	if !ok || bytes.Equal(schema, []byte("null")) {
		return nil, nil
	}
	return schema, nil
}

// CallTool implements RPCClient.
func (c *mcpRPCClient) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	req := mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}

	result, err := c.client.CallTool(ctx, req)
	if err != nil {
		return nil, err
	}

	out := &ToolResult{
		IsError: result.IsError,
		Content: make([]ContentItem, len(result.Content)),
	}

	for i, content := range result.Content {
		item, err := convertContent(content)
		if err != nil {
			return nil, err
		}
		out.Content[i] = item
	}

	return out, nil
}

func convertContent(content mcp.Content) (ContentItem, error) {
	if textContent, ok := mcp.AsTextContent(content); ok {
		return ContentItem{Type: textContent.Type, Text: textContent.Text}, nil
	}
	if imageContent, ok := mcp.AsImageContent(content); ok {
		return ContentItem{
			Type:     imageContent.Type,
			Data:     imageContent.Data,
			MimeType: imageContent.MIMEType,
		}, nil
	}

	// Unknown content kinds are preserved as raw JSON rather than dropped.
	raw, err := json.Marshal(content)
	if err != nil {
		return ContentItem{}, fmt.Errorf("marshalling tool content: %w", err)
	}
	return ContentItem{Type: "json", JSON: raw}, nil
}

// Close implements RPCClient.
func (c *mcpRPCClient) Close() error {
	return c.client.Close()
}
