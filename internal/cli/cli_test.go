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
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand_Text(t *testing.T) {
	SetVersion("1.2.3", "abc123", "2026-01-02")
	t.Cleanup(func() { SetVersion("dev", "unknown", "unknown") })
	flags.jsonOutput = false

	var out bytes.Buffer
	cmd := newVersionCommand()
	cmd.SetOut(&out)

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "helmsman version 1.2.3")
	assert.Contains(t, out.String(), "abc123")
}

func TestVersionCommand_JSON(t *testing.T) {
	SetVersion("1.2.3", "abc123", "2026-01-02")
	t.Cleanup(func() { SetVersion("dev", "unknown", "unknown") })
	flags.jsonOutput = true
	t.Cleanup(func() { flags.jsonOutput = false })

	var out bytes.Buffer
	cmd := newVersionCommand()
	cmd.SetOut(&out)

	require.NoError(t, cmd.Execute())

	var info VersionInfo
	require.NoError(t, json.Unmarshal(out.Bytes(), &info))
	assert.Equal(t, "1.2.3", info.Version)
	assert.Equal(t, "abc123", info.Commit)
	assert.Equal(t, "2026-01-02", info.BuildDate)
}

func TestParseCallArgs(t *testing.T) {
	tests := []struct {
		name    string
		cf      callFlags
		want    map[string]any
		wantErr bool
	}{
		{
			name: "no arguments",
			cf:   callFlags{},
			want: nil,
		},
		{
			name: "key value pairs",
			cf:   callFlags{args: []string{"q=search term", "limit=5"}},
			want: map[string]any{"q": "search term", "limit": "5"},
		},
		{
			name: "json overrides pairs",
			cf:   callFlags{args: []string{"q=ignored"}, argsJSON: `{"limit": 5}`},
			want: map[string]any{"limit": float64(5)},
		},
		{
			name:    "malformed pair",
			cf:      callFlags{args: []string{"noequals"}},
			wantErr: true,
		},
		{
			name:    "empty key",
			cf:      callFlags{args: []string{"=value"}},
			wantErr: true,
		},
		{
			name:    "malformed json",
			cf:      callFlags{argsJSON: `{"unclosed`},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCallArgs(tt.cf)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	root := NewRootCommand()

	var names []string
	for _, sub := range root.Commands() {
		names = append(names, sub.Name())
	}

	assert.Contains(t, names, "serve")
	assert.Contains(t, names, "tools")
	assert.Contains(t, names, "call")
	assert.Contains(t, names, "version")
}
