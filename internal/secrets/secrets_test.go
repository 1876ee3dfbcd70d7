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

package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRef(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Ref
		wantErr bool
	}{
		{
			name:  "mount path key",
			input: "kv/ci/api_token",
			want:  Ref{Mount: "kv", Path: "ci", Key: "api_token"},
		},
		{
			name:  "deep path",
			input: "kv/teams/platform/ci/token",
			want:  Ref{Mount: "kv", Path: "teams/platform/ci", Key: "token"},
		},
		{
			name:  "mount and key only",
			input: "kv/token",
			want:  Ref{Mount: "kv", Key: "token"},
		},
		{
			name:  "leading and trailing slashes trimmed",
			input: "/kv/ci/token/",
			want:  Ref{Mount: "kv", Path: "ci", Key: "token"},
		},
		{
			name:    "single segment",
			input:   "token",
			wantErr: true,
		},
		{
			name:    "empty",
			input:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRef(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRef_String(t *testing.T) {
	assert.Equal(t, "kv/ci/token", Ref{Mount: "kv", Path: "ci", Key: "token"}.String())
	assert.Equal(t, "kv/token", Ref{Mount: "kv", Key: "token"}.String())
}

func TestEnvResolver_GetSecret(t *testing.T) {
	t.Setenv("KV_CI_API_TOKEN", "sekrit")

	resolver := &EnvResolver{}
	ref := Ref{Mount: "kv", Path: "ci", Key: "api_token"}

	value, err := resolver.GetSecret(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "sekrit", value)
}

func TestEnvResolver_GetSecret_WithPrefix(t *testing.T) {
	t.Setenv("HELMSMAN_KV_TOKEN", "prefixed")

	resolver := &EnvResolver{Prefix: "helmsman"}
	ref := Ref{Mount: "kv", Key: "token"}

	value, err := resolver.GetSecret(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "prefixed", value)
}

func TestEnvResolver_GetSecret_NotFound(t *testing.T) {
	resolver := &EnvResolver{}
	ref := Ref{Mount: "kv", Path: "nope", Key: "missing"}

	_, err := resolver.GetSecret(context.Background(), ref)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestEnvName(t *testing.T) {
	tests := []struct {
		prefix string
		ref    Ref
		want   string
	}{
		{"", Ref{Mount: "kv", Path: "ci", Key: "api_token"}, "KV_CI_API_TOKEN"},
		{"", Ref{Mount: "kv", Key: "token"}, "KV_TOKEN"},
		{"helmsman", Ref{Mount: "kv", Key: "token"}, "HELMSMAN_KV_TOKEN"},
		{"", Ref{Mount: "kv", Path: "my-team/ci", Key: "token"}, "KV_MY_TEAM_CI_TOKEN"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, envName(tt.prefix, tt.ref))
	}
}
