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
	"fmt"
	"os"
	"strings"
)

// EnvResolver resolves vault references from process environment
// variables. The reference "kv/ci/api_token" maps to the variable
// "KV_CI_API_TOKEN": segments are uppercased and joined with underscores.
// Intended for headless and CI environments where no keychain exists.
type EnvResolver struct {
	// Prefix, when set, is prepended to every variable name
	// (e.g. Prefix "HELMSMAN" maps kv/ci/token to HELMSMAN_KV_CI_TOKEN).
	Prefix string
}

// GetSecret implements Resolver.
func (e *EnvResolver) GetSecret(ctx context.Context, ref Ref) (string, error) {
	name := envName(e.Prefix, ref)
	value, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("%w: %s (env %s)", ErrSecretNotFound, ref, name)
	}
	return value, nil
}

func envName(prefix string, ref Ref) string {
	segments := make([]string, 0, 4)
	if prefix != "" {
		segments = append(segments, prefix)
	}
	segments = append(segments, ref.Mount)
	if ref.Path != "" {
		segments = append(segments, strings.ReplaceAll(ref.Path, "/", "_"))
	}
	segments = append(segments, ref.Key)

	name := strings.Join(segments, "_")
	name = strings.ReplaceAll(name, "-", "_")
	return strings.ToUpper(name)
}
