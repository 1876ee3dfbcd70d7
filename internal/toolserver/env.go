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
	"context"
	"log/slog"

	"github.com/helmsman-ai/helmsman/internal/secrets"
)

// resolveEnv materializes the environment overlay for an exec. Static
// entries pass through unchanged. Vault entries are resolved fresh through
// the resolver; a failed lookup skips that single variable with a warning
// rather than failing the exec, so one missing secret does not take the
// whole tool server down. Output order follows entry order.
func resolveEnv(ctx context.Context, entries []EnvEntry, resolver secrets.Resolver, logger *slog.Logger) []string {
	env := make([]string, 0, len(entries))

	for _, entry := range entries {
		switch entry.Source {
		case EnvSourceVault:
			if resolver == nil {
				logger.Warn("skipping vault env entry, no secret resolver configured",
					slog.String("key", entry.Key))
				continue
			}
			ref, err := secrets.ParseRef(entry.Value)
			if err != nil {
				logger.Warn("skipping vault env entry, invalid reference",
					slog.String("key", entry.Key),
					slog.String("error", err.Error()))
				continue
			}
			value, err := resolver.GetSecret(ctx, ref)
			if err != nil {
				logger.Warn("skipping vault env entry, secret resolution failed",
					slog.String("key", entry.Key),
					slog.String("ref", ref.String()),
					slog.String("error", err.Error()))
				continue
			}
			env = append(env, entry.Key+"="+value)
		default:
			env = append(env, entry.Key+"="+entry.Value)
		}
	}

	return env
}
