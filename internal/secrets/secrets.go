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

// Package secrets resolves vault references from environment overlay
// entries into secret values at use time. Values are never persisted;
// resolution happens fresh on every exec.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrSecretNotFound indicates the referenced secret does not exist in the
// backing store.
var ErrSecretNotFound = errors.New("secret not found")

// ErrResolverUnavailable indicates the backing store cannot be reached
// (e.g. a locked keychain).
var ErrResolverUnavailable = errors.New("secret resolver unavailable")

// Ref is a structured vault reference of the form "mount/path/key".
// The path segment may itself contain slashes.
type Ref struct {
	// Mount is the first path segment (e.g. "kv").
	Mount string

	// Path is everything between the mount and the final key.
	Path string

	// Key is the last path segment.
	Key string
}

// String reconstructs the canonical "mount/path/key" form.
func (r Ref) String() string {
	if r.Path == "" {
		return r.Mount + "/" + r.Key
	}
	return r.Mount + "/" + r.Path + "/" + r.Key
}

// ParseRef parses a "mount/path/key" vault reference. The path segment is
// optional: "mount/key" is accepted.
func ParseRef(s string) (Ref, error) {
	parts := strings.Split(strings.Trim(s, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[len(parts)-1] == "" {
		return Ref{}, fmt.Errorf("invalid vault reference %q: want mount/path/key", s)
	}

	return Ref{
		Mount: parts[0],
		Path:  strings.Join(parts[1:len(parts)-1], "/"),
		Key:   parts[len(parts)-1],
	}, nil
}

// Resolver turns a vault reference into a secret value.
type Resolver interface {
	GetSecret(ctx context.Context, ref Ref) (string, error)
}
