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
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// KeychainResolver resolves vault references from the system keychain
// (macOS Keychain, Linux Secret Service, Windows Credential Manager).
// The reference's mount maps to the keychain service name and the
// remaining "path/key" maps to the entry key.
type KeychainResolver struct {
	// ServicePrefix is prepended to the mount when forming the keychain
	// service name, keeping entries from different installations apart.
	// Defaults to "helmsman".
	ServicePrefix string

	available bool
}

// NewKeychainResolver creates a keychain-backed resolver. Availability is
// probed once; an unreachable keychain makes GetSecret fail fast with
// ErrResolverUnavailable instead of blocking on every lookup.
func NewKeychainResolver(servicePrefix string) *KeychainResolver {
	if servicePrefix == "" {
		servicePrefix = "helmsman"
	}

	r := &KeychainResolver{
		ServicePrefix: servicePrefix,
		available:     true,
	}

	_, err := keyring.Get(servicePrefix, "__helmsman_availability_test__")
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		r.available = false
	}

	return r
}

// GetSecret implements Resolver.
func (r *KeychainResolver) GetSecret(ctx context.Context, ref Ref) (string, error) {
	if !r.available {
		return "", fmt.Errorf("%w: system keychain not accessible", ErrResolverUnavailable)
	}

	service := r.ServicePrefix + "." + ref.Mount
	key := ref.Key
	if ref.Path != "" {
		key = ref.Path + "/" + ref.Key
	}

	value, err := keyring.Get(service, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrSecretNotFound, ref)
		}
		return "", fmt.Errorf("keychain lookup for %s: %w", ref, err)
	}

	return value, nil
}
