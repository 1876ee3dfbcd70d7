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

// Package toolserver supervises MCP tool servers running inside ephemeral
// containers.
//
// A Server launches the configured command through a container exec
// session, speaks the MCP protocol over the hijacked stream, discovers the
// exposed tools exactly once per lifetime, and supervises startup with a
// bounded dependency wait and exponential-backoff retries. Tool calls run
// in fresh per-thread containers, independent of discovery. A dynamic
// per-tool enable/disable configuration filters the visible tool set and
// notifies observers on change.
//
// All state is in-memory and scoped to one Server; instances share
// nothing and may coexist, one per configured tool server.
package toolserver
