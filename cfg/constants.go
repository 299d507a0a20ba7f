// Copyright 2024 Google Inc. All Rights Reserved.
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

package cfg

const (
	// Logging-level constants, mirrored as plain strings for callers that
	// don't want to import the LogSeverity type.

	TRACE   string = "TRACE"
	DEBUG   string = "DEBUG"
	INFO    string = "INFO"
	WARNING string = "WARNING"
	ERROR   string = "ERROR"
	OFF     string = "OFF"
)

const (
	// Backoff constants for the supervisor (spec.md §4.H).

	SupervisorBackoffFloor   = "1s"
	SupervisorBackoffCeiling = "30s"
)

const (
	// Socket permission bits (spec.md §6): a socket readable and writable
	// by owner and group, under an owner-only directory.
	SocketFileMode = 0o660
	SocketDirMode  = 0o700
)
