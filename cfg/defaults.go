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

// DefaultRuntimeDir matches spec.md §6's default socket location.
const DefaultRuntimeDir = "/tmp/agentfs-interpose"

// GetDefaultLoggingConfig returns the default configuration used during
// application startup, before any provided configuration has been parsed.
func GetDefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Severity:   InfoLogSeverity,
		Format:     "text",
		MaxBackups: 10,
		Compress:   true,
		MaxSizeMb:  512,
	}
}

// GetDefaultFileSystemConfig returns the POSIX-default values spec.md §4.E
// calls out explicitly (4096 path, 255 name, 40 symlink chain).
func GetDefaultFileSystemConfig() FileSystemConfig {
	return FileSystemConfig{
		PageSizeBytes:   4096,
		MaxPathLen:      4096,
		MaxNameLen:      255,
		CaseSensitive:   true,
		SymlinkMaxChain: 40,
		AtimeEnabled:    true,
		FileMode:        0644,
		DirMode:         0755,
	}
}

// GetDefaultBackstoreConfig defaults to the fastest, non-durable backend,
// matching spec.md §4.A's description of InMemory as "fastest, lost on
// restart."
func GetDefaultBackstoreConfig() BackstoreConfig {
	return BackstoreConfig{Mode: BackstoreInMemory}
}
