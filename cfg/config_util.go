// Copyright 2024 Google LLC
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

import (
	"path/filepath"
	"runtime"
)

// DefaultWorkerCount mirrors the teacher's CPU-scaled worker-pool sizing:
// runtime.NumCPU(), but never fewer than 4.
func DefaultWorkerCount() int {
	return max(4, runtime.NumCPU())
}

// IsBackstorePersistent reports whether the configured backstore survives a
// daemon restart (spec.md §4.A: only host-fs does).
func IsBackstorePersistent(config *Config) bool {
	return config.Backstore.Mode == BackstoreHostFs
}

// SocketPathOrDefault returns the configured control-plane socket path, or
// the default derived from runtime-dir when unset.
func SocketPathOrDefault(config *Config) ResolvedPath {
	if config.Server.SocketPath != "" {
		return config.Server.SocketPath
	}
	return ResolvedPath(filepath.Join(string(config.Server.RuntimeDir), "agentfs.sock"))
}

// StatusFilePath returns the path of the daemon's status.json, alongside the
// socket in runtime-dir (spec.md §4.H).
func StatusFilePath(config *Config) ResolvedPath {
	return ResolvedPath(filepath.Join(string(config.Server.RuntimeDir), "status.json"))
}

// PidFilePath returns the path of the daemon's pid file, alongside the
// socket in runtime-dir (spec.md §4.H).
func PidFilePath(config *Config) ResolvedPath {
	return ResolvedPath(filepath.Join(string(config.Server.RuntimeDir), "agentfs-daemon.pid"))
}
