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

import "fmt"

func isValidLoggingConfig(config *LoggingConfig) error {
	if config.FilePath != "" {
		if config.MaxSizeMb <= 0 {
			return fmt.Errorf("log-max-size-mb should be at least 1 when log-file is set")
		}
		if config.MaxBackups < 0 {
			return fmt.Errorf("log-max-backups should be 0 (retain all) or a positive value")
		}
	}
	return nil
}

func isValidBackstoreConfig(config *BackstoreConfig) error {
	if !config.Mode.IsValid() {
		return fmt.Errorf("invalid backstore mode: %s", config.Mode)
	}
	if config.Mode == BackstoreHostFs && config.Root == "" {
		return fmt.Errorf("backstore-root is required when backstore-mode is host-fs")
	}
	if config.Mode == BackstoreRamDisk && config.SizeMb <= 0 {
		return fmt.Errorf("backstore-size-mb must be positive when backstore-mode is ram-disk")
	}
	return nil
}

func isValidFileSystemConfig(config *FileSystemConfig) error {
	if config.PageSizeBytes <= 0 {
		return fmt.Errorf("page-size-bytes must be positive")
	}
	if config.MaxPathLen <= 0 {
		return fmt.Errorf("max-path-len must be positive")
	}
	if config.MaxNameLen <= 0 {
		return fmt.Errorf("max-name-len must be positive")
	}
	if config.SymlinkMaxChain <= 0 {
		return fmt.Errorf("symlink-max-chain must be positive")
	}
	return nil
}

func isValidServerConfig(config *ServerConfig) error {
	if config.MountTimeoutMs <= 0 {
		return fmt.Errorf("mount-timeout-ms must be positive")
	}
	if config.GCIntervalSeconds < 0 {
		return fmt.Errorf("gc-interval-seconds must not be negative")
	}
	return nil
}

// ValidateConfig returns a non-nil error if the config is invalid.
func ValidateConfig(config *Config) error {
	if err := isValidServerConfig(&config.Server); err != nil {
		return fmt.Errorf("error parsing server config: %w", err)
	}
	if err := isValidBackstoreConfig(&config.Backstore); err != nil {
		return fmt.Errorf("error parsing backstore config: %w", err)
	}
	if err := isValidFileSystemConfig(&config.FileSystem); err != nil {
		return fmt.Errorf("error parsing file-system config: %w", err)
	}
	if err := isValidLoggingConfig(&config.Logging); err != nil {
		return fmt.Errorf("error parsing logging config: %w", err)
	}
	return nil
}
