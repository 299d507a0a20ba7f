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

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	return &Config{
		Server:     ServerConfig{MountTimeoutMs: 10000},
		Backstore:  GetDefaultBackstoreConfig(),
		FileSystem: GetDefaultFileSystemConfig(),
		Logging:    GetDefaultLoggingConfig(),
	}
}

func TestValidateConfig(t *testing.T) {
	t.Run("valid default config", func(t *testing.T) {
		assert.NoError(t, ValidateConfig(validConfig()))
	})

	t.Run("zero mount timeout", func(t *testing.T) {
		c := validConfig()
		c.Server.MountTimeoutMs = 0
		assert.Error(t, ValidateConfig(c))
	})

	t.Run("negative gc interval", func(t *testing.T) {
		c := validConfig()
		c.Server.GCIntervalSeconds = -1
		assert.Error(t, ValidateConfig(c))
	})

	t.Run("host-fs without root", func(t *testing.T) {
		c := validConfig()
		c.Backstore = BackstoreConfig{Mode: BackstoreHostFs}
		assert.Error(t, ValidateConfig(c))
	})

	t.Run("ram-disk without size", func(t *testing.T) {
		c := validConfig()
		c.Backstore = BackstoreConfig{Mode: BackstoreRamDisk}
		assert.Error(t, ValidateConfig(c))
	})

	t.Run("invalid backstore mode", func(t *testing.T) {
		c := validConfig()
		c.Backstore.Mode = "nfs"
		assert.Error(t, ValidateConfig(c))
	})

	t.Run("non-positive page size", func(t *testing.T) {
		c := validConfig()
		c.FileSystem.PageSizeBytes = 0
		assert.Error(t, ValidateConfig(c))
	})

	t.Run("log file without max size", func(t *testing.T) {
		c := validConfig()
		c.Logging.FilePath = "/var/log/agentfs.log"
		c.Logging.MaxSizeMb = 0
		assert.Error(t, ValidateConfig(c))
	})

	t.Run("log file with negative max backups", func(t *testing.T) {
		c := validConfig()
		c.Logging.FilePath = "/var/log/agentfs.log"
		c.Logging.MaxSizeMb = 10
		c.Logging.MaxBackups = -1
		assert.Error(t, ValidateConfig(c))
	})
}
