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
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the root of AgentFS's daemon configuration, bound from CLI flags
// via BindFlags and unmarshalled through viper the way the teacher's cfg
// package assembles its mount configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Backstore  BackstoreConfig  `yaml:"backstore"`
	FileSystem FileSystemConfig `yaml:"file-system"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig governs the control-plane listener and the daemon's own
// identity (spec.md §6, §4.H).
type ServerConfig struct {
	SocketPath     ResolvedPath `yaml:"socket-path"`
	RuntimeDir     ResolvedPath `yaml:"runtime-dir"`
	LowerDir       ResolvedPath `yaml:"lower-dir"`
	MountTimeoutMs int          `yaml:"mount-timeout-ms"`
	OwnerUid       int          `yaml:"owner-uid"`
	OwnerGid       int          `yaml:"owner-gid"`
	// GCIntervalSeconds drives the background snapshot-reclamation sweep
	// (SUPPLEMENTED FEATURES); 0 disables the sweep entirely.
	GCIntervalSeconds int `yaml:"gc-interval-seconds"`
}

// BackstoreConfig selects and parameterizes the page/extent store's byte
// storage backend (spec.md §4.A).
type BackstoreConfig struct {
	Mode                  BackstoreMode `yaml:"mode"`
	Root                  ResolvedPath  `yaml:"root"`
	SizeMb                int           `yaml:"size-mb"`
	PreferNativeSnapshots bool          `yaml:"prefer-native-snapshots"`
}

// FileSystemConfig governs the in-memory engine's POSIX-shape parameters
// (spec.md §3, §4.B, §4.E).
type FileSystemConfig struct {
	PageSizeBytes   int   `yaml:"page-size-bytes"`
	MaxPathLen      int   `yaml:"max-path-len"`
	MaxNameLen      int   `yaml:"max-name-len"`
	CaseSensitive   bool  `yaml:"case-sensitive"`
	SymlinkMaxChain int   `yaml:"symlink-max-chain"`
	AtimeEnabled    bool  `yaml:"atime-enabled"`
	FileMode        Octal `yaml:"file-mode"`
	DirMode         Octal `yaml:"dir-mode"`
}

// LoggingConfig governs internal/logger's handler selection and rotation.
type LoggingConfig struct {
	Severity   LogSeverity  `yaml:"severity"`
	Format     string       `yaml:"format"` // "text" or "json"
	FilePath   ResolvedPath `yaml:"file-path"`
	MaxSizeMb  int          `yaml:"max-size-mb"`
	MaxBackups int          `yaml:"max-backups"`
	MaxAgeDays int          `yaml:"max-age-days"`
	Compress   bool         `yaml:"compress"`
}

// MetricsConfig governs the Prometheus exporter wired into internal/metrics.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen-address"`
}

// BindFlags registers every AgentFS daemon flag on flagSet and binds it into
// viper under the dotted key matching Config's yaml tags, following the
// teacher's cfg.BindFlags convention of one flag + one viper.BindPFlag call
// per field.
func BindFlags(flagSet *pflag.FlagSet) error {
	bind := func(key string) error {
		return viper.BindPFlag(key, flagSet.Lookup(key))
	}

	flagSet.String("socket-path", "", "Control-plane socket path. Defaults to <runtime-dir>/agentfs.sock.")
	if err := bind("server.socket-path"); err != nil {
		return err
	}

	flagSet.String("runtime-dir", "/tmp/agentfs-interpose", "Directory holding the socket, status.json and pid file.")
	if err := bind("server.runtime-dir"); err != nil {
		return err
	}

	flagSet.String("lower-dir", "", "Repository root the daemon's initial branch is seeded from.")
	if err := bind("server.lower-dir"); err != nil {
		return err
	}

	flagSet.Int("mount-timeout-ms", 10000, "How long a mount request waits for the daemon to become ready.")
	if err := bind("server.mount-timeout-ms"); err != nil {
		return err
	}

	flagSet.Int("owner-uid", -1, "UID that owns the control-plane socket. -1 uses the daemon's own uid.")
	if err := bind("server.owner-uid"); err != nil {
		return err
	}

	flagSet.Int("owner-gid", -1, "GID that owns the control-plane socket. -1 uses the daemon's own gid.")
	if err := bind("server.owner-gid"); err != nil {
		return err
	}

	flagSet.Int("gc-interval-seconds", 60, "Interval between background snapshot GC sweeps. 0 disables the sweep.")
	if err := bind("server.gc-interval-seconds"); err != nil {
		return err
	}

	flagSet.String("backstore-mode", string(BackstoreInMemory), "Page store backend: in-memory, host-fs, or ram-disk.")
	if err := bind("backstore.mode"); err != nil {
		return err
	}

	flagSet.String("backstore-root", "", "Root directory for the host-fs backstore.")
	if err := bind("backstore.root"); err != nil {
		return err
	}

	flagSet.Int("backstore-size-mb", 0, "Size budget in MB for the ram-disk backstore.")
	if err := bind("backstore.size-mb"); err != nil {
		return err
	}

	flagSet.Bool("backstore-prefer-native-snapshots", false, "Request native filesystem snapshots from the host-fs backstore when available.")
	if err := bind("backstore.prefer-native-snapshots"); err != nil {
		return err
	}

	flagSet.Int("page-size-bytes", 4096, "COW page granularity.")
	if err := bind("file-system.page-size-bytes"); err != nil {
		return err
	}

	flagSet.Int("max-path-len", 4096, "Maximum resolvable path length.")
	if err := bind("file-system.max-path-len"); err != nil {
		return err
	}

	flagSet.Int("max-name-len", 255, "Maximum path component length.")
	if err := bind("file-system.max-name-len"); err != nil {
		return err
	}

	flagSet.Bool("case-sensitive", true, "Directory name comparison case sensitivity.")
	if err := bind("file-system.case-sensitive"); err != nil {
		return err
	}

	flagSet.Int("symlink-max-chain", 40, "Maximum symlink chain length before returning loop.")
	if err := bind("file-system.symlink-max-chain"); err != nil {
		return err
	}

	flagSet.Bool("atime-enabled", true, "Update atime on read.")
	if err := bind("file-system.atime-enabled"); err != nil {
		return err
	}

	flagSet.String("file-mode", "644", "Permission bits for regular files, in octal.")
	if err := bind("file-system.file-mode"); err != nil {
		return err
	}

	flagSet.String("dir-mode", "755", "Permission bits for directories, in octal.")
	if err := bind("file-system.dir-mode"); err != nil {
		return err
	}

	flagSet.String("log-level", string(InfoLogSeverity), "Logging severity: TRACE, DEBUG, INFO, WARNING, ERROR, OFF.")
	if err := bind("logging.severity"); err != nil {
		return err
	}

	flagSet.String("log-format", "text", "Log output format: text or json.")
	if err := bind("logging.format"); err != nil {
		return err
	}

	flagSet.String("log-file", "", "Path to a rotated log file. Empty logs to stderr only.")
	if err := bind("logging.file-path"); err != nil {
		return err
	}

	flagSet.Int("log-max-size-mb", 512, "Maximum size in MB of a log file before rotation.")
	if err := bind("logging.max-size-mb"); err != nil {
		return err
	}

	flagSet.Int("log-max-backups", 10, "Number of rotated log files to retain.")
	if err := bind("logging.max-backups"); err != nil {
		return err
	}

	flagSet.Int("log-max-age-days", 0, "Maximum age in days of a rotated log file. 0 disables age-based cleanup.")
	if err := bind("logging.max-age-days"); err != nil {
		return err
	}

	flagSet.Bool("log-compress", true, "Gzip-compress rotated log files.")
	if err := bind("logging.compress"); err != nil {
		return err
	}

	flagSet.Bool("metrics-enabled", false, "Serve Prometheus metrics.")
	if err := bind("metrics.enabled"); err != nil {
		return err
	}

	flagSet.String("metrics-listen-address", "127.0.0.1:9477", "Address the Prometheus exporter listens on.")
	if err := bind("metrics.listen-address"); err != nil {
		return err
	}

	return nil
}
