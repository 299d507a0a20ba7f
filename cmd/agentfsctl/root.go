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

// Package agentfsctl is the CLI surface for internal/supervisor (spec.md
// §4.H): it spawns and supervises agentfs-daemon for one repository and
// reports on its status, the way the teacher's top-level gcsfuse command
// daemonizes and reports on its own mount.
package agentfsctl

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/agentfs/agentfs/cfg"
	"github.com/agentfs/agentfs/internal/supervisor"
	"github.com/spf13/cobra"
)

var (
	runtimeDir      string
	socketPath      string
	daemonBin       string
	ownerUid        int
	ownerGid        int
	logLevel        string
	backstoreMode   string
	backstoreRoot   string
	backstoreSizeMb int
	mountTimeoutMs  int
	statusAddr      string
)

var rootCmd = &cobra.Command{
	Use:   "agentfs",
	Short: "Supervise the AgentFS userspace filesystem daemon",
}

var mountCmd = &cobra.Command{
	Use:   "mount <repo-root>",
	Short: "Spawn and supervise agentfs-daemon for repo-root in the foreground",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repoRoot, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		if socketPath == "" {
			socketPath = filepath.Join(runtimeDir, "agentfs.sock")
		}
		if err := os.MkdirAll(runtimeDir, cfg.SocketDirMode); err != nil {
			return fmt.Errorf("creating runtime dir: %w", err)
		}

		sup := supervisor.New(supervisor.WithMetrics(nil))
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		if statusAddr != "" {
			go func() {
				if err := supervisor.ServeStatusEndpoint(ctx, statusAddr, sup); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "status endpoint exited: %v\n", err)
				}
			}()
		}

		req := supervisor.MountRequest{
			RepoRoot:        repoRoot,
			RuntimeDir:      runtimeDir,
			SocketPath:      socketPath,
			DaemonBin:       daemonBin,
			OwnerUid:        ownerUid,
			OwnerGid:        ownerGid,
			LogLevel:        logLevel,
			BackstoreMode:   backstoreMode,
			BackstoreRoot:   backstoreRoot,
			BackstoreSizeMb: backstoreSizeMb,
			MountTimeoutMs:  mountTimeoutMs,
		}

		status, err := sup.Mount(ctx, req)
		if err != nil {
			return fmt.Errorf("mount: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "mounted: state=%s pid=%d socket=%s\n", status.State, status.Pid, status.SocketPath)

		<-ctx.Done()
		fmt.Fprintln(cmd.OutOrStdout(), "unmounting...")
		return sup.Unmount(context.Background())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the last-persisted status.json for a runtime directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := supervisor.ReadStatus(runtimeDir)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "state=%s pid=%d restart_count=%d socket=%s last_error=%q\n",
			status.State, status.Pid, status.RestartCount, status.SocketPath, status.LastError)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&runtimeDir, "runtime-dir", cfg.DefaultRuntimeDir, "Directory holding the socket, status.json and pid file.")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket-path", "", "Control-plane socket path. Defaults to <runtime-dir>/agentfs.sock.")

	mountCmd.Flags().StringVar(&daemonBin, "daemon-bin", "", "Path to the agentfs-daemon binary. Defaults to $AGENTFS_INTERPOSE_DAEMON_BIN or this binary's own path.")
	mountCmd.Flags().IntVar(&ownerUid, "owner-uid", -1, "UID that owns the control-plane socket.")
	mountCmd.Flags().IntVar(&ownerGid, "owner-gid", -1, "GID that owns the control-plane socket.")
	mountCmd.Flags().StringVar(&logLevel, "log-level", "INFO", "Daemon logging severity.")
	mountCmd.Flags().StringVar(&backstoreMode, "backstore-mode", string(cfg.BackstoreInMemory), "Page store backend: in-memory, host-fs, or ram-disk.")
	mountCmd.Flags().StringVar(&backstoreRoot, "backstore-root", "", "Root directory for the host-fs backstore.")
	mountCmd.Flags().IntVar(&backstoreSizeMb, "backstore-size-mb", 0, "Size budget in MB for the ram-disk backstore.")
	mountCmd.Flags().IntVar(&mountTimeoutMs, "mount-timeout-ms", 10000, "How long to wait for the daemon to become ready.")
	mountCmd.Flags().StringVar(&statusAddr, "status-addr", "", "Optional HTTP address to serve /status on. Empty disables it.")

	rootCmd.AddCommand(mountCmd, statusCmd)
}
