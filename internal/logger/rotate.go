package logger

import (
	"io"

	"gopkg.in/natefinch/lumberjack.v2"
)

// RotatedFileOptions configures on-disk log rotation, mirroring
// cfg.LoggingConfig's file_path/max_size_mb/max_backups/max_age_days fields.
type RotatedFileOptions struct {
	Path       string
	MaxSizeMb  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// NewRotatedWriter wraps a lumberjack.Logger in an AsyncLogger so rotation
// I/O never blocks the caller. Returns nil when Path is empty (logging to
// stderr only).
func NewRotatedWriter(opts RotatedFileOptions) io.WriteCloser {
	if opts.Path == "" {
		return nil
	}
	lj := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMb,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	return NewAsyncLogger(lj, 4096)
}
