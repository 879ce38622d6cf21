// Package output provides the file-backed log plumbing of a Job: a
// size-bounded rotating Sink for lifecycle messages, and readers over the
// job's log files that either return what is currently available or follow
// the file as it grows.
package output

import (
	"io"

	"gopkg.in/natefinch/lumberjack.v2"
)

// SinkOptions bound the size and retention of a Sink.
type SinkOptions struct {
	// MaxSizeMB is the size in megabytes at which the file is rotated.
	MaxSizeMB int

	// MaxBackups is the number of rotated files retained.
	MaxBackups int

	// MaxAgeDays is the age in days after which rotated files are deleted.
	// Zero keeps them regardless of age.
	MaxAgeDays int

	// Compress gzips rotated files.
	Compress bool
}

// DefaultSinkOptions returns the options used when none are configured.
func DefaultSinkOptions() SinkOptions {
	return SinkOptions{
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 28,
	}
}

// NewSink returns a rotating writer appending to path. The file is opened on
// first write.
func NewSink(path string, opts SinkOptions) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
}
