// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Options selects the logger's level, format and destination
type Options struct {
	Level    string `yaml:"level"`     // logrus level name
	Format   string `yaml:"format"`    // "text" or "json"
	FilePath string `yaml:"file_path"` // empty logs to stderr
}

// New creates a logger. An unknown level falls back to info.
// The returned closer releases the log file, if any.
func New(opts Options) (*logrus.Logger, io.Closer, error) {
	log := logrus.New()
	log.SetOutput(os.Stderr)

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	switch opts.Format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05.000",
		})
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
		})
	default:
		return nil, nil, fmt.Errorf("unknown log format %q (use text or json)", opts.Format)
	}

	var closer io.Closer = nopCloser{}
	if opts.FilePath != "" {
		file, err := os.OpenFile(opts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		log.SetOutput(file)
		closer = file
	}

	return log, closer, nil
}

// Discard returns a logger that drops everything
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
