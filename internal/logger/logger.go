// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package logger is the driver's structured logging sink. driver.Operation
// logs command started/succeeded/failed messages through an optional
// *Logger rather than calling fmt/log directly, so a caller can swap in any
// go-logr-shaped sink. Connect does not construct a Logger, and the SDAM,
// server selection and pool code does not log through this package.
package logger

import (
	"os"
	"strconv"
)

const jobBufferSize = 100
const logSinkPathEnvVar = "MONGODB_LOG_PATH"
const maxDocumentLengthEnvVar = "MONGODB_LOG_MAX_DOCUMENT_LENGTH"

// DefaultMaxDocumentLength is the default maximum length of a stringified
// BSON document logged in a command message, in bytes.
const DefaultMaxDocumentLength = 1000

// TruncationSuffix is appended to a message when truncation occurred.
const TruncationSuffix = "..."

const (
	logSinkPathStdout = "stdout"
	logSinkPathStderr = "stderr"
)

// LogSink represents a logging implementation, deliberately a subset of
// go-logr/logr's LogSink interface.
type LogSink interface {
	Info(int, string, ...interface{})
}

type job struct {
	level Level
	msg   ComponentMessage
}

// Logger is the driver's logger. Messages are handed to Print, which
// enqueues them for an asynchronous printer goroutine started by
// StartPrintListener so that logging never blocks the dispatch hot path.
type Logger struct {
	ComponentLevels   map[Component]Level
	Sink              LogSink
	MaxDocumentLength uint

	jobs chan job
}

// New constructs a Logger. A nil sink defaults to stderr; an explicit
// componentLevels map takes priority over the environment, which takes
// priority over "off".
func New(sink LogSink, maxDocumentLength uint, componentLevels map[Component]Level) *Logger {
	return &Logger{
		ComponentLevels:   selectComponentLevels(componentLevels),
		MaxDocumentLength: selectMaxDocumentLength(maxDocumentLength),
		Sink:              selectLogSink(sink),
		jobs:              make(chan job, jobBufferSize),
	}
}

// Close stops accepting further messages, unblocking the printer goroutine.
func (logger Logger) Close() {
	close(logger.jobs)
}

// Is reports whether level is enabled for component.
func (logger Logger) Is(level Level, component Component) bool {
	return logger.ComponentLevels[component] >= level
}

// Print enqueues a message for the printer goroutine, substituting a
// CommandMessageDropped if the queue is saturated rather than blocking the
// caller.
func (logger *Logger) Print(level Level, msg ComponentMessage) {
	select {
	case logger.jobs <- job{level, msg}:
	default:
		select {
		case logger.jobs <- job{level, CommandMessageDropped{}}:
		default:
		}
	}
}

// StartPrintListener starts the goroutine that drains logger.jobs into the
// configured LogSink.
func StartPrintListener(logger *Logger) {
	go func() {
		for j := range logger.jobs {
			if !logger.Is(j.level, j.msg.Component()) {
				continue
			}
			sink := logger.Sink
			if sink == nil {
				continue
			}

			keysAndValues := formatMessage(j.msg.Serialize(), logger.MaxDocumentLength)
			sink.Info(int(j.level)-DiffToInfo, j.msg.Message(), keysAndValues...)
		}
	}()
}

func truncate(str string, width uint) string {
	if width == 0 || uint(len(str)) <= width {
		return str
	}
	return str[:width] + TruncationSuffix
}

func formatMessage(keysAndValues []interface{}, commandWidth uint) []interface{} {
	out := make([]interface{}, len(keysAndValues))
	copy(out, keysAndValues)
	for i := 0; i+1 < len(out); i += 2 {
		key, _ := out[i].(string)
		if key != "command" && key != "reply" {
			continue
		}
		if s, ok := out[i+1].(interface{ String() string }); ok {
			out[i+1] = truncate(s.String(), commandWidth)
		}
	}
	return out
}

func selectMaxDocumentLength(arg uint) uint {
	if arg != 0 {
		return arg
	}
	if v := os.Getenv(maxDocumentLengthEnvVar); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			return uint(n)
		}
	}
	return DefaultMaxDocumentLength
}

func selectLogSink(arg LogSink) LogSink {
	if arg != nil {
		return arg
	}
	switch os.Getenv(logSinkPathEnvVar) {
	case logSinkPathStdout:
		return newOSSink(os.Stdout)
	case logSinkPathStderr, "":
		return newOSSink(os.Stderr)
	default:
		return newOSSink(os.Stderr)
	}
}

func selectComponentLevels(arg map[Component]Level) map[Component]Level {
	levels := map[Component]Level{
		ComponentCommand:         LevelOff,
		ComponentTopology:        LevelOff,
		ComponentServerSelection: LevelOff,
		ComponentConnection:      LevelOff,
	}

	globalLevel := parseLevel(os.Getenv(mongoDBLogAllEnvVar))
	for _, envVar := range allComponentEnvVars {
		level := globalLevel
		if globalLevel == LevelOff {
			level = parseLevel(os.Getenv(envVar))
		}
		levels[componentForEnvVar(envVar)] = level
	}

	for component, level := range arg {
		levels[component] = level
	}

	return levels
}
