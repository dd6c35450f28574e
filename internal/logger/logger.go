// Copyright (C) FerrumDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package logger

import (
	"fmt"
	"os"
)

const logPathEnvVar = "FERRUM_LOG_PATH"
const jobBufferSize = 100

// Message is anything that can be logged: it names the component it
// belongs to and renders itself to key-value pairs.
type Message interface {
	Component() Component
	Serialize() []interface{}
	String() string
}

// Sink receives rendered log records. It is a narrow subset of go-logr's
// LogSink, so that ecosystem's sinks adapt trivially without a direct
// dependency.
type Sink interface {
	Info(level int, msg string, keysAndValues ...interface{})
}

// writerSink is the default Sink, used when no custom Sink is configured.
type writerSink struct {
	w *os.File
}

func (w *writerSink) Info(level int, msg string, keysAndValues ...interface{}) {
	fmt.Fprintf(w.w, "%s %v\n", msg, keysAndValues)
}

func defaultSink() Sink {
	if path := os.Getenv(logPathEnvVar); path != "" {
		if f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err == nil {
			return &writerSink{w: f}
		}
	}
	return &writerSink{w: os.Stderr}
}

type job struct {
	level Level
	msg   Message
}

// Logger is the driver's logger. Records are queued on a buffered channel
// and rendered by a single background goroutine so the hot dispatch path
// never blocks on slow sink I/O.
type Logger struct {
	componentLevels map[Component]Level
	sink            Sink

	jobs chan job
	done chan struct{}
}

// New constructs a Logger. An explicit non-nil sink takes precedence over
// the FERRUM_LOG_PATH environment variable; component levels come only from
// componentLevels and are not read from the environment.
func New(sink Sink, componentLevels map[Component]Level) *Logger {
	if sink == nil {
		sink = defaultSink()
	}
	levels := make(map[Component]Level, len(componentLevels))
	for k, v := range componentLevels {
		levels[k] = v
	}

	l := &Logger{
		componentLevels: levels,
		sink:            sink,
		jobs:            make(chan job, jobBufferSize),
		done:            make(chan struct{}),
	}
	go l.run()
	return l
}

// Close stops the background printer goroutine. Close must not be called
// concurrently with Print.
func (l *Logger) Close() {
	close(l.jobs)
	<-l.done
}

// Is reports whether level is enabled for component.
func (l *Logger) Is(level Level, component Component) bool {
	return l.componentLevels[component] >= level
}

// Print enqueues a message for asynchronous rendering. If the queue is full
// the record is dropped rather than blocking the caller.
func (l *Logger) Print(level Level, msg Message) {
	if l == nil || !l.Is(level, msg.Component()) {
		return
	}
	select {
	case l.jobs <- job{level, msg}:
	default:
	}
}

func (l *Logger) run() {
	defer close(l.done)
	for j := range l.jobs {
		l.sink.Info(int(j.level), j.msg.String(), j.msg.Serialize()...)
	}
}
