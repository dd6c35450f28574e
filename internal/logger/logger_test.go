// Copyright (C) FerrumDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package logger

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingSink struct {
	mu      sync.Mutex
	entries []string
}

func (s *recordingSink) Info(_ int, msg string, _ ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, msg)
}

func (s *recordingSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.entries...)
}

type testMessage struct {
	component Component
	text      string
}

func (m testMessage) Component() Component     { return m.component }
func (m testMessage) Serialize() []interface{} { return nil }
func (m testMessage) String() string           { return m.text }

func TestLoggerLevelFiltering(t *testing.T) {
	sink := &recordingSink{}
	l := New(sink, map[Component]Level{ComponentTopology: LevelInfo})

	l.Print(LevelInfo, testMessage{ComponentTopology, "topology changed"})
	l.Print(LevelDebug, testMessage{ComponentTopology, "suppressed by level"})
	l.Print(LevelInfo, testMessage{ComponentCommand, "suppressed by component"})
	l.Close()

	assert.Equal(t, []string{"topology changed"}, sink.all())
}

func TestLoggerIs(t *testing.T) {
	l := New(&recordingSink{}, map[Component]Level{ComponentCommand: LevelDebug})
	defer l.Close()

	assert.True(t, l.Is(LevelDebug, ComponentCommand))
	assert.True(t, l.Is(LevelError, ComponentCommand))
	assert.False(t, l.Is(LevelError, ComponentTopology))
}

func TestNilLoggerPrintIsSafe(t *testing.T) {
	var l *Logger
	l.Print(LevelError, testMessage{ComponentTopology, "dropped"})
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelInfo, ParseLevel("info"))
	assert.Equal(t, LevelError, ParseLevel("error"))
	assert.Equal(t, LevelOff, ParseLevel("nonsense"))
}
