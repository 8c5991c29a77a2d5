// Copyright 2025 The Darkhold Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package eventlog implements a per-thread append-only file store with
// mutual exclusion, ordered reads, rehydration from a thread/read result,
// and directory cleanup.
package eventlog

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	json "github.com/segmentio/encoding/json"

	"darkhold-go/internal/rehydrate"
)

var sanitizeRe = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// sanitize maps any character outside [A-Za-z0-9._-] to '_' so a thread id
// is always safe to use as a filename.
func sanitize(threadID string) string {
	return sanitizeRe.ReplaceAllString(threadID, "_")
}

const (
	lockPollInterval = 2 * time.Millisecond
	lockTimeout       = 5 * time.Second
)

// Store is a per-process root directory holding one .jsonl file per thread.
type Store struct {
	dir string
}

// NewStore creates (if needed) and returns a Store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(threadID string) string {
	return filepath.Join(s.dir, sanitize(threadID)+".jsonl")
}

// lock acquires the per-thread lock directory, serializing this operation
// with every other Append/Rehydrate for the same thread. Lock acquisition
// is an atomic directory creation with
// polling backoff, so it also serializes correctly across separate
// processes sharing the same root directory.
func (s *Store) lock(threadID string) (unlock func(), err error) {
	lockDir := s.path(threadID) + ".lock"
	deadline := time.Now().Add(lockTimeout)
	for {
		if err := os.Mkdir(lockDir, 0o755); err == nil {
			return func() { _ = os.Remove(lockDir) }, nil
		} else if !os.IsExist(err) {
			return nil, fmt.Errorf("eventlog: acquire lock for %q: %w", threadID, err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("eventlog: timed out acquiring lock for %q", threadID)
		}
		time.Sleep(lockPollInterval)
	}
}

// Read returns all non-empty lines for threadID in insertion order. A
// missing file yields an empty, non-nil slice. Reads take no lock: each
// append is a single write of a newline-terminated line, so a concurrent
// reader sees either the old or new tail, never a torn one.
func (s *Store) Read(threadID string) ([]string, error) {
	data, err := os.ReadFile(s.path(threadID))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("eventlog: read %q: %w", threadID, err)
	}
	var lines []string
	for _, l := range strings.Split(string(data), "\n") {
		if l != "" {
			lines = append(lines, l)
		}
	}
	if lines == nil {
		lines = []string{}
	}
	return lines, nil
}

// Append acquires the thread's lock, writes line to its file, and returns
// the 1-based event id assigned to the new line — equal to the number of
// entries in the thread's log after the append.
func (s *Store) Append(threadID, line string) (id int, err error) {
	unlock, err := s.lock(threadID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	existing, err := s.Read(threadID)
	if err != nil {
		return 0, err
	}

	f, err := os.OpenFile(s.path(threadID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("eventlog: open %q: %w", threadID, err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return 0, fmt.Errorf("eventlog: write %q: %w", threadID, err)
	}

	return len(existing) + 1, nil
}

// RehydrateFromThreadRead replaces threadID's entire log atomically with
// the envelopes derived from a thread/read or thread/resume result's
// thread.turns. The file is always replaced, not appended, so rehydration
// is idempotent regardless of prior content.
func (s *Store) RehydrateFromThreadRead(threadID string, turnsRaw json.RawMessage) error {
	lines, err := rehydrate.Lines(threadID, turnsRaw)
	if err != nil {
		return fmt.Errorf("eventlog: derive rehydrated lines: %w", err)
	}

	unlock, err := s.lock(threadID)
	if err != nil {
		return err
	}
	defer unlock()

	tmp := s.path(threadID) + ".tmp"
	content := strings.Join(lines, "\n")
	if len(lines) > 0 {
		content += "\n"
	}
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("eventlog: write temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path(threadID)); err != nil {
		return fmt.Errorf("eventlog: replace log file: %w", err)
	}
	return nil
}

// Cleanup removes the store's root directory and every per-thread file
// beneath it.
func (s *Store) Cleanup() error {
	return os.RemoveAll(s.dir)
}
