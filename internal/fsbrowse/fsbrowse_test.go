// Copyright 2025 The Darkhold Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package fsbrowse

import (
	"os"
	"path/filepath"
	"testing"

	"darkhold-go/internal/apierr"
)

func TestListReturnsChildren(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	b, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	entries, err := b.List("")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
}

func TestListRejectsPathEscape(t *testing.T) {
	dir := t.TempDir()
	b, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	_, err = b.List("../../etc")
	if err == nil {
		t.Fatal("expected an error for a path escaping the root")
	}
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Category != apierr.Forbidden {
		t.Errorf("error = %v, want Forbidden", err)
	}
}

func TestListUnknownDirectoryIsNotFound(t *testing.T) {
	dir := t.TempDir()
	b, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	_, err = b.List("does-not-exist")
	if err == nil {
		t.Fatal("expected an error for a missing directory")
	}
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Category != apierr.NotFound {
		t.Errorf("error = %v, want NotFound", err)
	}
}
