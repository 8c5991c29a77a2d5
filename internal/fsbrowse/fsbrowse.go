// Copyright 2025 The Darkhold Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package fsbrowse is the sandboxed filesystem browser collaborator behind
// /api/fs/list: it lists a directory's immediate children without ever
// resolving a path outside its configured root.
package fsbrowse

import (
	"os"
	"path/filepath"
	"strings"

	"darkhold-go/internal/apierr"
)

// Entry is one child of a listed directory.
type Entry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
}

// Browser lists directories under a fixed root, rejecting any path that
// would escape it.
type Browser struct {
	root string
}

// New returns a Browser rooted at root. An empty root allows the whole
// filesystem, rooted at "/".
func New(root string) (*Browser, error) {
	if root == "" {
		root = "/"
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &Browser{root: abs}, nil
}

// Root returns the browser's configured root.
func (b *Browser) Root() string { return b.root }

// List returns the immediate children of path, which is relative to the
// browser's root. An empty path lists the root itself.
func (b *Browser) List(path string) ([]Entry, error) {
	target, err := b.resolve(path)
	if err != nil {
		return nil, err
	}

	infos, err := os.ReadDir(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierr.New(apierr.NotFound, "no such directory")
		}
		return nil, apierr.New(apierr.Internal, err.Error())
	}

	entries := make([]Entry, 0, len(infos))
	for _, de := range infos {
		info, err := de.Info()
		var size int64
		if err == nil {
			size = info.Size()
		}
		entries = append(entries, Entry{Name: de.Name(), IsDir: de.IsDir(), Size: size})
	}
	return entries, nil
}

// resolve joins path onto the browser's root and rejects the result if,
// once `..` segments are cleaned away, it lies outside the root. The check
// is lexical: symlinks are not resolved, so a symlink inside the root that
// points elsewhere is not rejected.
func (b *Browser) resolve(path string) (string, error) {
	joined := filepath.Join(b.root, path)
	clean := filepath.Clean(joined)
	prefix := b.root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	if clean != b.root && !strings.HasPrefix(clean, prefix) {
		return "", apierr.New(apierr.Forbidden, "path escapes the browser root")
	}
	return clean, nil
}
