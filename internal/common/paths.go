// Copyright 2024 AgentFS Authors
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

package common

import (
	"path"
	"strings"

	"golang.org/x/text/cases"
)

// Virtual paths are slash separated regardless of host OS. The normalized
// form has no leading or trailing slash and the root is "".

// NormalizePath cleans and normalizes a path, removing leading/trailing slashes
func NormalizePath(p string) string {
	p = path.Clean("/" + p)
	p = strings.TrimPrefix(p, "/")
	return p
}

// CleanPath normalizes p and rejects names the engine cannot store.
func CleanPath(p string) (string, error) {
	if strings.IndexByte(p, 0) >= 0 {
		return "", ErrInvalidPath
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return "", ErrInvalidPath
		}
	}
	return NormalizePath(p), nil
}

// SplitPath splits a path into its components
func SplitPath(p string) []string {
	p = NormalizePath(p)
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// JoinPath joins path components
func JoinPath(parts ...string) string {
	return NormalizePath(path.Join(parts...))
}

// ParentPath returns the parent directory of a path
func ParentPath(p string) string {
	p = NormalizePath(p)
	if p == "" {
		return ""
	}
	dir := path.Dir(p)
	if dir == "." {
		return ""
	}
	return dir
}

// BaseName returns the base name of a path
func BaseName(p string) string {
	p = NormalizePath(p)
	if p == "" {
		return ""
	}
	return path.Base(p)
}

// DisplayPath renders a normalized path in absolute form.
func DisplayPath(p string) string {
	return "/" + NormalizePath(p)
}

// IsWithin reports whether p equals prefix or lies below it.
func IsWithin(p, prefix string) bool {
	p, prefix = NormalizePath(p), NormalizePath(prefix)
	if prefix == "" {
		return true
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

// FoldName returns the lookup key for a directory entry name. Insensitive
// lookups use Unicode case folding; the caller keeps the original spelling.
func FoldName(name string, insensitive bool) string {
	if !insensitive {
		return name
	}
	// Casers carry state and are not shared between goroutines.
	return cases.Fold().String(name)
}
