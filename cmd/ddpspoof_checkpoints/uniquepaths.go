// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/ddpspoof/pkg/support/sets"
)

// MinimalUniquePaths returns, for each path, the minimal name that distinguishes it from the others:
// the path component where it differs, or "first...last" if it differs in several components.
// A single path is named by its base name.
func MinimalUniquePaths(paths ...string) []string {
	splitPaths := make([][]string, len(paths))
	for ii, path := range paths {
		splitPaths[ii] = strings.Split(filepath.Clean(path), string(filepath.Separator))
	}
	result := make([]string, len(paths))
	for ii, components := range splitPaths {
		diffs := sets.Make[int]()
		for jj, other := range splitPaths {
			if ii == jj {
				continue
			}
			for kk := range min(len(components), len(other)) {
				if components[kk] != other[kk] {
					diffs.Insert(kk)
				}
			}
		}
		indices := sets.Sorted(diffs)
		switch len(indices) {
		case 0:
			result[ii] = components[len(components)-1]
		case 1:
			result[ii] = components[indices[0]]
		default:
			result[ii] = components[indices[0]] + "..." + components[slices.Max(indices)]
		}
	}
	return result
}
