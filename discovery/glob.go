// Package discovery implements the add-in discovery collaborator
// (C11): a directory walker that glob-matches candidate manifest
// files and persists them into a storage.Storage as streams keyed by
// a deterministic id.
package discovery

import "strings"

// GlobMatch matches a slash-separated path against a glob pattern.
// Supports "*" (exactly one path segment) and "**" (zero or more
// segments), grounded on the teacher's webhook route matcher but
// stripped of its %2A/%2a URL-decoding special case, which has no
// analogue for filesystem paths.
func GlobMatch(pattern, path string) bool {
	return matchParts(splitPath(pattern), 0, splitPath(path), 0)
}

func splitPath(p string) []string {
	p = strings.TrimLeft(p, "/")
	p = strings.TrimRight(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func matchParts(pattern []string, pi int, path []string, si int) bool {
	for pi < len(pattern) && si < len(path) {
		seg := pattern[pi]

		if seg == "**" {
			for i := si; i <= len(path); i++ {
				if matchParts(pattern, pi+1, path, i) {
					return true
				}
			}
			return false
		}

		if seg == "*" {
			pi++
			si++
			continue
		}

		if seg != path[si] {
			return false
		}
		pi++
		si++
	}

	for pi < len(pattern) && pattern[pi] == "**" {
		pi++
	}

	return pi == len(pattern) && si == len(path)
}
