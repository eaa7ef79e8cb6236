// GOMailSync
// Copyright (C) 2014 Simone Gotti <simone.gotti@gmail.com>
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, write to the Free Software Foundation, Inc.,
// 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.

package mailsync

import (
	"fmt"
	"regexp"
	"strings"
)

// FolderFilter reports whether a folder, named with '/' separated
// components, takes part in the sync.
type FolderFilter func(name string) bool

// NameTransform maps a remote folder name to the local one. Names are '/'
// separated.
type NameTransform func(name string) string

type RegexpPattern struct {
	not bool
	re  *regexp.Regexp
}

func ValidatePattern(pattern string) bool {
	if _, err := RegexpFromPattern(pattern); err != nil {
		return false
	}
	return true
}

func RegexpFromPattern(pattern string) (rp *RegexpPattern, err error) {
	if !strings.HasPrefix(pattern, "/") && !strings.HasPrefix(pattern, "!/") {
		return nil, fmt.Errorf("pattern doesn't starts with \"/\" or \"!/\"")
	}

	if len(strings.TrimPrefix(pattern, "!")) < 2 || !strings.HasSuffix(pattern, "/") {
		return nil, fmt.Errorf("pattern doesn't ends with \"/\"")
	}

	res := pattern
	not := false
	if strings.HasPrefix(res, "!") {
		not = true
		res = strings.TrimPrefix(res, "!")
	}
	res = strings.TrimPrefix(res, "/")
	res = strings.TrimSuffix(res, "/")

	re, err := regexp.Compile(res)
	if err != nil {
		return nil, fmt.Errorf("re: \"%s\" wrong regexp: %s", res, err)
	}

	rp = &RegexpPattern{not: not, re: re}

	return rp, nil
}

// NewPatternFilter builds a filter from patterns. The last matching pattern
// decides; a name matching no pattern is excluded. Without patterns every
// folder is included.
func NewPatternFilter(patterns []string) (FolderFilter, error) {
	rps := make([]*RegexpPattern, 0, len(patterns))
	for _, p := range patterns {
		rp, err := RegexpFromPattern(p)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %s", p, err)
		}
		rps = append(rps, rp)
	}

	return func(name string) bool {
		if len(rps) == 0 {
			return true
		}
		included := false
		for _, rp := range rps {
			if rp.re.MatchString(name) {
				included = !rp.not
			}
		}
		return included
	}, nil
}

// NewNameTransform returns a transform renaming the names in m and leaving
// the others unchanged, and its inverse.
func NewNameTransform(m map[string]string) (NameTransform, NameTransform) {
	inverse := make(map[string]string, len(m))
	for k, v := range m {
		inverse[v] = k
	}
	lookup := func(tab map[string]string) NameTransform {
		return func(name string) string {
			if n, ok := tab[name]; ok {
				return n
			}
			return name
		}
	}
	return lookup(m), lookup(inverse)
}
