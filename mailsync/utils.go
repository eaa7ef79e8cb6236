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
	"os"
	"sort"
	"strings"
)

// MaildirFlags are the flags kept by the sync, in canonical order.
const MaildirFlags = "DFRST"

func StringInSlice(a string, list []string) bool {
	for _, b := range list {
		if b == a {
			return true
		}
	}
	return false
}

func StrsEquals(a []string, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func FolderToStorePath(name foldername, separator rune) string {
	// TODO Escape a separator contained in a folder name component
	return strings.Join(name, string(separator))
}

func MkdirIfNotExists(name string) (err error) {
	if _, err = os.Stat(name); os.IsNotExist(err) {
		err = os.MkdirAll(name, 0777)
	}
	return
}

type runeSlice []rune

func (s runeSlice) Len() int           { return len(s) }
func (s runeSlice) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s runeSlice) Less(i, j int) bool { return s[i] < s[j] }

// CleanFlags returns flags deduplicated, sorted, restricted to MaildirFlags.
func CleanFlags(flags string) string {
	flagsmap := make(map[rune]bool)
	for _, flag := range flags {
		if strings.ContainsRune(MaildirFlags, flag) {
			flagsmap[flag] = true
		}
	}

	outflags := make(runeSlice, 0, len(flagsmap))
	for flag := range flagsmap {
		outflags = append(outflags, flag)
	}

	sort.Sort(outflags)
	return string(outflags)
}

func addFlags(flags string, newflags string) string {
	return CleanFlags(flags + newflags)
}

func removeFlags(flags string, oldflags string) string {
	outflags := flags
	for _, flag := range oldflags {
		outflags = strings.Replace(outflags, string(flag), "", -1)
	}
	return CleanFlags(outflags)
}

// missingFlags returns the flags in want and not in have.
func missingFlags(want string, have string) string {
	return removeFlags(want, have)
}

// commonFlags returns the flags in both a and b.
func commonFlags(a string, b string) string {
	out := make([]rune, 0)
	for _, flag := range CleanFlags(a) {
		if strings.ContainsRune(b, flag) {
			out = append(out, flag)
		}
	}
	return string(out)
}

type int64Slice []int64

func (p int64Slice) Len() int           { return len(p) }
func (p int64Slice) Less(i, j int) bool { return p[i] < p[j] }
func (p int64Slice) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }

func sortedUIDs(messages map[int64]*MessageInfo) []int64 {
	uids := make([]int64, 0, len(messages))
	for uid := range messages {
		uids = append(uids, uid)
	}
	sort.Sort(int64Slice(uids))
	return uids
}
