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

package imapwire

import (
	"sort"
	"strings"
)

// ImapFlagsMap maps IMAP system flags to maildir flag letters, sorted by letter.
var ImapFlagsMap = [][]string{
	{`\Draft`, "D"},
	{`\Flagged`, "F"},
	{`\Answered`, "R"},
	{`\Seen`, "S"},
	{`\Deleted`, "T"},
}

// FlagsToCodes converts IMAP flags to sorted maildir flag letters. Unknown
// flags and keywords are dropped.
func FlagsToCodes(flags []string) string {
	codes := make(map[string]bool)
	for _, f := range flags {
		for _, v := range ImapFlagsMap {
			if strings.EqualFold(f, v[0]) {
				codes[v[1]] = true
			}
		}
	}
	out := make([]string, 0, len(codes))
	for c := range codes {
		out = append(out, c)
	}
	sort.Strings(out)
	return strings.Join(out, "")
}

// CodesToFlags converts maildir flag letters to IMAP flags. Unknown letters
// are dropped.
func CodesToFlags(codes string) []string {
	flags := make([]string, 0)
	for _, v := range ImapFlagsMap {
		if strings.Contains(codes, v[1]) {
			flags = append(flags, v[0])
		}
	}
	return flags
}

// FlagList returns the flags contained in a list token like (\Seen \Answered).
func FlagList(tok Token) ([]string, error) {
	children, err := tok.Children()
	if err != nil {
		return nil, err
	}
	flags := make([]string, 0, len(children))
	for _, c := range children {
		flags = append(flags, c.Text())
	}
	return flags, nil
}

// FormatFlagList formats maildir flag letters as an IMAP flag list.
func FormatFlagList(codes string) string {
	return "(" + strings.Join(CodesToFlags(codes), " ") + ")"
}
