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

// Package imapwire splits IMAP response lines into tokens and translates
// IMAP system flags to maildir flag letters.
package imapwire

import (
	"fmt"
	"strings"
)

type TokenKind int

const (
	// Atom is a bare word: NIL, numbers, \Flags, literal markers like {12}.
	Atom TokenKind = iota
	// Quoted is a double quoted string, quotes included in Value.
	Quoted
	// List is a parenthesized list, parens included in Value.
	List
)

func (k TokenKind) String() string {
	switch k {
	case Atom:
		return "atom"
	case Quoted:
		return "quoted"
	case List:
		return "list"
	}
	return fmt.Sprintf("TokenKind(%d)", int(k))
}

type Token struct {
	Kind  TokenKind
	Value string
}

func (t Token) String() string {
	return t.Value
}

// Text returns the token content: quoted strings are dequoted, atoms and
// lists are returned as is.
func (t Token) Text() string {
	if t.Kind == Quoted {
		return Dequote(t.Value)
	}
	return t.Value
}

// IsNil reports whether the token is the NIL atom.
func (t Token) IsNil() bool {
	return t.Kind == Atom && strings.EqualFold(t.Value, "NIL")
}

// Children tokenizes the content of a list token.
func (t Token) Children() ([]Token, error) {
	if t.Kind != List {
		return nil, &ParseError{Line: t.Value, Msg: "not a list"}
	}
	return Tokenize(t.Value[1 : len(t.Value)-1])
}

type ParseError struct {
	Line string
	Pos  int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot parse %q at offset %d: %s", e.Line, e.Pos, e.Msg)
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

// Tokenize splits line into atoms, quoted strings and parenthesized lists.
// Lists are matched with a balanced scan that ignores parens inside quoted
// strings, so a list may be followed by more tokens on the same line.
func Tokenize(line string) ([]Token, error) {
	tokens := make([]Token, 0)
	i := 0
	for {
		for i < len(line) && isSpace(line[i]) {
			i++
		}
		if i >= len(line) {
			return tokens, nil
		}

		switch line[i] {
		case '(':
			end, err := matchParen(line, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, Token{List, line[i : end+1]})
			i = end + 1
		case ')':
			return nil, &ParseError{Line: line, Pos: i, Msg: "unexpected )"}
		case '"':
			end, err := matchQuote(line, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, Token{Quoted, line[i : end+1]})
			i = end + 1
		default:
			j := i
			for j < len(line) && !isSpace(line[j]) && line[j] != '(' && line[j] != ')' {
				j++
			}
			tokens = append(tokens, Token{Atom, line[i:j]})
			i = j
		}
	}
}

// matchQuote returns the index of the quote closing the string opened at start.
func matchQuote(line string, start int) (int, error) {
	for i := start + 1; i < len(line); i++ {
		switch line[i] {
		case '\\':
			i++
		case '"':
			return i, nil
		}
	}
	return 0, &ParseError{Line: line, Pos: start, Msg: "unterminated quoted string"}
}

// matchParen returns the index of the paren closing the list opened at start.
func matchParen(line string, start int) (int, error) {
	depth := 0
	for i := start; i < len(line); i++ {
		switch line[i] {
		case '"':
			end, err := matchQuote(line, i)
			if err != nil {
				return 0, err
			}
			i = end
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i, nil
			}
		}
	}
	return 0, &ParseError{Line: line, Pos: start, Msg: "unbalanced parenthesis"}
}

// Dequote strips one layer of double quotes and unescapes \" and \\.
// Strings not delimited by quotes are returned unchanged.
func Dequote(s string) string {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return s
	}
	s = s[1 : len(s)-1]
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) && (s[i+1] == '"' || s[i+1] == '\\') {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// Quote returns s as an IMAP quoted string.
func Quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}
