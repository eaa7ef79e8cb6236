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

// Package errors scopes error messages with the name of the component that
// produced them. Errors passing through the same scope several times are
// prefixed only once. A scope derived with With contains its parents: an
// error of the derived scope isn't prefixed again by them.
package errors

import (
	"fmt"

	"github.com/satori/go.uuid"
)

type Error struct {
	prefix string
	// uuids holds the scope id followed by the ids of its parents.
	uuids []uuid.UUID
}

type errorError struct {
	prefix string
	err    error
	uuids  []uuid.UUID
}

func New(prefix string) *Error {
	return &Error{prefix, []uuid.UUID{uuid.NewV1()}}
}

// With returns a scope nested in e, for example a sync pass of a folder.
func (e *Error) With(scope string) *Error {
	uuids := append([]uuid.UUID{uuid.NewV1()}, e.uuids...)
	return &Error{e.prefix + ", " + scope, uuids}
}

// Prefix returns the scope prefix.
func (e *Error) Prefix() string {
	return e.prefix
}

func (e *Error) E(err error) error {
	if err == nil {
		return nil
	}
	if ee, ok := err.(*errorError); ok {
		for _, id := range ee.uuids {
			if id == e.uuids[0] {
				return err
			}
		}
	}
	return &errorError{e.prefix, err, e.uuids}
}

// Errorf formats a new error inside the scope.
func (e *Error) Errorf(format string, a ...interface{}) error {
	return e.E(fmt.Errorf(format, a...))
}

func (e *errorError) Error() string {
	return fmt.Sprintf("[%s] %s", e.prefix, e.err.Error())
}

func (e *errorError) Unwrap() error {
	return e.err
}
