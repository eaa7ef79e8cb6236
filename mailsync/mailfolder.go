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
	"errors"
)

var (
	// ErrSyntheticUID is returned when a placeholder uid would be persisted.
	ErrSyntheticUID = errors.New("synthetic uid cannot be persisted")
	// ErrNoUID is returned when a store cannot assign a usable uid to a new message.
	ErrNoUID = errors.New("store did not assign a uid")
	// ErrStatusCorrupt is returned when a status cache cannot be loaded.
	ErrStatusCorrupt = errors.New("status cache corrupted")
	// ErrNoMessage is returned for operations on a uid not in the folder.
	ErrNoMessage = errors.New("no such message")
)

type foldername []string

type Mailfolder struct {
	Name     foldername
	Excluded bool
}

func (f Mailfolder) String() string {
	return FolderToStorePath(f.Name, '/')
}

func (f *Mailfolder) Equals(f2 *Mailfolder) bool {
	return StrsEquals(f.Name, f2.Name)
}

// MessageInfo is the record of one message: its uid and its canonical flags.
// Ignored messages are skipped by the sync algorithm.
type MessageInfo struct {
	UID    int64
	Flags  string
	Ignore bool
}

// Folder is implemented by every folder variant: IMAP, Maildir and status cache.
// Negative uids are placeholders for messages without a server uid.
type Folder interface {
	Name() foldername
	Separator() rune

	// UIDValidity returns the committed validity token, false if none was committed yet.
	UIDValidity() (uint32, bool, error)
	// SaveUIDValidity commits a validity token. Committing a token different
	// from the current one discards the uids known by the folder.
	SaveUIDValidity(uint32) error

	UpdateMessageList() error
	GetMessages() map[int64]*MessageInfo

	HasUID(int64) bool
	IsIgnored(int64) bool
	GetFlags(int64) (string, error)

	// AddMessage stores a message. The uid is advisory: the returned uid is
	// the one the folder assigned.
	AddMessage(uid int64, flags string, body []byte) (int64, error)
	AddFlags(uid int64, flags string) error
	RemoveFlags(uid int64, flags string) error
	DeleteMessage(int64) error

	Close() error
}

// MessageFolder is a folder holding message bodies.
type MessageFolder interface {
	Folder

	ReadMessage(int64) ([]byte, error)
	// ChangeUID gives a new uid to an existing message.
	ChangeUID(olduid int64, newuid int64) error
}

// StatusCache is the persisted snapshot of the last synced state of a folder.
type StatusCache interface {
	Folder

	// Reset drops every entry and commits uidvalidity.
	Reset(uidvalidity uint32)
	// Save persists the snapshot, replacing the previous one atomically.
	Save() error
}
