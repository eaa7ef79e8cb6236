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
	"sort"
	"strings"
	"sync"
)

// memStore is an in memory remote store. Like a server it assigns the uids
// of appended messages and keeps its mailboxes across folder sessions.
type memStore struct {
	sync.Mutex
	name       string
	mailboxes  map[string]*memMailbox
	failAppend bool
	// noUID stores appended messages but reports no uid.
	noUID bool
}

type memMailbox struct {
	uidvalidity uint32
	nextuid     int64
	messages    map[int64]*memMessage
}

type memMessage struct {
	flags string
	body  []byte
}

func newMemStore(name string) *memStore {
	return &memStore{name: name, mailboxes: make(map[string]*memMailbox)}
}

func (s *memStore) mailbox(name foldername) *memMailbox {
	s.Lock()
	defer s.Unlock()
	path := FolderToStorePath(name, '/')
	mb, ok := s.mailboxes[path]
	if !ok {
		mb = &memMailbox{uidvalidity: 1000, nextuid: 1, messages: make(map[int64]*memMessage)}
		s.mailboxes[path] = mb
	}
	return mb
}

// put delivers a message as another client would.
func (s *memStore) put(name foldername, flags string, body string) int64 {
	mb := s.mailbox(name)
	s.Lock()
	defer s.Unlock()
	uid := mb.nextuid
	mb.nextuid++
	mb.messages[uid] = &memMessage{flags: flags, body: []byte(body)}
	return uid
}

// renumber simulates a server assigning new uids and a new validity token.
func (s *memStore) renumber(name foldername, uidvalidity uint32) {
	mb := s.mailbox(name)
	s.Lock()
	defer s.Unlock()
	messages := make(map[int64]*memMessage)
	for _, uid := range sortedMemUIDs(mb.messages) {
		messages[mb.nextuid] = mb.messages[uid]
		mb.nextuid++
	}
	mb.messages = messages
	mb.uidvalidity = uidvalidity
}

func (s *memStore) flags(name foldername, uid int64) string {
	mb := s.mailbox(name)
	s.Lock()
	defer s.Unlock()
	if m, ok := mb.messages[uid]; ok {
		return m.flags
	}
	return "<missing>"
}

func (s *memStore) setFlags(name foldername, uid int64, flags string) {
	mb := s.mailbox(name)
	s.Lock()
	defer s.Unlock()
	mb.messages[uid].flags = flags
}

func (s *memStore) remove(name foldername, uid int64) {
	mb := s.mailbox(name)
	s.Lock()
	defer s.Unlock()
	delete(mb.messages, uid)
}

func (s *memStore) count(name foldername) int {
	mb := s.mailbox(name)
	s.Lock()
	defer s.Unlock()
	return len(mb.messages)
}

func sortedMemUIDs(messages map[int64]*memMessage) []int64 {
	uids := make([]int64, 0, len(messages))
	for uid := range messages {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}

func (s *memStore) Name() string             { return s.name }
func (s *memStore) Separator() (rune, error) { return '/', nil }
func (s *memStore) UpdateFolderList() error  { return nil }
func (s *memStore) Close() error             { return nil }

func (s *memStore) GetFolders() []Mailfolder {
	s.Lock()
	defer s.Unlock()
	folders := make([]Mailfolder, 0, len(s.mailboxes))
	for path := range s.mailboxes {
		folders = append(folders, Mailfolder{Name: strings.Split(path, "/")})
	}
	sort.Slice(folders, func(i, j int) bool { return folders[i].String() < folders[j].String() })
	return folders
}

func (s *memStore) HasFolder(name foldername) bool {
	s.Lock()
	defer s.Unlock()
	_, ok := s.mailboxes[FolderToStorePath(name, '/')]
	return ok
}

func (s *memStore) CreateFolder(name foldername) error {
	s.mailbox(name)
	return nil
}

func (s *memStore) GetFolder(name foldername) (MessageFolder, error) {
	return &memFolder{store: s, name: name, mb: s.mailbox(name), messages: make(map[int64]*MessageInfo)}, nil
}

type memFolder struct {
	store    *memStore
	name     foldername
	mb       *memMailbox
	messages map[int64]*MessageInfo
}

func (f *memFolder) Name() foldername { return f.name }
func (f *memFolder) Separator() rune  { return '/' }
func (f *memFolder) Close() error     { return nil }

func (f *memFolder) UIDValidity() (uint32, bool, error) {
	f.store.Lock()
	defer f.store.Unlock()
	return f.mb.uidvalidity, true, nil
}

func (f *memFolder) SaveUIDValidity(uidvalidity uint32) error {
	if v, _, _ := f.UIDValidity(); v != uidvalidity {
		return fmt.Errorf("cannot change uidvalidity %d to %d", v, uidvalidity)
	}
	return nil
}

func (f *memFolder) UpdateMessageList() error {
	f.store.Lock()
	defer f.store.Unlock()
	f.messages = make(map[int64]*MessageInfo)
	for uid, m := range f.mb.messages {
		f.messages[uid] = &MessageInfo{UID: uid, Flags: m.flags}
	}
	return nil
}

func (f *memFolder) GetMessages() map[int64]*MessageInfo {
	messages := make(map[int64]*MessageInfo, len(f.messages))
	for uid, m := range f.messages {
		messages[uid] = m
	}
	return messages
}

func (f *memFolder) HasUID(uid int64) bool {
	_, ok := f.messages[uid]
	return ok
}

func (f *memFolder) IsIgnored(uid int64) bool { return false }

func (f *memFolder) GetFlags(uid int64) (string, error) {
	m, ok := f.messages[uid]
	if !ok {
		return "", fmt.Errorf("uid %d: %w", uid, ErrNoMessage)
	}
	return m.Flags, nil
}

func (f *memFolder) setFlags(uid int64, flags string) error {
	if _, ok := f.messages[uid]; !ok {
		return fmt.Errorf("uid %d: %w", uid, ErrNoMessage)
	}
	f.store.Lock()
	defer f.store.Unlock()
	if m, ok := f.mb.messages[uid]; ok {
		m.flags = flags
	}
	f.messages[uid] = &MessageInfo{UID: uid, Flags: flags}
	return nil
}

func (f *memFolder) AddFlags(uid int64, flags string) error {
	cur, err := f.GetFlags(uid)
	if err != nil {
		return err
	}
	return f.setFlags(uid, addFlags(cur, flags))
}

func (f *memFolder) RemoveFlags(uid int64, flags string) error {
	cur, err := f.GetFlags(uid)
	if err != nil {
		return err
	}
	return f.setFlags(uid, removeFlags(cur, flags))
}

func (f *memFolder) AddMessage(uid int64, flags string, body []byte) (int64, error) {
	f.store.Lock()
	defer f.store.Unlock()
	if f.store.failAppend {
		return 0, fmt.Errorf("append refused")
	}
	newuid := f.mb.nextuid
	f.mb.nextuid++
	flags = CleanFlags(flags)
	f.mb.messages[newuid] = &memMessage{flags: flags, body: body}
	if f.store.noUID {
		return 0, fmt.Errorf("append: %w", ErrNoUID)
	}
	f.messages[newuid] = &MessageInfo{UID: newuid, Flags: flags}
	return newuid, nil
}

func (f *memFolder) DeleteMessage(uid int64) error {
	if !f.HasUID(uid) {
		return fmt.Errorf("uid %d: %w", uid, ErrNoMessage)
	}
	f.store.Lock()
	defer f.store.Unlock()
	delete(f.mb.messages, uid)
	delete(f.messages, uid)
	return nil
}

func (f *memFolder) ReadMessage(uid int64) ([]byte, error) {
	f.store.Lock()
	defer f.store.Unlock()
	m, ok := f.mb.messages[uid]
	if !ok {
		return nil, fmt.Errorf("uid %d: %w", uid, ErrNoMessage)
	}
	return m.body, nil
}

func (f *memFolder) ChangeUID(olduid int64, newuid int64) error {
	return fmt.Errorf("cannot change uid %d to %d", olduid, newuid)
}
