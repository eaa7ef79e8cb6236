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
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sgotti/offlinesync/errors"
	"github.com/sgotti/offlinesync/log"
)

const (
	statusMagic               = "OFFLINESYNC STATUS CACHE - DO NOT EDIT - FORMAT 1"
	statusFilename            = "status"
	statusUIDValidityFilename = "status.uidvalidity"
)

// statusMessages is the in memory state shared by the status cache backends.
type statusMessages struct {
	folder         *Mailfolder
	separator      rune
	messages       map[int64]*MessageInfo
	uidvalidity    uint32
	hasuidvalidity bool
	dirty          bool
	e              *errors.Error
}

func newStatusMessages(folder *Mailfolder, separator rune, e *errors.Error) statusMessages {
	return statusMessages{
		folder:    folder,
		separator: separator,
		messages:  make(map[int64]*MessageInfo),
		e:         e,
	}
}

func (s *statusMessages) Name() foldername {
	return s.folder.Name
}

func (s *statusMessages) Separator() rune {
	return s.separator
}

func (s *statusMessages) UIDValidity() (uint32, bool, error) {
	return s.uidvalidity, s.hasuidvalidity, nil
}

func (s *statusMessages) SaveUIDValidity(uidvalidity uint32) error {
	if s.hasuidvalidity && s.uidvalidity == uidvalidity {
		return nil
	}
	s.Reset(uidvalidity)
	return nil
}

func (s *statusMessages) Reset(uidvalidity uint32) {
	s.messages = make(map[int64]*MessageInfo)
	s.uidvalidity = uidvalidity
	s.hasuidvalidity = true
	s.dirty = true
}

func (s *statusMessages) GetMessages() map[int64]*MessageInfo {
	messages := make(map[int64]*MessageInfo, len(s.messages))
	for uid, m := range s.messages {
		messages[uid] = m
	}
	return messages
}

func (s *statusMessages) HasUID(uid int64) bool {
	_, ok := s.messages[uid]
	return ok
}

func (s *statusMessages) IsIgnored(uid int64) bool {
	return false
}

func (s *statusMessages) GetFlags(uid int64) (string, error) {
	m, ok := s.messages[uid]
	if !ok {
		return "", s.e.E(fmt.Errorf("uid %d: %w", uid, ErrNoMessage))
	}
	return m.Flags, nil
}

func checkStatusUID(uid int64) error {
	if uid < 0 {
		return fmt.Errorf("uid %d: %w", uid, ErrSyntheticUID)
	}
	if uid == 0 {
		return ErrNoUID
	}
	return nil
}

// AddMessage records uid with flags, replacing an existing entry. The body
// is not stored.
func (s *statusMessages) AddMessage(uid int64, flags string, body []byte) (int64, error) {
	if err := checkStatusUID(uid); err != nil {
		return 0, s.e.E(err)
	}
	s.messages[uid] = &MessageInfo{UID: uid, Flags: CleanFlags(flags)}
	s.dirty = true
	return uid, nil
}

func (s *statusMessages) setFlags(uid int64, flags string) error {
	m, ok := s.messages[uid]
	if !ok {
		return s.e.E(fmt.Errorf("uid %d: %w", uid, ErrNoMessage))
	}
	if m.Flags == flags {
		return nil
	}
	s.messages[uid] = &MessageInfo{UID: uid, Flags: flags}
	s.dirty = true
	return nil
}

func (s *statusMessages) AddFlags(uid int64, flags string) error {
	cur, err := s.GetFlags(uid)
	if err != nil {
		return err
	}
	return s.setFlags(uid, addFlags(cur, flags))
}

func (s *statusMessages) RemoveFlags(uid int64, flags string) error {
	cur, err := s.GetFlags(uid)
	if err != nil {
		return err
	}
	return s.setFlags(uid, removeFlags(cur, flags))
}

func (s *statusMessages) DeleteMessage(uid int64) error {
	if _, ok := s.messages[uid]; !ok {
		return s.e.E(fmt.Errorf("uid %d: %w", uid, ErrNoMessage))
	}
	delete(s.messages, uid)
	s.dirty = true
	return nil
}

func (s *statusMessages) load(messages map[int64]*MessageInfo, uidvalidity uint32, hasuidvalidity bool) {
	s.messages = messages
	s.uidvalidity = uidvalidity
	s.hasuidvalidity = hasuidvalidity
	s.dirty = false
}

// StatusFolder is the plain text status cache of one folder.
type StatusFolder struct {
	statusMessages
	dir    string
	logger *log.Logger

	// wrapWriter wraps the writer of the temporary file on Save.
	wrapWriter func(io.Writer) io.Writer
}

func NewStatusFolder(dir string, folder *Mailfolder, separator rune, loglevel string) (*StatusFolder, error) {
	logprefix := fmt.Sprintf("statusfolder: %s", folder)
	logger := log.GetLogger(logprefix, loglevel)
	e := errors.New(logprefix)

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, e.E(err)
	}

	return &StatusFolder{
		statusMessages: newStatusMessages(folder, separator, e),
		dir:            dir,
		logger:         logger,
	}, nil
}

func (s *StatusFolder) path() string {
	return filepath.Join(s.dir, statusFilename)
}

func (s *StatusFolder) uidvalidityPath() string {
	return filepath.Join(s.dir, statusUIDValidityFilename)
}

func (s *StatusFolder) corrupt(format string, args ...interface{}) error {
	return s.e.E(fmt.Errorf("%s: %s: %w", s.path(), fmt.Sprintf(format, args...), ErrStatusCorrupt))
}

func (s *StatusFolder) readUIDValidity() (uint32, bool, error) {
	data, err := os.ReadFile(s.uidvalidityPath())
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, s.e.E(err)
	}
	u, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 32)
	if err != nil {
		return 0, false, s.corrupt("wrong uidvalidity: %s", err)
	}
	return uint32(u), true, nil
}

// UpdateMessageList loads the cache from disk. A missing file is an empty
// cache.
func (s *StatusFolder) UpdateMessageList() error {
	uidvalidity, hasuidvalidity, err := s.readUIDValidity()
	if err != nil {
		return err
	}

	messages := make(map[int64]*MessageInfo)
	f, err := os.Open(s.path())
	if os.IsNotExist(err) {
		s.logger.Debugf("no status file, starting empty")
		s.load(messages, uidvalidity, hasuidvalidity)
		return nil
	}
	if err != nil {
		return s.e.E(err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return s.e.E(err)
		}
		return s.corrupt("missing magic line")
	}
	if scanner.Text() != statusMagic {
		return s.corrupt("wrong magic line %q", scanner.Text())
	}

	lineno := 1
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		idx := strings.IndexRune(line, ':')
		if idx < 0 {
			return s.corrupt("line %d: missing separator", lineno)
		}
		uid, err := strconv.ParseInt(line[:idx], 10, 64)
		if err != nil || uid <= 0 || uid > 1<<32-1 {
			return s.corrupt("line %d: wrong uid %q", lineno, line[:idx])
		}
		flags := line[idx+1:]
		if CleanFlags(flags) != flags {
			return s.corrupt("line %d: wrong flags %q", lineno, flags)
		}
		if _, ok := messages[uid]; ok {
			return s.corrupt("line %d: duplicated uid %d", lineno, uid)
		}
		messages[uid] = &MessageInfo{UID: uid, Flags: flags}
	}
	if err := scanner.Err(); err != nil {
		return s.e.E(err)
	}

	s.load(messages, uidvalidity, hasuidvalidity)
	s.logger.Debugf("loaded %d entries", len(messages))
	return nil
}

// Save replaces the status file with the current state. Nothing is written
// if the state didn't change since the last load or save.
func (s *StatusFolder) Save() error {
	if !s.dirty {
		return nil
	}

	uids := sortedUIDs(s.messages)
	err := writeFileAtomic(s.path(), func(w *bufio.Writer) error {
		if _, err := w.WriteString(statusMagic + "\n"); err != nil {
			return err
		}
		for _, uid := range uids {
			if _, err := fmt.Fprintf(w, "%d:%s\n", uid, s.messages[uid].Flags); err != nil {
				return err
			}
		}
		return nil
	}, s.wrapWriter)
	if err != nil {
		return s.e.E(err)
	}

	if s.hasuidvalidity {
		err = writeFileAtomic(s.uidvalidityPath(), func(w *bufio.Writer) error {
			_, err := fmt.Fprintf(w, "%d\n", s.uidvalidity)
			return err
		}, nil)
		if err != nil {
			return s.e.E(err)
		}
	}

	s.dirty = false
	s.logger.Debugf("saved %d entries", len(uids))
	return nil
}

func (s *StatusFolder) Close() error {
	return nil
}
