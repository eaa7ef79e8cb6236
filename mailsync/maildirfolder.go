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
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sgotti/offlinesync/errors"
	"github.com/sgotti/offlinesync/log"
)

const (
	infoSeparator   = ':'
	infoPrefix      = "2,"
	uidvalidityFile = ".uidvalidity"

	maxDeliveryAttempts = 5
)

var uidRegexp = regexp.MustCompile(`,U=(\d+)`)

type MaildirFolder struct {
	folder      *Mailfolder
	store       *MaildirStore
	maildir     string
	messages    map[int64]*MaildirMessageInfo
	nextTempUID int64
	seq         uint64
	hostname    string
	logger      *log.Logger
	e           *errors.Error

	// backoff between delivery attempts colliding on the same file name.
	backoff time.Duration
	now     func() time.Time
}

type MaildirMessageInfo struct {
	MessageInfo

	// Filename without info separator and flags
	Filename string
	// Name on disk
	Fullname string
	Subdir   string // cur or new
}

// maildirHostname returns the hostname with the characters that cannot
// appear in a maildir file name escaped.
func maildirHostname() (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", err
	}
	r := strings.NewReplacer("/", `\057`, ":", `\072`, ",", `\054`)
	return r.Replace(hostname), nil
}

func NewMaildirFolder(folder *Mailfolder, maildir string, store *MaildirStore) (m *MaildirFolder, err error) {
	logprefix := fmt.Sprintf("store: %s, maildirfolder: %s", store.Name(), folder)
	logger := log.GetLogger(logprefix, store.globalconfig.LogLevel)
	e := errors.New(logprefix)

	hostname, err := maildirHostname()
	if err != nil {
		return nil, e.E(err)
	}

	m = &MaildirFolder{
		folder:      folder,
		store:       store,
		maildir:     maildir,
		messages:    make(map[int64]*MaildirMessageInfo),
		nextTempUID: -1,
		hostname:    hostname,
		logger:      logger,
		e:           e,
		backoff:     10 * time.Millisecond,
		now:         time.Now,
	}
	return m, nil
}

func (m *MaildirFolder) Name() foldername {
	return m.folder.Name
}

func (m *MaildirFolder) Separator() rune {
	return m.store.separator
}

func (m *MaildirFolder) getNextTempUID() int64 {
	defer func() { m.nextTempUID-- }()
	return m.nextTempUID
}

// generateFilename returns the base name of a new message. A non positive
// uid gives a name without uid.
func (m *MaildirFolder) generateFilename(uid int64) string {
	m.seq++
	filename := fmt.Sprintf("%d_%d.%d.%s", m.now().Unix(), m.seq, os.Getpid(), m.hostname)
	if uid > 0 {
		filename += fmt.Sprintf(",U=%d", uid)
	}
	return filename
}

func fullFilename(filename string, flags string) string {
	return filename + string(infoSeparator) + infoPrefix + flags
}

// splitFilename returns the base name and the canonical flags of a maildir
// file name. A name without info separator has no flags.
func splitFilename(fullfilename string) (string, string, error) {
	idx := strings.IndexRune(fullfilename, infoSeparator)
	if idx < 0 {
		return fullfilename, "", nil
	}
	info := fullfilename[idx+1:]
	if !strings.HasPrefix(info, infoPrefix) {
		return "", "", fmt.Errorf("Wrong filename format: %s", fullfilename)
	}
	return fullfilename[:idx], CleanFlags(strings.TrimPrefix(info, infoPrefix)), nil
}

// filenameUID extracts the uid from a base name.
func filenameUID(filename string) (int64, bool) {
	match := uidRegexp.FindStringSubmatch(filename)
	if len(match) < 2 {
		return 0, false
	}
	uid, err := strconv.ParseUint(match[1], 10, 32)
	if err != nil || uid == 0 {
		return 0, false
	}
	return int64(uid), true
}

func setFilenameUID(filename string, uid int64) string {
	filename = uidRegexp.ReplaceAllString(filename, "")
	if uid > 0 {
		filename += fmt.Sprintf(",U=%d", uid)
	}
	return filename
}

func (m *MaildirFolder) registerMessage(uid int64, flags string, filename string, fullname string, subdir string) {
	messageinfo := &MaildirMessageInfo{MessageInfo{uid, flags, false}, filename, fullname, subdir}
	m.messages[uid] = messageinfo
	m.logger.Debugf("Registering message. uid: %d, messageinfo: %v", uid, messageinfo)
}

func (m *MaildirFolder) messagePath(message *MaildirMessageInfo) string {
	return filepath.Join(m.maildir, message.Subdir, message.Fullname)
}

func (m *MaildirFolder) uidvalidityPath() string {
	return filepath.Join(m.maildir, uidvalidityFile)
}

func (m *MaildirFolder) UIDValidity() (uint32, bool, error) {
	f, err := os.Open(m.uidvalidityPath())
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, m.e.E(err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Scan()
	if err := scanner.Err(); err != nil {
		return 0, false, m.e.E(err)
	}
	u, err := strconv.ParseUint(strings.TrimSpace(scanner.Text()), 10, 32)
	if err != nil {
		return 0, false, m.e.Errorf("Wrong uidvalidity file %s: %s", m.uidvalidityPath(), err)
	}
	return uint32(u), true, nil
}

// SaveUIDValidity commits uidvalidity. When another token was committed
// before, the uids in the file names belong to a dead epoch: they are
// removed so the messages are seen as new ones.
func (m *MaildirFolder) SaveUIDValidity(uidvalidity uint32) error {
	old, ok, err := m.UIDValidity()
	if err != nil {
		return err
	}
	if ok && old == uidvalidity {
		return nil
	}
	if ok {
		m.logger.Infof("uidvalidity changed from %d to %d, forgetting message uids", old, uidvalidity)
		if err := m.forgetUIDs(); err != nil {
			return err
		}
	}
	data := []byte(strconv.FormatUint(uint64(uidvalidity), 10) + "\n")
	return m.e.E(writeFileAtomic(m.uidvalidityPath(), func(w *bufio.Writer) error {
		_, err := w.Write(data)
		return err
	}, nil))
}

func (m *MaildirFolder) forgetUIDs() error {
	if err := m.UpdateMessageList(); err != nil {
		return err
	}
	for _, message := range m.messages {
		if message.UID < 0 || message.Ignore {
			continue
		}
		filename := setFilenameUID(message.Filename, 0)
		fullname := fullFilename(filename, message.Flags)
		dst := filepath.Join(m.maildir, "cur", fullname)
		if err := os.Rename(m.messagePath(message), dst); err != nil {
			return m.e.E(err)
		}
	}
	return m.UpdateMessageList()
}

func (m *MaildirFolder) UpdateMessageList() error {
	m.messages = make(map[int64]*MaildirMessageInfo)
	m.nextTempUID = -1

	for _, d := range []string{"cur", "new"} {
		f, err := os.Open(filepath.Join(m.maildir, d))
		if err != nil {
			return m.e.E(err)
		}
		filenames, err := f.Readdirnames(0)
		f.Close()
		if err != nil {
			return m.e.E(err)
		}

		for _, n := range filenames {
			if strings.HasPrefix(n, ".") {
				continue
			}
			filename, flags, err := splitFilename(n)
			if err != nil {
				m.logger.Debugf("Split error: %s. Ignoring message filename: %s/%s", err, d, n)
				continue
			}

			uid, ok := filenameUID(filename)
			if !ok {
				m.logger.Debugf("Assuming as new message: %s", filename)
				m.registerMessage(m.getNextTempUID(), flags, filename, n, d)
				continue
			}
			if m.HasUID(uid) {
				m.logger.Warnf("Message with filename \"%s\" containing uid %d already existent! Setting this uid to be ignored by sync alghoritm.", filename, uid)
				m.messages[uid].Ignore = true
				continue
			}
			m.registerMessage(uid, flags, filename, n, d)
		}
	}

	return nil
}

func (m *MaildirFolder) GetMessages() map[int64]*MessageInfo {
	messages := make(map[int64]*MessageInfo, len(m.messages))
	for uid, message := range m.messages {
		messages[uid] = &message.MessageInfo
	}
	return messages
}

func (m *MaildirFolder) HasUID(uid int64) bool {
	_, ok := m.messages[uid]
	return ok
}

func (m *MaildirFolder) IsIgnored(uid int64) bool {
	if message, ok := m.messages[uid]; ok {
		return message.Ignore
	}
	return false
}

func (m *MaildirFolder) getMessage(uid int64) (*MaildirMessageInfo, error) {
	message, ok := m.messages[uid]
	if !ok {
		return nil, m.e.E(fmt.Errorf("uid %d: %w", uid, ErrNoMessage))
	}
	if message.Ignore {
		return nil, m.e.Errorf("uid %d is ignored", uid)
	}
	return message, nil
}

func (m *MaildirFolder) GetFlags(uid int64) (string, error) {
	message, err := m.getMessage(uid)
	if err != nil {
		return "", err
	}
	return message.Flags, nil
}

// setFlags renames the message file to carry flags. Unchanged flags touch
// nothing on disk.
func (m *MaildirFolder) setFlags(uid int64, flags string) error {
	message, err := m.getMessage(uid)
	if err != nil {
		return err
	}
	flags = CleanFlags(flags)
	if flags == message.Flags && message.Subdir == "cur" && message.Fullname == fullFilename(message.Filename, flags) {
		return nil
	}

	dstfullname := fullFilename(message.Filename, flags)
	dstpath := filepath.Join(m.maildir, "cur", dstfullname)
	if err := os.Rename(m.messagePath(message), dstpath); err != nil {
		return m.e.E(err)
	}

	message.Flags = flags
	message.Fullname = dstfullname
	message.Subdir = "cur"
	return nil
}

func (m *MaildirFolder) AddFlags(uid int64, flags string) error {
	message, err := m.getMessage(uid)
	if err != nil {
		return err
	}
	if missingFlags(flags, message.Flags) == "" {
		return nil
	}
	return m.setFlags(uid, addFlags(message.Flags, flags))
}

func (m *MaildirFolder) RemoveFlags(uid int64, flags string) error {
	message, err := m.getMessage(uid)
	if err != nil {
		return err
	}
	if commonFlags(flags, message.Flags) == "" {
		return nil
	}
	return m.setFlags(uid, removeFlags(message.Flags, flags))
}

func (m *MaildirFolder) ReadMessage(uid int64) ([]byte, error) {
	message, err := m.getMessage(uid)
	if err != nil {
		return nil, err
	}
	buf, err := os.ReadFile(m.messagePath(message))
	return buf, m.e.E(err)
}

// deliver writes body under tmp/ and links it in cur/. A name collision is
// retried with a new name after a backoff.
func (m *MaildirFolder) deliver(uid int64, flags string, body []byte) (string, string, error) {
	var lasterr error
	for attempt := 1; attempt <= maxDeliveryAttempts; attempt++ {
		filename := m.generateFilename(uid)
		fullname := fullFilename(filename, flags)
		tmppath := filepath.Join(m.maildir, "tmp", filename)
		dstpath := filepath.Join(m.maildir, "cur", fullname)

		err := m.writeTmp(tmppath, body)
		if err == nil {
			err = os.Link(tmppath, dstpath)
			os.Remove(tmppath)
			if err == nil {
				return filename, fullname, nil
			}
		}
		if !os.IsExist(err) {
			return "", "", err
		}
		lasterr = err
		m.logger.Debugf("delivery attempt %d for %s collided, retrying", attempt, filename)
		time.Sleep(m.backoff * time.Duration(attempt))
	}
	return "", "", fmt.Errorf("cannot deliver message after %d attempts: %s", maxDeliveryAttempts, lasterr)
}

func (m *MaildirFolder) writeTmp(path string, body []byte) (err error) {
	fo, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := fo.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil && !os.IsExist(err) {
			os.Remove(path)
		}
	}()

	if _, err = fo.Write(body); err != nil {
		return err
	}
	return fo.Sync()
}

// AddMessage delivers a new message. A positive uid is recorded in the file
// name; otherwise the message gets a placeholder uid.
func (m *MaildirFolder) AddMessage(uid int64, flags string, body []byte) (int64, error) {
	if uid > 0 && m.HasUID(uid) {
		return 0, m.e.Errorf("message with uid %d already exists", uid)
	}
	flags = CleanFlags(flags)

	filename, fullname, err := m.deliver(uid, flags, body)
	if err != nil {
		return 0, m.e.E(err)
	}

	if uid <= 0 {
		uid = m.getNextTempUID()
	}
	m.registerMessage(uid, flags, filename, fullname, "cur")
	return uid, nil
}

// ChangeUID renames the message file to carry newuid.
func (m *MaildirFolder) ChangeUID(olduid int64, newuid int64) error {
	message, err := m.getMessage(olduid)
	if err != nil {
		return err
	}
	if olduid == newuid {
		return nil
	}
	if m.HasUID(newuid) {
		return m.e.Errorf("cannot change uid %d to %d: uid already used", olduid, newuid)
	}

	filename := setFilenameUID(message.Filename, newuid)
	fullname := fullFilename(filename, message.Flags)
	if err := os.Rename(m.messagePath(message), filepath.Join(m.maildir, "cur", fullname)); err != nil {
		return m.e.E(err)
	}

	delete(m.messages, olduid)
	message.UID = newuid
	message.Filename = filename
	message.Fullname = fullname
	message.Subdir = "cur"
	m.messages[newuid] = message
	return nil
}

func (m *MaildirFolder) DeleteMessage(uid int64) error {
	message, err := m.getMessage(uid)
	if err != nil {
		return err
	}

	if err := os.Remove(m.messagePath(message)); err != nil && !os.IsNotExist(err) {
		return m.e.E(err)
	}
	delete(m.messages, uid)
	return nil
}

func (m *MaildirFolder) Close() error {
	return nil
}
