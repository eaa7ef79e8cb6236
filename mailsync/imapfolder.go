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
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-message/textproto"

	"github.com/sgotti/offlinesync/errors"
	"github.com/sgotti/offlinesync/imapwire"
	"github.com/sgotti/offlinesync/log"
)

type ImapFolder struct {
	folder         *Mailfolder
	store          *ImapStore
	mailbox        string
	conn           *imapConn
	uidvalidity    uint32
	hasuidvalidity bool
	exists         int
	expunge        bool
	messages       map[int64]*MessageInfo
	logger         *log.Logger
	e              *errors.Error
}

// NewImapFolder selects folder on conn. The folder owns conn from now on.
func NewImapFolder(folder *Mailfolder, store *ImapStore, conn *imapConn) (m *ImapFolder, err error) {
	logprefix := fmt.Sprintf("store: %s, imapfolder: %s", store.Name(), folder)
	logger := log.GetLogger(logprefix, store.globalconfig.LogLevel)
	e := errors.New(logprefix)

	mailbox, err := store.mailboxName(folder.Name)
	if err != nil {
		return nil, e.E(err)
	}

	m = &ImapFolder{
		folder:   folder,
		store:    store,
		mailbox:  mailbox,
		conn:     conn,
		expunge:  store.expunge,
		messages: make(map[int64]*MessageInfo),
		logger:   logger,
		e:        e,
	}

	resps, _, err := m.execute("SELECT "+imapwire.Quote(mailbox), nil)
	if err != nil {
		return nil, err
	}
	for _, st := range statusResponses(resps) {
		if args, ok := st.codeArgs("UIDVALIDITY"); ok && len(args) == 1 {
			u, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return nil, m.e.Errorf("wrong UIDVALIDITY %q", args[0])
			}
			m.uidvalidity, m.hasuidvalidity = uint32(u), true
		}
	}
	m.logger.Debugf("selected, exists: %d, uidvalidity: %d", m.exists, m.uidvalidity)
	return m, nil
}

// execute runs cmd tracking the mailbox size from EXISTS responses.
func (m *ImapFolder) execute(cmd string, cont continuation) ([]*imapResponse, *imapStatus, error) {
	return m.track(m.conn.Execute(cmd, cont))
}

// track records the EXISTS count found in the untagged responses.
func (m *ImapFolder) track(resps []*imapResponse, st *imapStatus, err error) ([]*imapResponse, *imapStatus, error) {
	for _, resp := range resps {
		fields := strings.Fields(resp.Line)
		if len(fields) == 3 && strings.EqualFold(fields[2], "EXISTS") {
			if n, err := strconv.Atoi(fields[1]); err == nil {
				m.exists = n
			}
		}
	}
	return resps, st, m.e.E(err)
}

func (m *ImapFolder) Name() foldername {
	return m.folder.Name
}

func (m *ImapFolder) Separator() rune {
	separator, _ := m.store.Separator()
	return separator
}

func (m *ImapFolder) UIDValidity() (uint32, bool, error) {
	return m.uidvalidity, m.hasuidvalidity, nil
}

// SaveUIDValidity only checks the token: the server owns it.
func (m *ImapFolder) SaveUIDValidity(uidvalidity uint32) error {
	if m.hasuidvalidity && uidvalidity != m.uidvalidity {
		return m.e.Errorf("cannot change server uidvalidity %d to %d", m.uidvalidity, uidvalidity)
	}
	return nil
}

func (m *ImapFolder) UpdateMessageList() error {
	m.messages = make(map[int64]*MessageInfo)
	if m.exists == 0 {
		return nil
	}

	resps, _, err := m.execute("UID FETCH 1:* (UID FLAGS)", nil)
	if err != nil {
		return err
	}
	for _, resp := range resps {
		items, err := fetchItems(resp)
		if err != nil {
			return m.e.E(err)
		}
		uidtok, ok := items["UID"]
		if !ok {
			continue
		}
		uid, err := strconv.ParseUint(uidtok.Value, 10, 32)
		if err != nil || uid == 0 {
			return m.e.Errorf("wrong uid in %q", resp.Line)
		}
		flagtok, ok := items["FLAGS"]
		if !ok {
			return m.e.Errorf("missing flags in %q", resp.Line)
		}
		imapflags, err := imapwire.FlagList(flagtok)
		if err != nil {
			return m.e.E(err)
		}
		flags := imapwire.FlagsToCodes(imapflags)

		// Without expunge a deleted message stays in the folder until
		// another client expunges it.
		ignore := !m.expunge && strings.ContainsRune(flags, 'T')
		m.messages[int64(uid)] = &MessageInfo{UID: int64(uid), Flags: flags, Ignore: ignore}
	}
	m.logger.Debugf("listed %d messages", len(m.messages))
	return nil
}

func (m *ImapFolder) GetMessages() map[int64]*MessageInfo {
	messages := make(map[int64]*MessageInfo, len(m.messages))
	for uid, message := range m.messages {
		messages[uid] = message
	}
	return messages
}

func (m *ImapFolder) HasUID(uid int64) bool {
	_, ok := m.messages[uid]
	return ok
}

func (m *ImapFolder) IsIgnored(uid int64) bool {
	if message, ok := m.messages[uid]; ok {
		return message.Ignore
	}
	return false
}

func (m *ImapFolder) GetFlags(uid int64) (string, error) {
	if message, ok := m.messages[uid]; ok {
		return message.Flags, nil
	}
	return "", m.e.E(fmt.Errorf("uid %d: %w", uid, ErrNoMessage))
}

func (m *ImapFolder) storeFlags(uid int64, op string, flags string) error {
	cmd := fmt.Sprintf("UID STORE %d %sFLAGS.SILENT %s", uid, op, imapwire.FormatFlagList(flags))
	_, _, err := m.execute(cmd, nil)
	return err
}

func (m *ImapFolder) AddFlags(uid int64, flags string) error {
	cur, err := m.GetFlags(uid)
	if err != nil {
		return err
	}
	delta := missingFlags(flags, cur)
	if delta == "" {
		return nil
	}
	if err := m.storeFlags(uid, "+", delta); err != nil {
		return err
	}
	m.messages[uid] = &MessageInfo{UID: uid, Flags: addFlags(cur, delta), Ignore: m.messages[uid].Ignore}
	return nil
}

func (m *ImapFolder) RemoveFlags(uid int64, flags string) error {
	cur, err := m.GetFlags(uid)
	if err != nil {
		return err
	}
	delta := commonFlags(flags, cur)
	if delta == "" {
		return nil
	}
	if err := m.storeFlags(uid, "-", delta); err != nil {
		return err
	}
	m.messages[uid] = &MessageInfo{UID: uid, Flags: removeFlags(cur, delta), Ignore: m.messages[uid].Ignore}
	return nil
}

func (m *ImapFolder) ReadMessage(uid int64) ([]byte, error) {
	resps, _, err := m.execute(fmt.Sprintf("UID FETCH %d (UID BODY.PEEK[])", uid), nil)
	if err != nil {
		return nil, err
	}
	for _, resp := range resps {
		items, err := fetchItems(resp)
		if err != nil {
			return nil, m.e.E(err)
		}
		if tok, ok := items["UID"]; !ok || tok.Value != strconv.FormatInt(uid, 10) {
			continue
		}
		if body, ok := items["BODY[]"]; ok && !body.IsNil() {
			return []byte(body.Text()), nil
		}
	}
	return nil, m.e.E(fmt.Errorf("uid %d: %w", uid, ErrNoMessage))
}

func messageID(body []byte) (string, error) {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(body)))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(h.Get("Message-Id")), nil
}

// searchMessageID returns the highest uid of the messages with the given
// Message-Id header, 0 if none.
func (m *ImapFolder) searchMessageID(id string) (int64, error) {
	resps, _, err := m.execute("UID SEARCH HEADER Message-ID "+imapwire.Quote(id), nil)
	if err != nil {
		return 0, err
	}
	var found int64
	for _, resp := range resps {
		fields := strings.Fields(resp.Line)
		if len(fields) < 2 || !strings.EqualFold(fields[1], "SEARCH") {
			continue
		}
		for _, f := range fields[2:] {
			uid, err := strconv.ParseUint(f, 10, 32)
			if err != nil {
				return 0, m.e.Errorf("wrong SEARCH response %q", resp.Line)
			}
			if int64(uid) > found {
				found = int64(uid)
			}
		}
	}
	return found, nil
}

// AddMessage appends the message. The server assigns the uid, read from
// the APPENDUID response code or, without UIDPLUS, searched by Message-Id.
func (m *ImapFolder) AddMessage(uid int64, flags string, body []byte) (int64, error) {
	flags = CleanFlags(flags)
	flaglist := make([]interface{}, 0, len(flags))
	for _, flag := range imapwire.CodesToFlags(flags) {
		flaglist = append(flaglist, imap.RawString(flag))
	}
	cmd := &imap.Command{
		Name:      "APPEND",
		Arguments: []interface{}{imap.RawString(imapwire.Quote(m.mailbox)), flaglist, bytes.NewReader(body)},
	}
	_, st, err := m.track(m.conn.ExecuteCommand(cmd))
	if err != nil {
		return 0, err
	}

	var newuid int64
	if args, ok := st.codeArgs("APPENDUID"); ok && len(args) == 2 {
		v, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return 0, m.e.Errorf("wrong APPENDUID %q", st.Code)
		}
		newuid = int64(v)
	} else {
		id, err := messageID(body)
		if err != nil || id == "" {
			return 0, m.e.E(fmt.Errorf("no APPENDUID and no Message-Id: %w", ErrNoUID))
		}
		if newuid, err = m.searchMessageID(id); err != nil {
			return 0, err
		}
	}
	if newuid <= 0 {
		return 0, m.e.E(ErrNoUID)
	}

	m.messages[newuid] = &MessageInfo{UID: newuid, Flags: flags}
	m.logger.Debugf("appended message, uid: %d, flags: %s", newuid, flags)
	return newuid, nil
}

// ChangeUID is not supported: uids are assigned by the server.
func (m *ImapFolder) ChangeUID(olduid int64, newuid int64) error {
	return m.e.Errorf("cannot change uid %d to %d on an IMAP folder", olduid, newuid)
}

// DeleteMessage flags the message \Deleted. It's expunged on Close if the
// store expunges.
func (m *ImapFolder) DeleteMessage(uid int64) error {
	if !m.HasUID(uid) {
		return m.e.E(fmt.Errorf("uid %d: %w", uid, ErrNoMessage))
	}
	if err := m.storeFlags(uid, "+", "T"); err != nil {
		return err
	}
	delete(m.messages, uid)
	return nil
}

func (m *ImapFolder) Close() error {
	var err error
	switch {
	case m.expunge:
		_, _, err = m.execute("CLOSE", nil)
	case m.conn.HasCap("UNSELECT"):
		_, _, err = m.execute("UNSELECT", nil)
	}
	if lerr := m.conn.Logout(); err == nil {
		err = m.e.E(lerr)
	}
	return err
}
