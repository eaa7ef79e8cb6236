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
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/emersion/go-imap/utf7"
	"golang.org/x/text/unicode/norm"

	"github.com/sgotti/offlinesync/config"
	"github.com/sgotti/offlinesync/errors"
	"github.com/sgotti/offlinesync/imapwire"
	"github.com/sgotti/offlinesync/log"
)

// ImapStore is a remote IMAP repository. It keeps no connection open: the
// folder list is fetched on a short lived connection and every folder owns
// its own connection.
type ImapStore struct {
	globalconfig *config.Config
	config       *config.StoreConfig
	name         string
	separator    rune
	folders      []Mailfolder
	expunge      bool
	logger       *log.Logger
	e            *errors.Error
	sync.Mutex
}

func encodeMailbox(name string) (string, error) {
	return utf7.Encoding.NewEncoder().String(norm.NFC.String(name))
}

func decodeMailbox(name string) (string, error) {
	decoded, err := utf7.Encoding.NewDecoder().String(name)
	if err != nil {
		return "", err
	}
	return norm.NFC.String(decoded), nil
}

// NewImapStore creates the store. The folder list is empty until
// UpdateFolderList. With expunge false deleted messages are only flagged
// \Deleted.
func NewImapStore(globalconfig *config.Config, config *config.StoreConfig, expunge bool) *ImapStore {
	name := config.Name
	logprefix := fmt.Sprintf("imapstore: %s", name)
	logger := log.GetLogger(logprefix, globalconfig.LogLevel)
	e := errors.New(logprefix)

	return &ImapStore{
		globalconfig: globalconfig,
		config:       config,
		name:         name,
		folders:      make([]Mailfolder, 0),
		expunge:      expunge,
		logger:       logger,
		e:            e,
	}
}

func (m *ImapStore) dial() (*imapConn, error) {
	c, err := dialImap(m.config, m.globalconfig.DebugImap, m.logger)
	if err != nil {
		return nil, m.e.E(err)
	}
	return c, nil
}

func (m *ImapStore) mailboxName(name foldername) (string, error) {
	return encodeMailbox(FolderToStorePath(name, m.separator))
}

func (m *ImapStore) createFolder(c *imapConn, name foldername) error {
	mailbox, err := m.mailboxName(name)
	if err != nil {
		return m.e.E(err)
	}
	if _, _, err = c.Execute("CREATE "+imapwire.Quote(mailbox), nil); err != nil {
		return m.e.E(err)
	}

	m.Lock()
	defer m.Unlock()
	if !m.hasFolder(name) {
		m.folders = append(m.folders, Mailfolder{Name: name})
	}
	return nil
}

func (m *ImapStore) CreateFolder(name foldername) error {
	c, err := m.dial()
	if err != nil {
		return err
	}
	defer c.Logout()
	return m.createFolder(c, name)
}

func (m *ImapStore) hasFolder(name foldername) bool {
	for _, f := range m.folders {
		if StrsEquals(f.Name, name) {
			return true
		}
	}
	return false
}

func (m *ImapStore) HasFolder(name foldername) bool {
	m.Lock()
	defer m.Unlock()
	return m.hasFolder(name)
}

// parseList parses a "LIST (attrs) delim name" response.
func parseList(resp *imapResponse) (attrs []string, delim string, name string, err error) {
	toks, err := resp.Tokens()
	if err != nil {
		return nil, "", "", err
	}
	if len(toks) != 4 || !strings.EqualFold(toks[0].Value, "LIST") || toks[1].Kind != imapwire.List {
		return nil, "", "", &imapwire.ParseError{Line: resp.Line, Msg: "wrong LIST response"}
	}
	attrs, err = imapwire.FlagList(toks[1])
	if err != nil {
		return nil, "", "", err
	}
	if !toks[2].IsNil() {
		delim = toks[2].Text()
	}
	name = toks[3].Text()
	if _, ok := literalSize(toks[3].Value); ok && toks[3].Kind == imapwire.Atom && len(resp.Literals) > 0 {
		name = string(resp.Literals[0])
	}
	return attrs, delim, name, nil
}

func (m *ImapStore) UpdateFolderList() error {
	c, err := m.dial()
	if err != nil {
		return err
	}
	defer c.Logout()

	resps, _, err := c.Execute(`LIST "" "*"`, nil)
	if err != nil {
		return m.e.E(err)
	}

	folders := make([]Mailfolder, 0)
	var separator rune
	for _, resp := range resps {
		if !strings.HasPrefix(strings.ToUpper(resp.Line), "* LIST ") {
			continue
		}
		attrs, delim, rawname, err := parseList(resp)
		if err != nil {
			return m.e.E(err)
		}
		if separator == 0 && delim != "" {
			separator, _ = utf8.DecodeRuneInString(delim)
		}
		if StringInSlice(`\NOSELECT`, upperAll(attrs)) {
			m.logger.Debugf("skipping \\Noselect folder %s", rawname)
			continue
		}

		decoded, err := decodeMailbox(rawname)
		if err != nil {
			return m.e.Errorf("cannot decode mailbox name %q: %s", rawname, err)
		}
		name := []string{decoded}
		if delim != "" {
			name = strings.Split(decoded, delim)
		}
		folders = append(folders, Mailfolder{Name: name})
		m.logger.Debugf("imap folder: %s", FolderToStorePath(name, '/'))
	}

	if separator == 0 {
		separator = '/'
	}

	m.Lock()
	defer m.Unlock()
	m.folders = folders
	m.separator = separator
	return nil
}

func upperAll(s []string) []string {
	out := make([]string, 0, len(s))
	for _, v := range s {
		out = append(out, strings.ToUpper(v))
	}
	return out
}

func (m *ImapStore) Separator() (rune, error) {
	m.Lock()
	defer m.Unlock()
	if m.separator == 0 {
		return 0, m.e.Errorf("folder list not loaded")
	}
	return m.separator, nil
}

func (m *ImapStore) GetFolders() []Mailfolder {
	m.Lock()
	defer m.Unlock()
	folders := make([]Mailfolder, len(m.folders))
	copy(folders, m.folders)
	return folders
}

// GetFolder opens a connection dedicated to the folder, creating the
// folder if it doesn't exist, and selects it.
func (m *ImapStore) GetFolder(name foldername) (MessageFolder, error) {
	c, err := m.dial()
	if err != nil {
		return nil, err
	}
	if !m.HasFolder(name) {
		if err := m.createFolder(c, name); err != nil {
			c.Logout()
			return nil, err
		}
	}
	f, err := NewImapFolder(&Mailfolder{Name: name}, m, c)
	if err != nil {
		c.Logout()
		return nil, err
	}
	return f, nil
}

func (m *ImapStore) Name() string {
	return m.name
}

func (m *ImapStore) Close() error {
	return nil
}
