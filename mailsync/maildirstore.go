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
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sgotti/offlinesync/config"
	"github.com/sgotti/offlinesync/errors"
	"github.com/sgotti/offlinesync/log"
)

var maildirSubdirs = []string{"cur", "new", "tmp"}

type MaildirStore struct {
	globalconfig *config.Config
	config       *config.StoreConfig
	name         string
	maildir      string
	separator    rune
	folders      []Mailfolder
	logger       *log.Logger
	e            *errors.Error
	sync.Mutex
}

func NewMaildirStore(globalconfig *config.Config, config *config.StoreConfig) (m *MaildirStore, err error) {
	name := config.Name
	logprefix := fmt.Sprintf("maildirstore: %s", name)
	logger := log.GetLogger(logprefix, globalconfig.LogLevel)
	e := errors.New(logprefix)

	if len([]rune(config.Separator)) != 1 {
		return nil, e.Errorf("wrong separator: %q", config.Separator)
	}

	maildir := config.Maildir
	if err = os.MkdirAll(maildir, 0700); err != nil {
		return nil, e.E(err)
	}

	m = &MaildirStore{
		globalconfig: globalconfig,
		config:       config,
		name:         name,
		maildir:      maildir,
		separator:    []rune(config.Separator)[0],
		folders:      make([]Mailfolder, 0),
		logger:       logger,
		e:            e,
	}

	if err = m.UpdateFolderList(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MaildirStore) maildirPath(name foldername) string {
	if m.separator == '/' {
		return filepath.Join(m.maildir, filepath.Join(name...))
	}
	return filepath.Join(m.maildir, FolderToStorePath(name, m.separator))
}

func (m *MaildirStore) CreateFolder(name foldername) error {
	if len(name) == 0 {
		return m.e.Errorf("empty folder name")
	}
	for _, c := range name {
		if c == "" || strings.ContainsRune(c, m.separator) || strings.ContainsRune(c, os.PathSeparator) {
			return m.e.Errorf("folder name component %q not valid in folder %s", c, FolderToStorePath(name, '/'))
		}
	}

	foldermaildir := m.maildirPath(name)
	for _, d := range maildirSubdirs {
		if err := os.MkdirAll(filepath.Join(foldermaildir, d), 0700); err != nil {
			return m.e.E(err)
		}
	}
	m.logger.Debugf("created folder %s", FolderToStorePath(name, '/'))

	m.Lock()
	defer m.Unlock()
	if !m.hasFolder(name) {
		m.folders = append(m.folders, Mailfolder{Name: name})
	}
	return nil
}

func (m *MaildirStore) HasFolder(name foldername) bool {
	m.Lock()
	defer m.Unlock()
	return m.hasFolder(name)
}

func (m *MaildirStore) hasFolder(name foldername) bool {
	for _, f := range m.folders {
		if StrsEquals(f.Name, name) {
			return true
		}
	}
	return false
}

func isMaildir(path string) (bool, error) {
	for _, d := range maildirSubdirs {
		fi, err := os.Stat(filepath.Join(path, d))
		if os.IsNotExist(err) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if !fi.IsDir() {
			return false, nil
		}
	}
	return true, nil
}

func (m *MaildirStore) UpdateFolderList() error {
	folders := make([]Mailfolder, 0)
	err := filepath.Walk(m.maildir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() || path == m.maildir {
			return nil
		}
		if StringInSlice(filepath.Base(path), maildirSubdirs) {
			return filepath.SkipDir
		}
		if strings.HasPrefix(filepath.Base(path), ".") {
			return filepath.SkipDir
		}

		ok, err := isMaildir(path)
		if err != nil || !ok {
			return err
		}

		relpath, err := filepath.Rel(m.maildir, path)
		if err != nil {
			return err
		}
		var name foldername
		if m.separator == '/' {
			name = strings.Split(relpath, string(os.PathSeparator))
		} else {
			name = strings.Split(relpath, string(m.separator))
		}
		folders = append(folders, Mailfolder{Name: name})
		m.logger.Debugf("maildir folder: %s", FolderToStorePath(name, '/'))
		return nil
	})
	if err != nil {
		return m.e.E(err)
	}

	m.Lock()
	defer m.Unlock()
	m.folders = folders
	return nil
}

func (m *MaildirStore) Separator() (rune, error) {
	return m.separator, nil
}

func (m *MaildirStore) GetFolders() []Mailfolder {
	m.Lock()
	defer m.Unlock()
	folders := make([]Mailfolder, len(m.folders))
	copy(folders, m.folders)
	return folders
}

// GetFolder returns the folder, creating it if it doesn't exist.
func (m *MaildirStore) GetFolder(name foldername) (MessageFolder, error) {
	if !m.HasFolder(name) {
		if err := m.CreateFolder(name); err != nil {
			return nil, err
		}
	}
	folder := &Mailfolder{Name: name}
	return NewMaildirFolder(folder, m.maildirPath(name), m)
}

func (m *MaildirStore) Name() string {
	return m.name
}

func (m *MaildirStore) Close() error {
	return nil
}
