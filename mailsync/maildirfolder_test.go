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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgotti/offlinesync/config"
)

func newTestMaildirStore(t *testing.T, separator string) *MaildirStore {
	globalconfig := &config.Config{
		Metadatadir: filepath.Join(t.TempDir(), "metadatadir"),
		LogLevel:    "debug",
	}
	storeconf := &config.StoreConfig{
		Name:      "local",
		StoreType: "Maildir",
		Maildir:   filepath.Join(t.TempDir(), "maildir"),
		Separator: separator,
	}
	store, err := NewMaildirStore(globalconfig, storeconf)
	require.NoError(t, err)
	return store
}

func newTestMaildirFolder(t *testing.T) *MaildirFolder {
	store := newTestMaildirStore(t, "/")
	f, err := store.GetFolder(foldername{"INBOX"})
	require.NoError(t, err)
	require.NoError(t, f.UpdateMessageList())
	return f.(*MaildirFolder)
}

func writeMaildirFile(t *testing.T, m *MaildirFolder, subdir string, name string) {
	err := os.WriteFile(filepath.Join(m.maildir, subdir, name), []byte("Subject: test\r\n\r\nbody\r\n"), 0600)
	require.NoError(t, err)
}

func dirNames(t *testing.T, dir string) []string {
	f, err := os.Open(dir)
	require.NoError(t, err)
	defer f.Close()
	names, err := f.Readdirnames(0)
	require.NoError(t, err)
	return names
}

func TestSplitFilename(t *testing.T) {
	tests := []struct {
		fullname string
		filename string
		flags    string
		err      bool
	}{
		{"1397565555_1.22053.localhost,U=19:2,", "1397565555_1.22053.localhost,U=19", "", false},
		{"1397565555_1.22053.localhost,U=19:2,ST", "1397565555_1.22053.localhost,U=19", "ST", false},
		{"1397565555_1.22053.localhost,U=19:2,TS", "1397565555_1.22053.localhost,U=19", "ST", false},
		{"1397565555.22053.localhost", "1397565555.22053.localhost", "", false},
		{"abcdefghijklmnopqrstuvwxyz:123456OA", "", "", true},
		{"abcdefghijklmnopqrstuvwxyz:1,S", "", "", true},
	}
	for _, tt := range tests {
		filename, flags, err := splitFilename(tt.fullname)
		if tt.err {
			assert.Error(t, err, tt.fullname)
			continue
		}
		require.NoError(t, err, tt.fullname)
		assert.Equal(t, tt.filename, filename)
		assert.Equal(t, tt.flags, flags)
	}
}

func TestFilenameUID(t *testing.T) {
	uid, ok := filenameUID("1397565555_1.22053.localhost,U=19")
	assert.True(t, ok)
	assert.Equal(t, int64(19), uid)

	for _, name := range []string{"1397565555.22053.localhost", "x,U=0", "x,U=", "x,U=99999999999"} {
		_, ok := filenameUID(name)
		assert.False(t, ok, name)
	}

	assert.Equal(t, "a.b.host,U=7", setFilenameUID("a.b.host,U=3", 7))
	assert.Equal(t, "a.b.host", setFilenameUID("a.b.host,U=3", -1))
}

// Every subset of the flag alphabet survives a write and a parse of the
// info suffix unchanged.
func TestFlagsSuffixRoundTrip(t *testing.T) {
	base := "1397565555_1.22053.localhost,U=3"
	for mask := 0; mask < 1<<len(MaildirFlags); mask++ {
		flags := ""
		for i, f := range MaildirFlags {
			if mask&(1<<i) != 0 {
				flags += string(f)
			}
		}
		filename, got, err := splitFilename(fullFilename(base, flags))
		require.NoError(t, err)
		assert.Equal(t, base, filename)
		assert.Equal(t, flags, got)
	}
}

func TestMaildirAddMessage(t *testing.T) {
	m := newTestMaildirFolder(t)
	body := []byte("Subject: hello\r\n\r\nworld\r\n")

	uid, err := m.AddMessage(5, "SR", body)
	require.NoError(t, err)
	assert.Equal(t, int64(5), uid)

	assert.Empty(t, dirNames(t, filepath.Join(m.maildir, "tmp")))
	names := dirNames(t, filepath.Join(m.maildir, "cur"))
	require.Len(t, names, 1)
	assert.True(t, strings.HasSuffix(names[0], ",U=5:2,RS"), names[0])

	read, err := m.ReadMessage(5)
	require.NoError(t, err)
	assert.Equal(t, body, read)

	_, err = m.AddMessage(5, "", body)
	assert.Error(t, err)

	require.NoError(t, m.UpdateMessageList())
	flags, err := m.GetFlags(5)
	require.NoError(t, err)
	assert.Equal(t, "RS", flags)
}

func TestMaildirSetFlags(t *testing.T) {
	m := newTestMaildirFolder(t)
	_, err := m.AddMessage(1, "S", []byte("body"))
	require.NoError(t, err)

	require.NoError(t, m.AddFlags(1, "F"))
	require.NoError(t, m.RemoveFlags(1, "S"))
	names := dirNames(t, filepath.Join(m.maildir, "cur"))
	require.Len(t, names, 1)
	assert.True(t, strings.HasSuffix(names[0], ",U=1:2,F"), names[0])

	// Identical flags touch nothing: the missing file is never noticed.
	require.NoError(t, os.Remove(filepath.Join(m.maildir, "cur", names[0])))
	assert.NoError(t, m.AddFlags(1, "F"))
	assert.NoError(t, m.RemoveFlags(1, "S"))
	assert.Error(t, m.AddFlags(1, "S"))
}

func TestMaildirMoveFromNew(t *testing.T) {
	m := newTestMaildirFolder(t)
	writeMaildirFile(t, m, "new", "1397565555.1.host,U=9")
	require.NoError(t, m.UpdateMessageList())

	flags, err := m.GetFlags(9)
	require.NoError(t, err)
	assert.Equal(t, "", flags)

	require.NoError(t, m.AddFlags(9, "S"))
	assert.Empty(t, dirNames(t, filepath.Join(m.maildir, "new")))
	assert.Equal(t, []string{"1397565555.1.host,U=9:2,S"}, dirNames(t, filepath.Join(m.maildir, "cur")))
}

func TestMaildirUpdateMessageList(t *testing.T) {
	m := newTestMaildirFolder(t)

	writeMaildirFile(t, m, "cur", "1397565555.1.host,U=10:2,S")
	writeMaildirFile(t, m, "cur", "1397565556.1.host,U=10:2,")
	writeMaildirFile(t, m, "cur", "1397565557.1.host:2,F")
	writeMaildirFile(t, m, "new", "1397565558.1.host")
	writeMaildirFile(t, m, "cur", "file03:wrongwrong")
	writeMaildirFile(t, m, "cur", ".hidden")
	require.NoError(t, m.UpdateMessageList())

	messages := m.GetMessages()
	assert.Len(t, messages, 3)
	assert.True(t, m.IsIgnored(10))

	// Files without uid get placeholders counting down from -1.
	assert.True(t, m.HasUID(-1))
	assert.True(t, m.HasUID(-2))
	assert.False(t, m.HasUID(-3))

	// A new load restarts the placeholders.
	require.NoError(t, m.UpdateMessageList())
	assert.True(t, m.HasUID(-1))
	assert.False(t, m.HasUID(-3))
}

func TestMaildirPlaceholderUID(t *testing.T) {
	m := newTestMaildirFolder(t)

	uid, err := m.AddMessage(0, "S", []byte("body"))
	require.NoError(t, err)
	assert.Equal(t, int64(-1), uid)
	names := dirNames(t, filepath.Join(m.maildir, "cur"))
	require.Len(t, names, 1)
	assert.NotContains(t, names[0], ",U=")

	require.NoError(t, m.ChangeUID(-1, 42))
	assert.False(t, m.HasUID(-1))
	names = dirNames(t, filepath.Join(m.maildir, "cur"))
	require.Len(t, names, 1)
	assert.True(t, strings.HasSuffix(names[0], ",U=42:2,S"), names[0])

	require.NoError(t, m.UpdateMessageList())
	assert.True(t, m.HasUID(42))
}

func TestMaildirUIDValidity(t *testing.T) {
	m := newTestMaildirFolder(t)

	_, ok, err := m.UIDValidity()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.SaveUIDValidity(7))
	data, err := os.ReadFile(filepath.Join(m.maildir, uidvalidityFile))
	require.NoError(t, err)
	assert.Equal(t, "7\n", string(data))

	_, err = m.AddMessage(3, "S", []byte("body"))
	require.NoError(t, err)

	// Same token: nothing changes.
	require.NoError(t, m.SaveUIDValidity(7))
	assert.True(t, m.HasUID(3))

	// A new epoch forgets the uids.
	require.NoError(t, m.SaveUIDValidity(8))
	uidvalidity, ok, err := m.UIDValidity()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint32(8), uidvalidity)

	assert.False(t, m.HasUID(3))
	assert.True(t, m.HasUID(-1))
	flags, err := m.GetFlags(-1)
	require.NoError(t, err)
	assert.Equal(t, "S", flags)
	for _, n := range dirNames(t, filepath.Join(m.maildir, "cur")) {
		assert.NotContains(t, n, ",U=")
	}
}

func TestMaildirDeliverCollision(t *testing.T) {
	m := newTestMaildirFolder(t)
	now := time.Unix(1397565555, 0)
	m.now = func() time.Time { return now }
	m.backoff = 0

	name := func(seq uint64, uid int64) string {
		return fmt.Sprintf("%d_%d.%d.%s,U=%d", now.Unix(), seq, os.Getpid(), m.hostname, uid)
	}

	// The first name is taken in tmp/: the second attempt succeeds.
	writeMaildirFile(t, m, "tmp", name(m.seq+1, 1))
	_, err := m.AddMessage(1, "", []byte("body"))
	require.NoError(t, err)
	assert.Equal(t, []string{name(m.seq, 1) + ":2,"}, dirNames(t, filepath.Join(m.maildir, "cur")))

	// Every attempt collides: permanent failure.
	for i := uint64(1); i <= maxDeliveryAttempts; i++ {
		writeMaildirFile(t, m, "tmp", name(m.seq+i, 2))
	}
	_, err = m.AddMessage(2, "", []byte("body"))
	assert.Error(t, err)
	assert.False(t, m.HasUID(2))
}

func TestMaildirDeleteMessage(t *testing.T) {
	m := newTestMaildirFolder(t)
	_, err := m.AddMessage(1, "", []byte("body"))
	require.NoError(t, err)

	require.NoError(t, m.DeleteMessage(1))
	assert.False(t, m.HasUID(1))
	assert.Empty(t, dirNames(t, filepath.Join(m.maildir, "cur")))
	assert.ErrorIs(t, m.DeleteMessage(1), ErrNoMessage)
}

func TestMaildirStoreFolders(t *testing.T) {
	for _, separator := range []string{"/", "."} {
		store := newTestMaildirStore(t, separator)
		require.NoError(t, store.CreateFolder(foldername{"INBOX"}))
		require.NoError(t, store.CreateFolder(foldername{"dir01", "child01"}))
		assert.Error(t, store.CreateFolder(foldername{"dir" + separator + "01"}))

		require.NoError(t, store.UpdateFolderList())
		folders := store.GetFolders()
		assert.Len(t, folders, 2, separator)
		assert.True(t, store.HasFolder(foldername{"INBOX"}))
		assert.True(t, store.HasFolder(foldername{"dir01", "child01"}))
		assert.False(t, store.HasFolder(foldername{"dir01"}))

		path := filepath.Join(store.maildir, "dir01"+separator+"child01", "cur")
		_, err := os.Stat(path)
		assert.NoError(t, err, separator)
	}
}
