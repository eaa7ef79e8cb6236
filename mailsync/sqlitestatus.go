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
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sgotti/offlinesync/errors"
	"github.com/sgotti/offlinesync/log"
)

const statusDBFilename = "status.db"

// SQLiteStatus is the status cache of one folder kept in a sqlite database.
type SQLiteStatus struct {
	statusMessages
	dir      string
	StatusDB *sql.DB
	logger   *log.Logger
}

func NewSQLiteStatus(dir string, folder *Mailfolder, separator rune, loglevel string) (*SQLiteStatus, error) {
	logprefix := fmt.Sprintf("sqlitestatus: %s", folder)
	logger := log.GetLogger(logprefix, loglevel)
	e := errors.New(logprefix)

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, e.E(err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(dir, statusDBFilename))
	if err != nil {
		return nil, e.E(err)
	}

	for _, stmt := range []string{
		`create table if not exists status (uid integer primary key, flags text not null);`,
		`create table if not exists metadata (key text primary key, value text);`,
	} {
		if _, err = db.Exec(stmt); err != nil {
			logger.Errorf("%q: %s", err, stmt)
			db.Close()
			return nil, e.E(err)
		}
	}

	return &SQLiteStatus{
		statusMessages: newStatusMessages(folder, separator, e),
		dir:            dir,
		StatusDB:       db,
		logger:         logger,
	}, nil
}

func (u *SQLiteStatus) corrupt(format string, args ...interface{}) error {
	return u.e.E(fmt.Errorf("%s: %s: %w", filepath.Join(u.dir, statusDBFilename), fmt.Sprintf(format, args...), ErrStatusCorrupt))
}

func (u *SQLiteStatus) UpdateMessageList() error {
	var (
		uidvalidity    uint32
		hasuidvalidity bool
		value          string
	)
	err := u.StatusDB.QueryRow(`select value from metadata where key = 'uidvalidity'`).Scan(&value)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return u.e.E(err)
	default:
		v, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return u.corrupt("wrong uidvalidity %q", value)
		}
		uidvalidity, hasuidvalidity = uint32(v), true
	}

	rows, err := u.StatusDB.Query(`select uid, flags from status`)
	if err != nil {
		return u.e.E(err)
	}
	defer rows.Close()

	messages := make(map[int64]*MessageInfo)
	for rows.Next() {
		var (
			uid   int64
			flags string
		)
		if err := rows.Scan(&uid, &flags); err != nil {
			return u.e.E(err)
		}
		if uid <= 0 {
			return u.corrupt("wrong uid %d", uid)
		}
		if CleanFlags(flags) != flags {
			return u.corrupt("uid %d: wrong flags %q", uid, flags)
		}
		messages[uid] = &MessageInfo{UID: uid, Flags: flags}
	}
	if err := rows.Err(); err != nil {
		return u.e.E(err)
	}

	u.load(messages, uidvalidity, hasuidvalidity)
	u.logger.Debugf("loaded %d entries", len(messages))
	return nil
}

// Save rewrites the status table in one transaction.
func (u *SQLiteStatus) Save() (err error) {
	if !u.dirty {
		return nil
	}

	tx, err := u.StatusDB.Begin()
	if err != nil {
		return u.e.E(err)
	}
	defer func() {
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil {
				u.logger.Errorf("rollback failed: %s", rerr)
			}
		}
	}()

	if _, err = tx.Exec(`delete from status`); err != nil {
		return u.e.E(err)
	}
	stmt, err := tx.Prepare(`insert into status (uid, flags) values (?, ?)`)
	if err != nil {
		return u.e.E(err)
	}
	defer stmt.Close()

	uids := sortedUIDs(u.messages)
	for _, uid := range uids {
		if _, err = stmt.Exec(uid, u.messages[uid].Flags); err != nil {
			return u.e.E(err)
		}
	}
	if u.hasuidvalidity {
		_, err = tx.Exec(`insert or replace into metadata (key, value) values ('uidvalidity', ?)`, strconv.FormatUint(uint64(u.uidvalidity), 10))
		if err != nil {
			return u.e.E(err)
		}
	}

	if err = tx.Commit(); err != nil {
		return u.e.E(err)
	}
	u.dirty = false
	u.logger.Debugf("saved %d entries", len(uids))
	return nil
}

func (u *SQLiteStatus) Close() error {
	return u.e.E(u.StatusDB.Close())
}
