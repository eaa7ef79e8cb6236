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
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sgotti/offlinesync/config"
	"github.com/sgotti/offlinesync/errors"
	"github.com/sgotti/offlinesync/log"
)

// TaskRunner runs fn as a task of a resource class.
type TaskRunner interface {
	Go(ctx context.Context, class string, name string, fn func(context.Context) error) error
}

// FolderPair is a remote folder and the local folder it's synced with.
type FolderPair struct {
	Remote foldername
	Local  foldername
}

func (p FolderPair) String() string {
	r := FolderToStorePath(p.Remote, '/')
	l := FolderToStorePath(p.Local, '/')
	if r == l {
		return r
	}
	return r + " -> " + l
}

type Syncgroup struct {
	globalconfig *config.Config
	config       *config.SyncgroupConfig
	account      config.Account
	name         string
	metadatadir  string
	remote       StoreManager
	local        StoreManager
	filter       FolderFilter
	transform    NameTransform
	inverse      NameTransform
	logger       *log.Logger
	e            *errors.Error
	dryrun       bool
}

func NewSyncgroup(globalconfig *config.Config, config *config.SyncgroupConfig, dryrun bool) (*Syncgroup, error) {
	remoteconf := globalconfig.Store(config.Remote)
	localconf := globalconfig.Store(config.Local)
	if remoteconf == nil || localconf == nil {
		return nil, fmt.Errorf("syncgroup %s: missing store definition", config.Name)
	}

	remote := NewImapStore(globalconfig, remoteconf, config.Deletemode == DeletemodeExpunge)
	local, err := NewMaildirStore(globalconfig, localconf)
	if err != nil {
		return nil, err
	}
	return NewSyncgroupWithStores(globalconfig, config, remote, local, dryrun)
}

// NewSyncgroupWithStores creates a syncgroup over already created stores.
func NewSyncgroupWithStores(globalconfig *config.Config, config *config.SyncgroupConfig, remote StoreManager, local StoreManager, dryrun bool) (s *Syncgroup, err error) {
	name := config.Name
	logprefix := fmt.Sprintf("syncgroup: %s", name)
	logger := log.GetLogger(logprefix, globalconfig.LogLevel)
	e := errors.New(logprefix)

	metadatadir := filepath.Join(globalconfig.Metadatadir, "syncgroups", name)
	if err = os.MkdirAll(metadatadir, 0700); err != nil {
		return nil, e.E(err)
	}

	filter, err := NewPatternFilter(config.Patterns)
	if err != nil {
		return nil, e.E(err)
	}
	transform, inverse := NewNameTransform(config.Nametrans)

	s = &Syncgroup{
		globalconfig: globalconfig,
		config:       config,
		account:      config.Account(),
		name:         name,
		metadatadir:  metadatadir,
		remote:       remote,
		local:        local,
		filter:       filter,
		transform:    transform,
		inverse:      inverse,
		logger:       logger,
		e:            e,
		dryrun:       dryrun,
	}
	return s, nil
}

func (s *Syncgroup) Name() string {
	return s.name
}

// Account returns the resolved account values of the syncgroup.
func (s *Syncgroup) Account() config.Account {
	return s.account
}

func (s *Syncgroup) updateFolderLists() error {
	if err := s.remote.UpdateFolderList(); err != nil {
		return s.e.E(err)
	}
	if err := s.local.UpdateFolderList(); err != nil {
		return s.e.E(err)
	}
	return nil
}

// translate maps name with fn. Names fn leaves unchanged keep their
// components.
func translate(name foldername, fn NameTransform) foldername {
	path := FolderToStorePath(name, '/')
	if t := fn(path); t != path {
		return strings.Split(t, "/")
	}
	return name
}

// getSyncFolders merges the remote and local folder lists into the pairs
// allowed by the patterns.
func (s *Syncgroup) getSyncFolders() []FolderPair {
	pairs := make(map[string]FolderPair)
	for _, f := range s.remote.GetFolders() {
		path := FolderToStorePath(f.Name, '/')
		if f.Excluded || !s.filter(path) {
			continue
		}
		pairs[path] = FolderPair{Remote: f.Name, Local: translate(f.Name, s.transform)}
	}
	for _, f := range s.local.GetFolders() {
		if f.Excluded {
			continue
		}
		remote := translate(f.Name, s.inverse)
		path := FolderToStorePath(remote, '/')
		if _, ok := pairs[path]; ok || !s.filter(path) {
			continue
		}
		pairs[path] = FolderPair{Remote: remote, Local: f.Name}
	}

	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	folders := make([]FolderPair, 0, len(keys))
	for _, k := range keys {
		folders = append(folders, pairs[k])
	}
	return folders
}

// Sync schedules the sync of every folder as a task of the syncgroup
// resource class. It returns when every task has been started.
func (s *Syncgroup) Sync(ctx context.Context, runner TaskRunner) error {
	if err := s.updateFolderLists(); err != nil {
		return err
	}

	folders := s.getSyncFolders()
	s.logger.Infof("folders to sync: %d", len(folders))
	for _, pair := range folders {
		pair := pair
		err := runner.Go(ctx, s.account.Name, pair.String(), func(ctx context.Context) error {
			return s.SyncFolder(ctx, pair)
		})
		if err != nil {
			return s.e.E(err)
		}
	}
	return nil
}

func (s *Syncgroup) statusDir(pair FolderPair) string {
	return filepath.Join(s.metadatadir, "status", FolderToStorePath(pair.Remote, os.PathSeparator))
}

func (s *Syncgroup) newStatus(pair FolderPair, separator rune) (StatusCache, error) {
	folder := &Mailfolder{Name: pair.Remote}
	switch s.config.StatusBackend {
	case "sqlite":
		return NewSQLiteStatus(s.statusDir(pair), folder, separator, s.globalconfig.LogLevel)
	default:
		return NewStatusFolder(s.statusDir(pair), folder, separator, s.globalconfig.LogLevel)
	}
}

// checkUIDValidity makes the local folder and the status cache adopt the
// remote token. When the committed local token differs from the remote one
// the status and the local uids are discarded.
func (s *Syncgroup) checkUIDValidity(logger *log.Logger, remote Folder, local Folder, status StatusCache) error {
	rtok, ok, err := remote.UIDValidity()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("server didn't provide UIDVALIDITY")
	}
	ltok, lok, err := local.UIDValidity()
	if err != nil {
		return err
	}
	stok, sok, err := status.UIDValidity()
	if err != nil {
		return err
	}

	switch {
	case lok && ltok != rtok:
		logger.Warnf("uidvalidity changed from %d to %d, resyncing the whole folder", ltok, rtok)
		if s.dryrun {
			return fmt.Errorf("dryrun: uidvalidity changed from %d to %d", ltok, rtok)
		}
		status.Reset(rtok)
		return local.SaveUIDValidity(rtok)
	case sok && stok != rtok:
		logger.Warnf("status uidvalidity %d differs from %d, discarding status", stok, rtok)
	}
	if s.dryrun {
		return nil
	}
	if err := status.SaveUIDValidity(rtok); err != nil {
		return err
	}
	return local.SaveUIDValidity(rtok)
}

func closeFolder(logger *log.Logger, f Folder) {
	if err := f.Close(); err != nil {
		logger.Errorf("close error: %s", err)
	}
}

// SyncFolder syncs one folder pair: remote changes are applied to the local
// folder, then local changes to the remote one. The status cache is saved
// only if both passes completed.
func (s *Syncgroup) SyncFolder(ctx context.Context, pair FolderPair) error {
	logprefix := fmt.Sprintf("syncgroup: %s, folder: %s", s.name, pair)
	logger := log.GetLogger(logprefix, s.globalconfig.LogLevel)
	e := errors.New(logprefix)

	if s.dryrun && (!s.remote.HasFolder(pair.Remote) || !s.local.HasFolder(pair.Local)) {
		logger.Infof("dryrun: folder would be created")
		return nil
	}

	remote, err := s.remote.GetFolder(pair.Remote)
	if err != nil {
		return e.E(err)
	}
	defer closeFolder(logger, remote)

	local, err := s.local.GetFolder(pair.Local)
	if err != nil {
		return e.E(err)
	}
	defer closeFolder(logger, local)

	status, err := s.newStatus(pair, remote.Separator())
	if err != nil {
		return e.E(err)
	}
	defer closeFolder(logger, status)
	if err := status.UpdateMessageList(); err != nil {
		return e.E(err)
	}

	if err := s.checkUIDValidity(logger, remote, local, status); err != nil {
		return e.E(err)
	}

	if err := remote.UpdateMessageList(); err != nil {
		return e.E(err)
	}
	if err := local.UpdateMessageList(); err != nil {
		return e.E(err)
	}

	failed := 0
	passes := []*Reconciler{
		{Source: remote, Compare: status, Targets: []Folder{local, status}},
		{Source: local, Compare: status, Targets: []Folder{remote, status}},
	}
	directions := []string{"remote -> local", "local -> remote"}
	for i, r := range passes {
		r.Policy = s.account.FlagPolicy
		r.Deletemode = s.config.Deletemode
		r.DryRun = s.dryrun
		r.Logger = logger.With(directions[i])
		stats, err := r.Run(ctx)
		if err != nil {
			return e.With("pass: " + directions[i]).E(err)
		}
		failed += stats.Failed
	}

	if !s.dryrun {
		if err := status.Save(); err != nil {
			return e.E(err)
		}
	}
	if failed > 0 {
		return e.Errorf("%d operations failed", failed)
	}
	return nil
}

// List writes the folders of both stores and the folders that will be
// synced.
func (s *Syncgroup) List(w io.Writer) error {
	if err := s.updateFolderLists(); err != nil {
		return err
	}

	fmt.Fprintf(w, "Syncgroup: %s\n", s.name)
	for _, store := range []StoreManager{s.remote, s.local} {
		fmt.Fprintf(w, "\tStore: %s\n", store.Name())
		for _, folder := range store.GetFolders() {
			fmt.Fprintf(w, "\t\t%s\n", folder)
		}
	}

	fmt.Fprintf(w, "\tWill sync these folders:\n")
	for _, pair := range s.getSyncFolders() {
		fmt.Fprintf(w, "\t\t%s\n", pair)
	}
	return nil
}

// Close closes both stores, returning the first error.
func (s *Syncgroup) Close() error {
	err := s.remote.Close()
	if lerr := s.local.Close(); err == nil {
		err = lerr
	}
	return s.e.E(err)
}
