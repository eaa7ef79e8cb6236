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

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"golang.org/x/term"

	"github.com/sgotti/offlinesync/config"
	"github.com/sgotti/offlinesync/log"
	"github.com/sgotti/offlinesync/mailsync"
	"github.com/sgotti/offlinesync/scheduler"
)

var opts struct {
	Configfile    string   `short:"c" long:"config" description:"Config file location. Default: ~/.offlinesyncrc"`
	Debug         bool     `short:"d" long:"debug" description:"Enable full debug logs. Overrides log levels in configuration file"`
	DryRun        bool     `short:"n" long:"dryrun" description:"Do not execute sync actions but just log what will be done"`
	List          bool     `short:"l" long:"list" description:"List stores infos and then exit"`
	Once          bool     `short:"o" long:"once" description:"Run one sync pass and exit"`
	SyncgroupList []string `short:"s" long:"syncgroup" description:"Limit the syncgroups to the specified. Use this option multiple times to specify multiple syncgroups."`
}

const (
	exitFailure = 1
	exitConfig  = 2
)

func selected(name string) bool {
	if len(opts.SyncgroupList) == 0 {
		return true
	}
	return config.StringInSlice(name, opts.SyncgroupList)
}

// promptPasswords asks for the password of the IMAP stores used by the
// selected syncgroups that don't have one in the config.
func promptPasswords(globalconfig *config.Config) error {
	for _, sg := range globalconfig.Syncgroups {
		if !selected(sg.Name) {
			continue
		}
		store := globalconfig.Store(sg.Remote)
		if store == nil || store.Password != "" {
			continue
		}
		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			return fmt.Errorf("store %s: no password configured and stdin is not a terminal", store.Name)
		}
		fmt.Fprintf(os.Stderr, "Password for %s@%s (store %s): ", store.Username, store.Host, store.Name)
		password, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return err
		}
		store.Password = string(password)
	}
	return nil
}

// runPass syncs every syncgroup once and returns the number of failures.
func runPass(ctx context.Context, logger *log.Logger, syncgroups []*mailsync.Syncgroup) int {
	sched := scheduler.New(1)
	for _, sg := range syncgroups {
		account := sg.Account()
		if err := sched.SetLimit(account.Name, account.ResourceClassLimit); err != nil {
			logger.Errorf("%s", err)
		}
	}

	var spawnfailures int32
	var wg sync.WaitGroup
	for _, sg := range syncgroups {
		wg.Add(1)
		go func(sg *mailsync.Syncgroup) {
			defer wg.Done()
			if err := sg.Sync(ctx, sched); err != nil {
				logger.Errorf("syncgroup %s: %s", sg.Name(), err)
				atomic.AddInt32(&spawnfailures, 1)
			}
		}(sg)
	}
	go func() {
		wg.Wait()
		sched.Close()
	}()

	failed := sched.Monitor(func(o *scheduler.Outcome) {
		if o.Failed() {
			logger.Errorf("sync failed: %s", o)
			if o.Stack != nil {
				logger.Debugf("%s", o.Stack)
			}
			return
		}
		logger.Infof("sync done: %s", o)
	})
	return failed + int(atomic.LoadInt32(&spawnfailures))
}

// closeAll closes every syncgroup, logging out of the IMAP servers, and
// returns the number of failures.
func closeAll(logger *log.Logger, closers []io.Closer) int {
	failed := 0
	for _, c := range closers {
		if err := c.Close(); err != nil {
			logger.Errorf("Error closing syncgroup: %s", err)
			failed++
		}
	}
	return failed
}

func main() {
	logger := log.GetLogger("main", "info")

	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if ferr, ok := err.(*flags.Error); ok && ferr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(exitConfig)
	}

	if opts.Configfile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			logger.Errorf("Cannot determine home directory: %s", err)
			os.Exit(exitConfig)
		}
		opts.Configfile = filepath.Join(home, ".offlinesyncrc")
	}

	globalconfig, err := config.ParseConfig(opts.Configfile)
	if err != nil {
		logger.Errorf("Error parsing config file: %s", err)
		os.Exit(exitConfig)
	}
	if opts.Debug {
		globalconfig.LogLevel = "debug"
		globalconfig.DebugImap = true
	}
	if err = config.VerifyConfig(globalconfig); err != nil {
		logger.Errorf("Error verifying config file: %s", err)
		os.Exit(exitConfig)
	}
	logger = log.GetLogger("main", globalconfig.LogLevel)

	if err = mailsync.MkdirIfNotExists(globalconfig.Metadatadir); err != nil {
		logger.Errorf("Error: %s", err)
		os.Exit(exitFailure)
	}
	if !opts.List {
		if err = promptPasswords(globalconfig); err != nil {
			logger.Errorf("Error: %s", err)
			os.Exit(exitConfig)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	syncgroups := make([]*mailsync.Syncgroup, 0)
	opened := make([]io.Closer, 0)
	var interval time.Duration
	failed := 0
	for _, syncgroupconf := range globalconfig.Syncgroups {
		if !selected(syncgroupconf.Name) {
			continue
		}
		syncgroup, err := mailsync.NewSyncgroup(globalconfig, syncgroupconf, opts.DryRun)
		if err != nil {
			logger.Errorf("Error creating syncgroup \"%s\": %s", syncgroupconf.Name, err)
			failed++
			continue
		}
		opened = append(opened, syncgroup)

		if opts.List {
			if err := syncgroup.List(os.Stdout); err != nil {
				logger.Errorf("Error listing syncgroup \"%s\": %s", syncgroupconf.Name, err)
				failed++
			}
			continue
		}
		syncgroups = append(syncgroups, syncgroup)
		if interval == 0 || syncgroupconf.SyncInterval.Duration < interval {
			interval = syncgroupconf.SyncInterval.Duration
		}
	}

	for len(syncgroups) > 0 {
		passfailed := runPass(ctx, logger, syncgroups)
		failed += passfailed
		logger.Infof("sync pass finished, %d failures", passfailed)
		if opts.Once || ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(interval):
		}
		if ctx.Err() != nil {
			break
		}
	}

	failed += closeAll(logger, opened)
	if failed > 0 {
		stop()
		os.Exit(exitFailure)
	}
}
