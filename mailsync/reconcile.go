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
	"errors"
	"fmt"
	"sort"

	"github.com/sgotti/offlinesync/log"
)

const (
	FlagPolicyChanges = "changes"
	FlagPolicySource  = "source"
	FlagPolicyUnion   = "union"

	DeletemodeExpunge = "expunge"
	DeletemodeFlag    = "flag"
	DeletemodeNone    = "none"
)

type ReconcileStats struct {
	Added        int
	Deleted      int
	FlagsChanged int
	Failed       int
	Errors       []error
}

func (s *ReconcileStats) String() string {
	return fmt.Sprintf("added: %d, deleted: %d, flags changed: %d, failed: %d", s.Added, s.Deleted, s.FlagsChanged, s.Failed)
}

func (s *ReconcileStats) fail(err error) {
	s.Failed++
	s.Errors = append(s.Errors, err)
}

// Reconciler propagates the changes of Source, found comparing it with
// Compare, to Targets. Compare is usually the status cache and is usually
// one of the targets.
type Reconciler struct {
	Source  MessageFolder
	Compare Folder
	Targets []Folder
	// FlagTargets receive the flag changes. Targets if nil.
	FlagTargets []Folder
	Policy      string
	Deletemode  string
	DryRun      bool
	Logger      *log.Logger
}

func isStatusCache(f Folder) bool {
	_, ok := f.(StatusCache)
	return ok
}

// orderedTargets returns the targets with the status caches last, so a
// message is recorded only after it has been stored.
func orderedTargets(targets []Folder) []Folder {
	out := make([]Folder, len(targets))
	copy(out, targets)
	sort.SliceStable(out, func(i, j int) bool {
		return !isStatusCache(out[i]) && isStatusCache(out[j])
	})
	return out
}

func (r *Reconciler) logger() *log.Logger {
	if r.Logger == nil {
		r.Logger = log.GetLogger(fmt.Sprintf("reconciler: %s", FolderToStorePath(r.Source.Name(), '/')), "info")
	}
	return r.Logger
}

// Run executes the additions, deletions and flags phases. The context is
// checked between phases. Per message failures are reported in the stats
// and don't stop the run.
func (r *Reconciler) Run(ctx context.Context) (*ReconcileStats, error) {
	stats := &ReconcileStats{}
	srcmsgs := r.Source.GetMessages()
	cmpmsgs := r.Compare.GetMessages()

	if err := ctx.Err(); err != nil {
		return stats, err
	}
	r.addMessages(srcmsgs, stats)

	if err := ctx.Err(); err != nil {
		return stats, err
	}
	r.deleteMessages(cmpmsgs, stats)

	if err := ctx.Err(); err != nil {
		return stats, err
	}
	r.syncFlags(srcmsgs, cmpmsgs, stats)

	r.logger().Infof("%s", stats)
	return stats, nil
}

func (r *Reconciler) addMessages(srcmsgs map[int64]*MessageInfo, stats *ReconcileStats) {
	newuids := make([]int64, 0)
	for _, uid := range sortedUIDs(srcmsgs) {
		if srcmsgs[uid].Ignore {
			continue
		}
		if uid < 0 || !r.Compare.HasUID(uid) {
			newuids = append(newuids, uid)
		}
	}
	if len(newuids) == 0 {
		return
	}
	r.logger().Debugf("new messages: %v", newuids)
	if r.DryRun {
		r.logger().Infof("dryrun: would add %d messages", len(newuids))
		stats.Added += len(newuids)
		return
	}

	targets := orderedTargets(r.Targets)
	for _, uid := range newuids {
		if err := r.addMessage(uid, srcmsgs[uid].Flags, targets); err != nil {
			r.logger().Errorf("cannot add message %d: %s", uid, err)
			stats.fail(err)
			continue
		}
		stats.Added++
	}
}

// addMessage stores a message in every target lacking it. The body is read
// once. When a target assigns a new uid the source message takes it.
func (r *Reconciler) addMessage(uid int64, flags string, targets []Folder) error {
	var body []byte
	cur := uid
	for _, t := range targets {
		if cur > 0 && t.HasUID(cur) {
			continue
		}
		if isStatusCache(t) {
			if cur < 0 {
				return fmt.Errorf("uid %d: %w", cur, ErrSyntheticUID)
			}
		} else if body == nil {
			var err error
			if body, err = r.Source.ReadMessage(uid); err != nil {
				return err
			}
		}

		got, err := t.AddMessage(cur, flags, body)
		if err == nil && got <= 0 {
			err = fmt.Errorf("uid %d: %w", cur, ErrNoUID)
		}
		if errors.Is(err, ErrNoUID) && cur < 0 {
			return r.dropPlaceholder(cur, err)
		}
		if err != nil {
			return err
		}
		if got != cur {
			if err := r.Source.ChangeUID(cur, got); err != nil {
				return err
			}
			r.logger().Debugf("message %d got uid %d", cur, got)
			cur = got
		}
	}
	return nil
}

// dropPlaceholder removes the source message with synthetic uid after a
// target stored it without reporting its uid. The stored copy is fetched back
// as a new message on the next run.
func (r *Reconciler) dropPlaceholder(uid int64, cause error) error {
	if err := r.Source.DeleteMessage(uid); err != nil {
		return fmt.Errorf("%w; cannot remove local copy: %s", cause, err)
	}
	r.logger().Infof("message %d stored without uid, local copy removed", uid)
	return cause
}

func (r *Reconciler) deleteMessages(cmpmsgs map[int64]*MessageInfo, stats *ReconcileStats) {
	deleted := make([]int64, 0)
	for _, uid := range sortedUIDs(cmpmsgs) {
		if uid > 0 && !r.Source.HasUID(uid) {
			deleted = append(deleted, uid)
		}
	}
	if len(deleted) == 0 {
		return
	}
	r.logger().Debugf("deleted messages: %v", deleted)
	if r.Deletemode == DeletemodeNone {
		r.logger().Infof("deletemode none: keeping %d messages deleted on the source", len(deleted))
		return
	}
	if r.DryRun {
		r.logger().Infof("dryrun: would delete %d messages", len(deleted))
		stats.Deleted += len(deleted)
		return
	}

	for _, uid := range deleted {
		failed := false
		for _, t := range r.Targets {
			if !t.HasUID(uid) {
				continue
			}
			var err error
			if r.Deletemode == DeletemodeFlag {
				err = t.AddFlags(uid, "T")
			} else {
				err = t.DeleteMessage(uid)
			}
			if err != nil {
				r.logger().Errorf("cannot delete message %d: %s", uid, err)
				stats.fail(err)
				failed = true
				break
			}
		}
		if !failed {
			stats.Deleted++
		}
	}
}

// flagsDelta returns the flags to add to and remove from a target having
// flags dst, given the source flags and the last synced ones.
func flagsDelta(policy string, src string, synced string, dst string) (string, string) {
	switch policy {
	case FlagPolicySource:
		return missingFlags(src, dst), missingFlags(dst, src)
	case FlagPolicyUnion:
		return missingFlags(src, dst), ""
	default:
		add := missingFlags(src, synced)
		remove := missingFlags(synced, src)
		return missingFlags(add, dst), commonFlags(remove, dst)
	}
}

func (r *Reconciler) syncFlags(srcmsgs map[int64]*MessageInfo, cmpmsgs map[int64]*MessageInfo, stats *ReconcileStats) {
	targets := r.FlagTargets
	if targets == nil {
		targets = r.Targets
	}

	for _, uid := range sortedUIDs(srcmsgs) {
		src := srcmsgs[uid]
		synced, ok := cmpmsgs[uid]
		if uid < 0 || src.Ignore || !ok {
			continue
		}

		changed := false
		for _, t := range targets {
			if !t.HasUID(uid) || t.IsIgnored(uid) {
				continue
			}
			dst, err := t.GetFlags(uid)
			if err != nil {
				stats.fail(err)
				break
			}
			add, remove := flagsDelta(r.Policy, src.Flags, synced.Flags, dst)
			if add == "" && remove == "" {
				continue
			}
			changed = true
			if r.DryRun {
				r.logger().Debugf("dryrun: message %d would get flags +%q -%q", uid, add, remove)
				continue
			}
			if add != "" {
				if err := t.AddFlags(uid, add); err != nil {
					r.logger().Errorf("cannot add flags to message %d: %s", uid, err)
					stats.fail(err)
					break
				}
			}
			if remove != "" {
				if err := t.RemoveFlags(uid, remove); err != nil {
					r.logger().Errorf("cannot remove flags from message %d: %s", uid, err)
					stats.fail(err)
					break
				}
			}
		}
		if changed {
			stats.FlagsChanged++
		}
	}
}
