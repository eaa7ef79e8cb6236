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

package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collect runs Monitor in the background and returns a function waiting
// for its result.
func collect(s *Scheduler) func() ([]*Outcome, int) {
	var outcomes []*Outcome
	var failed int
	done := make(chan struct{})
	go func() {
		failed = s.Monitor(func(o *Outcome) {
			outcomes = append(outcomes, o)
		})
		close(done)
	}()
	return func() ([]*Outcome, int) {
		<-done
		return outcomes, failed
	}
}

func TestLimitOne(t *testing.T) {
	s := New(1)
	wait := collect(s)

	var running, maxRunning int32
	for i := 0; i < 5; i++ {
		err := s.Go(context.Background(), "account", "folder", func(ctx context.Context) error {
			n := atomic.AddInt32(&running, 1)
			for {
				m := atomic.LoadInt32(&maxRunning)
				if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil
		})
		require.NoError(t, err)
	}
	s.Close()

	outcomes, failed := wait()
	assert.Len(t, outcomes, 5)
	assert.Zero(t, failed)
	assert.Equal(t, int32(1), maxRunning)

	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].Started.Before(outcomes[j].Started) })
	for i := 1; i < len(outcomes); i++ {
		assert.False(t, outcomes[i].Started.Before(outcomes[i-1].Finished), "tasks %d and %d overlap", i-1, i)
	}
}

func TestClassesRunConcurrently(t *testing.T) {
	s := New(1)
	wait := collect(s)

	// Each task waits for the other one: they complete only if the two
	// classes run at the same time.
	var wg sync.WaitGroup
	wg.Add(2)
	for _, class := range []string{"a", "b"} {
		err := s.Go(context.Background(), class, class, func(ctx context.Context) error {
			wg.Done()
			wg.Wait()
			return nil
		})
		require.NoError(t, err)
	}
	s.Close()

	outcomes, failed := wait()
	assert.Len(t, outcomes, 2)
	assert.Zero(t, failed)
}

func TestSetLimit(t *testing.T) {
	s := New(1)
	wait := collect(s)

	assert.Error(t, s.SetLimit("a", 0))
	require.NoError(t, s.SetLimit("a", 2))
	assert.Equal(t, 2, s.Limit("a"))
	assert.Equal(t, 1, s.Limit("b"))

	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		err := s.Go(context.Background(), "a", "task", func(ctx context.Context) error {
			wg.Done()
			wg.Wait()
			return nil
		})
		require.NoError(t, err)
	}
	assert.Error(t, s.SetLimit("a", 3), "limit changed after start")
	s.Close()

	_, failed := wait()
	assert.Zero(t, failed)
}

func TestOutcomes(t *testing.T) {
	s := New(2)
	wait := collect(s)

	taskErr := errors.New("sync failed")
	require.NoError(t, s.Go(context.Background(), "a", "ok", func(ctx context.Context) error { return nil }))
	require.NoError(t, s.Go(context.Background(), "a", "error", func(ctx context.Context) error { return taskErr }))
	require.NoError(t, s.Go(context.Background(), "a", "panic", func(ctx context.Context) error { panic("boom") }))
	s.Close()

	outcomes, failed := wait()
	assert.Equal(t, 2, failed)
	byName := make(map[string]*Outcome)
	for _, o := range outcomes {
		byName[o.Name] = o
		assert.Equal(t, "a", o.Class)
		assert.False(t, o.Finished.Before(o.Started))
	}
	require.Len(t, byName, 3)
	assert.NoError(t, byName["ok"].Err)
	assert.ErrorIs(t, byName["error"].Err, taskErr)

	var perr *PanicError
	require.ErrorAs(t, byName["panic"].Err, &perr)
	assert.Equal(t, "boom", perr.Value)
	assert.NotEmpty(t, byName["panic"].Stack)
	assert.NotEqual(t, byName["ok"].ID, byName["error"].ID)
}

func TestGoCancelled(t *testing.T) {
	s := New(1)
	wait := collect(s)

	release := make(chan struct{})
	require.NoError(t, s.Go(context.Background(), "a", "blocker", func(ctx context.Context) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := s.Go(ctx, "a", "waiting", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	s.Close()
	outcomes, _ := wait()
	require.Len(t, outcomes, 1)
	assert.Equal(t, "blocker", outcomes[0].Name)

	assert.Error(t, s.Go(context.Background(), "a", "late", func(ctx context.Context) error { return nil }))
}
