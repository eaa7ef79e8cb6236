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

// Package scheduler runs tasks with a bounded concurrency per resource
// class and hands their outcomes, one at a time, to a monitor.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Outcome is the result of one task.
type Outcome struct {
	ID       uuid.UUID
	Class    string
	Name     string
	Err      error
	Stack    []byte
	Started  time.Time
	Finished time.Time
}

func (o *Outcome) Failed() bool {
	return o.Err != nil
}

func (o *Outcome) String() string {
	status := "ok"
	if o.Err != nil {
		status = o.Err.Error()
	}
	return fmt.Sprintf("%s/%s (%s): %s in %s", o.Class, o.Name, o.ID, status, o.Finished.Sub(o.Started))
}

// PanicError is the error of a task that panicked.
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

type Scheduler struct {
	defaultLimit int64
	mu           sync.Mutex
	classes      map[string]*semaphore.Weighted
	limits       map[string]int64
	wg           sync.WaitGroup
	outcomes     chan *Outcome
	closed       bool
}

// New returns a scheduler running at most defaultLimit tasks at a time for
// every class without an explicit limit.
func New(defaultLimit int) *Scheduler {
	if defaultLimit < 1 {
		defaultLimit = 1
	}
	return &Scheduler{
		defaultLimit: int64(defaultLimit),
		classes:      make(map[string]*semaphore.Weighted),
		limits:       make(map[string]int64),
		outcomes:     make(chan *Outcome),
	}
}

// SetLimit sets the limit of class. It must be called before the first task
// of the class is started.
func (s *Scheduler) SetLimit(class string, n int) error {
	if n < 1 {
		return fmt.Errorf("limit of class %s must be at least 1, got %d", class, n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.classes[class]; ok {
		return fmt.Errorf("class %s already has running tasks", class)
	}
	s.limits[class] = int64(n)
	return nil
}

// Limit returns the limit of class.
func (s *Scheduler) Limit(class string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.limits[class]; ok {
		return int(n)
	}
	return int(s.defaultLimit)
}

func (s *Scheduler) semaphore(class string) (*semaphore.Weighted, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("scheduler closed")
	}
	sem, ok := s.classes[class]
	if !ok {
		n, ok := s.limits[class]
		if !ok {
			n = s.defaultLimit
		}
		sem = semaphore.NewWeighted(n)
		s.classes[class] = sem
	}
	s.wg.Add(1)
	return sem, nil
}

// Go starts fn as a task of class. It blocks until the class has a free
// slot or ctx is done. Outcomes must be consumed with Monitor.
func (s *Scheduler) Go(ctx context.Context, class string, name string, fn func(context.Context) error) error {
	sem, err := s.semaphore(class)
	if err != nil {
		return err
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		s.wg.Done()
		return err
	}

	o := &Outcome{ID: uuid.New(), Class: class, Name: name}
	go func() {
		defer s.wg.Done()
		o.Started = time.Now()
		func() {
			defer func() {
				if r := recover(); r != nil {
					o.Err = &PanicError{Value: r}
					o.Stack = debug.Stack()
				}
			}()
			o.Err = fn(ctx)
		}()
		o.Finished = time.Now()
		sem.Release(1)
		s.outcomes <- o
	}()
	return nil
}

// Monitor calls fn for every outcome until Close and returns the number of
// failed tasks.
func (s *Scheduler) Monitor(fn func(*Outcome)) int {
	failed := 0
	for o := range s.outcomes {
		if o.Failed() {
			failed++
		}
		if fn != nil {
			fn(o)
		}
	}
	return failed
}

// Close waits for the started tasks and closes the outcomes channel. No
// task can be started after Close.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
	close(s.outcomes)
}
