// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ttl

import (
	"sync"
	"time"
)

// =============================================================================
// Scheduled Task
// =============================================================================

// Task is a named, cancellable one-shot scheduled callback.
//
// # Description
//
// A Task holds at most one pending run. Scheduling again replaces the
// pending run; Cancel drops it. A run that was replaced or cancelled is
// guaranteed not to execute, even if its underlying timer had already
// expired and was racing to acquire the lock.
//
// # Thread Safety
//
// Safe for concurrent use. The callback is invoked without any Task
// lock held, so it may call Schedule or Cancel on the same Task.
type Task struct {
	name  string
	clock Clock

	mu         sync.Mutex
	generation uint64
	pending    uint64 // generation of the pending run, 0 if none
	timer      *Timer
}

// NewTask creates an idle task. name is used in logs and metrics.
func NewTask(name string, clock Clock) *Task {
	if clock == nil {
		clock = Real()
	}
	return &Task{name: name, clock: clock}
}

// Name returns the task name.
func (t *Task) Name() string {
	return t.name
}

// Schedule arranges for f to run after d, replacing any pending run.
func (t *Task) Schedule(d time.Duration, f func()) {
	t.mu.Lock()
	t.generation++
	gen := t.generation
	old := t.timer
	t.timer = nil
	t.pending = gen
	t.mu.Unlock()

	if old != nil {
		old.Stop()
	}

	timer := t.clock.AfterFunc(d, func() {
		t.mu.Lock()
		if t.pending != gen {
			t.mu.Unlock()
			return
		}
		t.pending = 0
		t.timer = nil
		t.mu.Unlock()
		f()
	})

	t.mu.Lock()
	if t.pending == gen {
		t.timer = timer
	}
	t.mu.Unlock()
}

// Cancel drops the pending run. It reports whether a run was pending.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	wasPending := t.pending != 0
	t.pending = 0
	timer := t.timer
	t.timer = nil
	t.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	return wasPending
}

// Active reports whether a run is pending.
func (t *Task) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending != 0
}

// =============================================================================
// Debouncer
// =============================================================================

// Debouncer runs fn once, delay after the most recent Trigger. A burst
// of triggers closer together than delay produces a single run.
type Debouncer struct {
	task  *Task
	delay time.Duration
	fn    func()
}

// NewDebouncer creates a debouncer around fn.
func NewDebouncer(name string, clock Clock, delay time.Duration, fn func()) *Debouncer {
	return &Debouncer{
		task:  NewTask(name, clock),
		delay: delay,
		fn:    fn,
	}
}

// Trigger (re)arms the debounce timer.
func (d *Debouncer) Trigger() {
	d.task.Schedule(d.delay, d.fn)
}

// Stop cancels a pending run and reports whether one was pending.
func (d *Debouncer) Stop() bool {
	return d.task.Cancel()
}

// Pending reports whether a run is armed.
func (d *Debouncer) Pending() bool {
	return d.task.Active()
}
