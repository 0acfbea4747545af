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
	"bytes"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// =============================================================================
// FakeClock Tests
// =============================================================================

func TestFakeClock_AfterFuncFiresAtDeadline(t *testing.T) {
	clock := FakeAtMs(1000)
	var firedAt int64

	clock.AfterFunc(5*time.Second, func() { firedAt = NowMs(clock) })

	clock.Advance(4999 * time.Millisecond)
	assert.Zero(t, firedAt)

	clock.Advance(time.Millisecond)
	assert.Equal(t, int64(6000), firedAt)
}

func TestFakeClock_StopPreventsFire(t *testing.T) {
	clock := FakeAtMs(0)
	fired := false
	timer := clock.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	clock.Advance(2 * time.Second)
	assert.False(t, fired)
	assert.Equal(t, 0, clock.PendingCount())
}

func TestFakeClock_CallbackCanRescheduleWithinAdvance(t *testing.T) {
	clock := FakeAtMs(0)
	var fires []int64
	var schedule func()
	schedule = func() {
		clock.AfterFunc(5*time.Second, func() {
			fires = append(fires, NowMs(clock))
			schedule()
		})
	}
	schedule()

	clock.Advance(16 * time.Second)
	assert.Equal(t, []int64{5000, 10000, 15000}, fires)
	assert.Equal(t, int64(16000), NowMs(clock))
}

func TestFakeClock_TickerFiresPerInterval(t *testing.T) {
	clock := FakeAtMs(0)
	ticker := clock.NewTicker(30 * time.Second)
	defer ticker.Stop()

	clock.Advance(30 * time.Second)
	select {
	case tick := <-ticker.C:
		assert.Equal(t, int64(30000), tick.UnixMilli())
	default:
		t.Fatal("expected a tick")
	}
}

// =============================================================================
// Task and Debouncer Tests
// =============================================================================

func TestTask_ScheduleReplacesPending(t *testing.T) {
	clock := FakeAtMs(0)
	task := NewTask("badge-clear", clock)
	var runs []string

	task.Schedule(5*time.Second, func() { runs = append(runs, "first") })
	clock.Advance(3 * time.Second)
	task.Schedule(5*time.Second, func() { runs = append(runs, "second") })

	clock.Advance(3 * time.Second)
	assert.Empty(t, runs, "first run was replaced")
	assert.True(t, task.Active())

	clock.Advance(2 * time.Second)
	assert.Equal(t, []string{"second"}, runs)
	assert.False(t, task.Active())
	assert.Equal(t, "badge-clear", task.Name())
}

func TestTask_Cancel(t *testing.T) {
	clock := FakeAtMs(0)
	task := NewTask("popup-dismiss", clock)
	fired := false

	task.Schedule(10*time.Second, func() { fired = true })
	assert.True(t, task.Cancel())
	assert.False(t, task.Cancel())

	clock.Advance(time.Minute)
	assert.False(t, fired)
}

func TestDebouncer_CoalescesBurst(t *testing.T) {
	clock := FakeAtMs(0)
	var runs int32
	debouncer := NewDebouncer("context", clock, 300*time.Millisecond, func() {
		atomic.AddInt32(&runs, 1)
	})

	for i := 0; i < 5; i++ {
		debouncer.Trigger()
		clock.Advance(100 * time.Millisecond)
	}
	assert.True(t, debouncer.Pending())
	assert.Equal(t, int32(0), atomic.LoadInt32(&runs))

	clock.Advance(300 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
	assert.False(t, debouncer.Pending())
}

func TestDebouncer_Stop(t *testing.T) {
	clock := FakeAtMs(0)
	ran := false
	debouncer := NewDebouncer("context", clock, 300*time.Millisecond, func() { ran = true })

	debouncer.Trigger()
	assert.True(t, debouncer.Stop())
	clock.Advance(time.Second)
	assert.False(t, ran)
}

// =============================================================================
// Heartbeat Tests
// =============================================================================

func TestHeartbeat_BeatsEveryInterval(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := FakeAtMs(0)
	var beats int32
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	hb := NewHeartbeat("push-ping", clock, 30*time.Second, func() {
		atomic.AddInt32(&beats, 1)
	}, logger)

	require.NoError(t, hb.Start())
	assert.ErrorIs(t, hb.Start(), ErrHeartbeatRunning)
	clock.WaitForTimers(1)

	clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&beats) == 1 },
		time.Second, 5*time.Millisecond)

	clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&beats) == 2 },
		time.Second, 5*time.Millisecond)

	hb.Stop()
	assert.False(t, hb.Running())
	hb.Stop()

	assert.Contains(t, logs.String(), `msg="heartbeat started" name=push-ping`)
	assert.Contains(t, logs.String(), `msg="heartbeat stopped" name=push-ping`)
}

func TestRealClock_AfterFunc(t *testing.T) {
	defer goleak.VerifyNone(t)

	done := make(chan struct{})
	Real().AfterFunc(time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("real AfterFunc did not fire")
	}
}
