// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package autofill

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianAutofill/services/autofill/datatypes"
	"github.com/AleutianAI/AleutianAutofill/services/autofill/page"
	"github.com/AleutianAI/AleutianAutofill/services/autofill/ttl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html/atom"
)

const loginHTML = `<html><body>
<form id="f"><input id="u" name="username"><input id="p" type="password"><input id="q" name="search"></form>
</body></html>`

func parse(t *testing.T, src string) *page.Document {
	t.Helper()
	doc, err := page.ParseString(src, "https://bank.example/login")
	require.NoError(t, err)
	return doc
}

type fakePort struct {
	mu       sync.Mutex
	requests []datatypes.Message
	reply    func(datatypes.Message) (datatypes.Response, error)
}

func (p *fakePort) Request(ctx context.Context, msg datatypes.Message) (datatypes.Response, error) {
	p.mu.Lock()
	p.requests = append(p.requests, msg)
	reply := p.reply
	p.mu.Unlock()
	if reply == nil {
		return datatypes.OK(), nil
	}
	return reply(msg)
}

func (p *fakePort) Notifications() <-chan datatypes.Notification { return nil }
func (p *fakePort) Close() error                                  { return nil }

func (p *fakePort) feedback() []datatypes.FeedbackEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []datatypes.FeedbackEvent
	for _, m := range p.requests {
		if fb, ok := m.(datatypes.RecordFeedbackMessage); ok {
			out = append(out, fb.FeedbackEvent)
		}
	}
	return out
}

// =============================================================================
// Executor
// =============================================================================

func TestExecutor_FillCredential(t *testing.T) {
	doc := parse(t, loginHTML)
	exec := NewExecutor(doc, &fakePort{}, nil)

	var events []string
	doc.AddEventListener(doc.FindByID("f"), page.EventInput, func(ev page.Event) {
		events = append(events, doc.Attr(ev.Target, "id")+":input")
	})
	doc.AddEventListener(doc.FindByID("f"), page.EventChange, func(ev page.Event) {
		events = append(events, doc.Attr(ev.Target, "id")+":change")
	})

	n := exec.FillCredential(datatypes.Credential{Username: "alice", Password: "s3cret"})
	assert.Equal(t, 2, n)
	assert.Equal(t, "alice", doc.Value(doc.FindByID("u")))
	assert.Equal(t, "s3cret", doc.Value(doc.FindByID("p")))
	assert.Empty(t, doc.Value(doc.FindByID("q")))
	assert.Equal(t, []string{"u:input", "u:change", "p:input", "p:change"}, events)
}

func TestExecutor_FillWithoutUsername(t *testing.T) {
	doc := parse(t, loginHTML)
	n := NewExecutor(doc, &fakePort{}, nil).FillCredential(datatypes.Credential{Password: "pw"})
	assert.Equal(t, 1, n)
	assert.Empty(t, doc.Value(doc.FindByID("u")))
}

func TestExecutor_FallsBackToClassifiedFields(t *testing.T) {
	// A password-only step of a two-step login has no login form.
	doc := parse(t, `<html><body><input id="p" type="password"></body></html>`)
	n := NewExecutor(doc, &fakePort{}, nil).FillCredential(datatypes.Credential{Username: "alice", Password: "pw"})
	assert.Equal(t, 1, n)
	assert.Equal(t, "pw", doc.Value(doc.FindByID("p")))
}

func TestExecutor_NoFieldsIsNoop(t *testing.T) {
	doc := parse(t, `<html><body><p>nothing</p></body></html>`)
	assert.Equal(t, 0, NewExecutor(doc, &fakePort{}, nil).FillCredential(datatypes.Credential{Username: "a", Password: "b"}))
}

func TestExecutor_RequestFill(t *testing.T) {
	doc := parse(t, loginHTML)
	port := &fakePort{reply: func(m datatypes.Message) (datatypes.Response, error) {
		fc := m.(datatypes.FillCredentialMessage)
		assert.Equal(t, "bank.example", fc.Domain)
		if fc.VaultItemID != "v1" {
			return datatypes.Fail(errors.New("not found")), nil
		}
		return datatypes.Response{Success: true, Credential: &datatypes.Credential{Username: "alice", Password: "pw"}}, nil
	}}
	exec := NewExecutor(doc, port, nil)

	assert.False(t, exec.RequestFill(context.Background(), "p2", "v2"))
	assert.Empty(t, doc.Value(doc.FindByID("p")), "failure leaves the page untouched")

	assert.True(t, exec.RequestFill(context.Background(), "p1", "v1"))
	assert.Equal(t, "pw", doc.Value(doc.FindByID("p")))
}

func TestExecutor_RequestFillTransportError(t *testing.T) {
	doc := parse(t, loginHTML)
	port := &fakePort{reply: func(datatypes.Message) (datatypes.Response, error) {
		return datatypes.Response{}, errors.New("port closed")
	}}
	assert.False(t, NewExecutor(doc, port, nil).RequestFill(context.Background(), "p1", "v1"))
}

// =============================================================================
// Presenter
// =============================================================================

type fakeFiller struct {
	mu    sync.Mutex
	calls []string
	ok    bool
}

func (f *fakeFiller) RequestFill(ctx context.Context, predictionID, vaultItemID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, predictionID+"/"+vaultItemID)
	return f.ok
}

func preds(n int) []datatypes.PredictionItem {
	out := make([]datatypes.PredictionItem, n)
	for i := range out {
		id := string(rune('a' + i))
		out[i] = datatypes.PredictionItem{ID: "p" + id, VaultItemID: "v" + id, VaultItemName: "<Item " + id + ">",
			Confidence: 0.9 - float64(i)/10, Reason: datatypes.ReasonFrequency}
	}
	return out
}

func newPresenter(t *testing.T, clock *ttl.FakeClock, filler Filler) (*Presenter, *page.Document, *fakePort) {
	t.Helper()
	doc := parse(t, loginHTML)
	port := &fakePort{}
	cfg := DefaultPresenterConfig()
	cfg.Clock = clock
	return NewPresenter(cfg, doc, port, filler), doc, port
}

func TestPresenter_ShowRendersTopThreeInOrder(t *testing.T) {
	p, doc, _ := newPresenter(t, ttl.FakeAtMs(0), &fakeFiller{})

	require.True(t, p.Show(preds(5)))
	assert.True(t, p.Visible())

	popup := doc.FindByID(PopupID)
	require.NotNil(t, popup)
	buttons := doc.Descendants(popup, atom.Button)
	require.Len(t, buttons, 4, "three items plus close")
	assert.Contains(t, doc.Text(buttons[0]), "<Item a>")
	assert.Contains(t, doc.Text(buttons[0]), "90%")
	assert.Contains(t, doc.Text(buttons[2]), "<Item c>")
	assert.Len(t, p.Items(), 3)

	// Guard: a second render while visible is a no-op.
	assert.False(t, p.Show(preds(1)))
	assert.Len(t, doc.ElementsByTag(atom.Div), 1)

	assert.False(t, p.Show(nil))
}

func TestPresenter_AutoDismiss(t *testing.T) {
	clock := ttl.FakeAtMs(0)
	p, doc, port := newPresenter(t, clock, &fakeFiller{})

	require.True(t, p.Show(preds(2)))
	clock.Advance(9999 * time.Millisecond)
	assert.True(t, p.Visible())

	clock.Advance(time.Millisecond)
	assert.False(t, p.Visible())
	assert.Nil(t, doc.FindByID(PopupID))
	p.WaitIdle()
	assert.Empty(t, port.feedback(), "timeout sends no feedback")

	// The guard is cleared, so a later render works.
	assert.True(t, p.Show(preds(1)))
}

func TestPresenter_SelectFillsAndReportsUse(t *testing.T) {
	clock := ttl.FakeAtMs(1000)
	filler := &fakeFiller{ok: true}
	p, doc, port := newPresenter(t, clock, filler)

	require.True(t, p.Show(preds(3)))
	clock.Advance(2500 * time.Millisecond)

	// Click the confidence span inside the second item; it bubbles.
	second := doc.Descendants(doc.FindByID(PopupID), atom.Button)[1]
	span := doc.Descendants(second, atom.Span)[0]
	doc.Dispatch(span, page.EventClick)

	assert.False(t, p.Visible(), "dismissed immediately")
	p.WaitIdle()

	assert.Equal(t, []string{"pb/vb"}, filler.calls)
	fb := port.feedback()
	require.Len(t, fb, 1)
	assert.Equal(t, datatypes.FeedbackUsed, fb[0].FeedbackKind)
	assert.Equal(t, "pb", fb[0].PredictionID)
	require.NotNil(t, fb[0].TimeToUseMs)
	assert.Equal(t, int64(2500), *fb[0].TimeToUseMs)

	// The pending auto-dismiss was cancelled with the popup.
	assert.Equal(t, 0, clock.PendingCount())
}

func TestPresenter_FailedFillSendsNoFeedback(t *testing.T) {
	p, _, port := newPresenter(t, ttl.FakeAtMs(0), &fakeFiller{ok: false})
	require.True(t, p.Show(preds(1)))
	require.True(t, p.Select(0))
	assert.False(t, p.Visible())
	p.WaitIdle()
	assert.Empty(t, port.feedback())

	assert.False(t, p.Select(0), "nothing to select once dismissed")
}

func TestPresenter_CloseReportsDismissed(t *testing.T) {
	p, doc, port := newPresenter(t, ttl.FakeAtMs(0), &fakeFiller{})
	require.True(t, p.Show(preds(2)))

	buttons := doc.Descendants(doc.FindByID(PopupID), atom.Button)
	doc.Dispatch(buttons[len(buttons)-1], page.EventClick)
	assert.False(t, p.Visible())
	p.WaitIdle()

	fb := port.feedback()
	require.Len(t, fb, 2)
	for _, ev := range fb {
		assert.Equal(t, datatypes.FeedbackDismissed, ev.FeedbackKind)
		assert.Nil(t, ev.TimeToUseMs)
	}
}

func TestPresenter_DismissIsSilent(t *testing.T) {
	p, _, port := newPresenter(t, ttl.FakeAtMs(0), &fakeFiller{})
	require.True(t, p.Show(preds(2)))
	p.Dismiss()
	p.Dismiss()
	assert.False(t, p.Visible())
	p.WaitIdle()
	assert.Empty(t, port.feedback())
}

func TestPresenter_StaleTimerDoesNotDismissNewPopup(t *testing.T) {
	clock := ttl.FakeAtMs(0)
	p, _, _ := newPresenter(t, clock, &fakeFiller{})

	require.True(t, p.Show(preds(1)))
	clock.Advance(5 * time.Second)
	p.Dismiss()
	require.True(t, p.Show(preds(1)))

	clock.Advance(5 * time.Second)
	assert.True(t, p.Visible(), "first popup's deadline does not apply")
	clock.Advance(5 * time.Second)
	assert.False(t, p.Visible())
}
