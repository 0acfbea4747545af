// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package page is the DOM that the page-side components (observer,
// executor, presenter) operate on.
//
// # Description
//
// A Document wraps a golang.org/x/net/html tree and adds the two things a
// browser page gives content scripts: mutation notifications when nodes
// are inserted or removed, and synthetic events that bubble from a target
// to its ancestors. Nodes are plain *html.Node values; all reads and
// writes of node attributes must go through Document methods so that
// concurrent timers and listeners see a consistent tree.
//
// # Thread Safety
//
// Document methods are safe for concurrent use. Listeners and mutation
// observers are invoked without the document lock held, so they may call
// back into the Document.
package page

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrNotInDocument is returned when a node is not attached to the tree.
var ErrNotInDocument = errors.New("node is not in the document")

// Event types raised by Dispatch.
const (
	EventInput  = "input"
	EventChange = "change"
	EventClick  = "click"
)

// Event is a synthetic DOM event.
type Event struct {
	Type   string
	Target *html.Node
}

// MutationRecord describes one insertion or removal under Parent.
type MutationRecord struct {
	Parent  *html.Node
	Added   []*html.Node
	Removed []*html.Node
}

type listener struct {
	id int
	fn func(Event)
}

// Document is a mutable, observable HTML page.
type Document struct {
	mu        sync.Mutex
	root      *html.Node
	url       string
	nextID    int
	listeners map[*html.Node]map[string][]listener
	observers map[int]func(MutationRecord)
}

// Parse reads an HTML page served from rawURL.
func Parse(r io.Reader, rawURL string) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	return &Document{
		root:      root,
		url:       rawURL,
		listeners: make(map[*html.Node]map[string][]listener),
		observers: make(map[int]func(MutationRecord)),
	}, nil
}

// ParseString is Parse over a string.
func ParseString(src, rawURL string) (*Document, error) {
	return Parse(strings.NewReader(src), rawURL)
}

// URL returns the page address.
func (d *Document) URL() string {
	return d.url
}

// Title returns the trimmed text of the first <title> element.
func (d *Document) Title() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := findFirst(d.root, func(n *html.Node) bool { return n.Type == html.ElementNode && n.DataAtom == atom.Title })
	if t == nil {
		return ""
	}
	return strings.TrimSpace(textContent(t))
}

// Body returns the <body> element. html.Parse always synthesizes one.
func (d *Document) Body() *html.Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	return findFirst(d.root, func(n *html.Node) bool { return n.Type == html.ElementNode && n.DataAtom == atom.Body })
}

// FindByID returns the element whose id attribute equals id.
func (d *Document) FindByID(id string) *html.Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	return findFirst(d.root, func(n *html.Node) bool {
		return n.Type == html.ElementNode && attr(n, "id") == id
	})
}

// Forms returns every <form> in document order.
func (d *Document) Forms() []*html.Node {
	return d.ElementsByTag(atom.Form)
}

// Inputs returns every <input> in document order.
func (d *Document) Inputs() []*html.Node {
	return d.ElementsByTag(atom.Input)
}

// ElementsByTag returns every element of the given tag in document order.
func (d *Document) ElementsByTag(tag atom.Atom) []*html.Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	return findAll(d.root, func(n *html.Node) bool { return n.Type == html.ElementNode && n.DataAtom == tag })
}

// Descendants returns elements under n (excluding n) of the given tag.
func (d *Document) Descendants(n *html.Node, tag atom.Atom) []*html.Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		out = append(out, findAll(c, func(x *html.Node) bool { return x.Type == html.ElementNode && x.DataAtom == tag })...)
	}
	return out
}

// Attr returns the value of key on n, or "".
func (d *Document) Attr(n *html.Node, key string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return attr(n, key)
}

// SetAttr sets key on n.
func (d *Document) SetAttr(n *html.Node, key, val string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	setAttr(n, key, val)
}

// Value returns the current value of an input.
func (d *Document) Value(n *html.Node) string {
	return d.Attr(n, "value")
}

// SetValue assigns an input's value. It raises no events; callers
// Dispatch input/change themselves, as page scripts do.
func (d *Document) SetValue(n *html.Node, v string) {
	d.SetAttr(n, "value", v)
}

// Ancestor returns the closest ancestor of n (excluding n) matching tag.
func (d *Document) Ancestor(n *html.Node, tag atom.Atom) *html.Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && p.DataAtom == tag {
			return p
		}
	}
	return nil
}

// Parent returns n's parent element, or nil at the root.
func (d *Document) Parent(n *html.Node) *html.Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode {
			return p
		}
	}
	return nil
}

// Contains reports whether n is ancestor itself or one of its descendants.
func (d *Document) Contains(ancestor, n *html.Node) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return contains(ancestor, n)
}

// Attached reports whether n is still part of the tree.
func (d *Document) Attached(n *html.Node) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return contains(d.root, n)
}

// Text returns the concatenated text under n.
func (d *Document) Text(n *html.Node) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return textContent(n)
}

// =============================================================================
// Mutation
// =============================================================================

// AppendHTML parses fragment in the context of parent, appends the
// resulting nodes and notifies observers. It returns the appended nodes.
func (d *Document) AppendHTML(parent *html.Node, fragment string) ([]*html.Node, error) {
	d.mu.Lock()
	if !contains(d.root, parent) {
		d.mu.Unlock()
		return nil, ErrNotInDocument
	}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), parent)
	if err != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("failed to parse fragment: %w", err)
	}
	for _, n := range nodes {
		parent.AppendChild(n)
	}
	observers := d.observerList()
	d.mu.Unlock()

	notify(observers, MutationRecord{Parent: parent, Added: nodes})
	return nodes, nil
}

// Remove detaches n from its parent and drops its listeners.
func (d *Document) Remove(n *html.Node) error {
	d.mu.Lock()
	parent := n.Parent
	if parent == nil || !contains(d.root, n) {
		d.mu.Unlock()
		return ErrNotInDocument
	}
	parent.RemoveChild(n)
	walk(n, func(x *html.Node) { delete(d.listeners, x) })
	observers := d.observerList()
	d.mu.Unlock()

	notify(observers, MutationRecord{Parent: parent, Removed: []*html.Node{n}})
	return nil
}

// Observe registers fn for every subsequent mutation. The returned
// function unregisters it.
func (d *Document) Observe(fn func(MutationRecord)) (cancel func()) {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.observers[id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.observers, id)
		d.mu.Unlock()
	}
}

func (d *Document) observerList() []func(MutationRecord) {
	ids := make([]int, 0, len(d.observers))
	for id := range d.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(MutationRecord), 0, len(ids))
	for _, id := range ids {
		out = append(out, d.observers[id])
	}
	return out
}

func notify(observers []func(MutationRecord), rec MutationRecord) {
	for _, fn := range observers {
		fn(rec)
	}
}

// =============================================================================
// Events
// =============================================================================

// AddEventListener registers fn for events of typ targeted at n or any of
// its descendants. The returned function unregisters it.
func (d *Document) AddEventListener(n *html.Node, typ string, fn func(Event)) (remove func()) {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	byType, ok := d.listeners[n]
	if !ok {
		byType = make(map[string][]listener)
		d.listeners[n] = byType
	}
	byType[typ] = append(byType[typ], listener{id: id, fn: fn})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		list := d.listeners[n][typ]
		for i, l := range list {
			if l.id == id {
				d.listeners[n][typ] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Dispatch raises an event of typ at target. Listeners on target run
// first, then listeners on each ancestor up to the root.
func (d *Document) Dispatch(target *html.Node, typ string) {
	d.mu.Lock()
	var fns []func(Event)
	for n := target; n != nil; n = n.Parent {
		for _, l := range d.listeners[n][typ] {
			fns = append(fns, l.fn)
		}
	}
	d.mu.Unlock()

	ev := Event{Type: typ, Target: target}
	for _, fn := range fns {
		fn(ev)
	}
}

// Render serializes the current tree.
func (d *Document) Render() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var buf bytes.Buffer
	if err := html.Render(&buf, d.root); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// =============================================================================
// Tree Helpers
// =============================================================================

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func findAll(n *html.Node, match func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	walk(n, func(x *html.Node) {
		if match(x) {
			out = append(out, x)
		}
	})
	return out
}

func findFirst(n *html.Node, match func(*html.Node) bool) *html.Node {
	if match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, match); found != nil {
			return found
		}
	}
	return nil
}

func contains(ancestor, n *html.Node) bool {
	for x := n; x != nil; x = x.Parent {
		if x == ancestor {
			return true
		}
	}
	return false
}

func textContent(n *html.Node) string {
	var b strings.Builder
	walk(n, func(x *html.Node) {
		if x.Type == html.TextNode {
			b.WriteString(x.Data)
		}
	})
	return b.String()
}

// IsElement reports whether n is an element of the given tag.
func IsElement(n *html.Node, tag atom.Atom) bool {
	return n != nil && n.Type == html.ElementNode && n.DataAtom == tag
}

// Subtree returns n and every element below it whose tag is one of tags.
func (d *Document) Subtree(n *html.Node, tags ...atom.Atom) []*html.Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	return findAll(n, func(x *html.Node) bool {
		if x.Type != html.ElementNode {
			return false
		}
		for _, t := range tags {
			if x.DataAtom == t {
				return true
			}
		}
		return false
	})
}
