// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observer

import (
	"strings"

	"github.com/AleutianAI/AleutianAutofill/services/autofill/datatypes"
	"github.com/AleutianAI/AleutianAutofill/services/autofill/page"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// =============================================================================
// Field Classification
// =============================================================================

// Role is what an input is used for in a credential form.
type Role int

const (
	RoleNone Role = iota
	RoleUsername
	RolePassword
	RoleOther
)

// usernameHints are case-insensitive substrings that mark a text field as
// an account identifier.
var usernameHints = []string{"user", "email", "login"}

// Classification is the result of inspecting one input.
type Classification struct {
	Kind datatypes.FieldKind
	Role Role
}

// ClassifyInput inspects an <input>. ok is false for inputs that are not
// credential relevant (hidden, submit, checkbox and so on).
func ClassifyInput(doc *page.Document, n *html.Node) (Classification, bool) {
	typ := strings.ToLower(strings.TrimSpace(doc.Attr(n, "type")))
	switch typ {
	case "password":
		return Classification{Kind: datatypes.FieldPassword, Role: RolePassword}, true
	case "email":
		return Classification{Kind: datatypes.FieldEmail, Role: RoleUsername}, true
	case "", "text", "tel":
	default:
		return Classification{}, false
	}

	kind := datatypes.FieldText
	if typ == "tel" {
		kind = datatypes.FieldTel
	}
	for _, key := range []string{"name", "id", "autocomplete", "placeholder"} {
		v := strings.ToLower(doc.Attr(n, key))
		for _, hint := range usernameHints {
			if strings.Contains(v, hint) {
				return Classification{Kind: kind, Role: RoleUsername}, true
			}
		}
	}
	return Classification{Kind: kind, Role: RoleOther}, true
}

// =============================================================================
// Form Detection
// =============================================================================

// FormMatch is one detected login surface: a <form>, or a group of
// formless inputs sharing their closest common container.
type FormMatch struct {
	Container *html.Node
	Formless  bool
	Usernames []*html.Node
	Passwords []*html.Node
}

// ScanForCredentialForms returns every login form on the page. A form or
// formless group qualifies when it has a password field and at least one
// username or email field. Pages without one yield an empty result.
func ScanForCredentialForms(doc *page.Document) []FormMatch {
	var matches []FormMatch

	for _, form := range doc.Forms() {
		m := FormMatch{Container: form}
		for _, in := range doc.Descendants(form, atom.Input) {
			c, ok := ClassifyInput(doc, in)
			if !ok {
				continue
			}
			switch c.Role {
			case RoleUsername:
				m.Usernames = append(m.Usernames, in)
			case RolePassword:
				m.Passwords = append(m.Passwords, in)
			}
		}
		if len(m.Passwords) > 0 && len(m.Usernames) > 0 {
			matches = append(matches, m)
		}
	}

	return append(matches, scanFormless(doc)...)
}

// scanFormless groups inputs outside any <form>. Each password field is
// paired with the closest ancestor that also holds a username field.
func scanFormless(doc *page.Document) []FormMatch {
	var usernames, passwords []*html.Node
	for _, in := range doc.Inputs() {
		if doc.Ancestor(in, atom.Form) != nil {
			continue
		}
		c, ok := ClassifyInput(doc, in)
		if !ok {
			continue
		}
		switch c.Role {
		case RoleUsername:
			usernames = append(usernames, in)
		case RolePassword:
			passwords = append(passwords, in)
		}
	}
	if len(usernames) == 0 || len(passwords) == 0 {
		return nil
	}

	var matches []FormMatch
	index := make(map[*html.Node]int)
	for _, pw := range passwords {
		container := commonContainer(doc, pw, usernames)
		if container == nil {
			continue
		}
		i, seen := index[container]
		if !seen {
			i = len(matches)
			index[container] = i
			m := FormMatch{Container: container, Formless: true}
			for _, u := range usernames {
				if doc.Contains(container, u) {
					m.Usernames = append(m.Usernames, u)
				}
			}
			matches = append(matches, m)
		}
		matches[i].Passwords = append(matches[i].Passwords, pw)
	}
	return matches
}

func commonContainer(doc *page.Document, pw *html.Node, usernames []*html.Node) *html.Node {
	for p := doc.Parent(pw); p != nil; p = doc.Parent(p) {
		for _, u := range usernames {
			if doc.Contains(p, u) {
				return p
			}
		}
		if page.IsElement(p, atom.Body) {
			return nil
		}
	}
	return nil
}

// FieldKinds returns the kinds of every credential-relevant input on the
// page.
func FieldKinds(doc *page.Document) datatypes.FieldKindSet {
	kinds := datatypes.NewFieldKindSet()
	for _, in := range doc.Inputs() {
		if c, ok := ClassifyInput(doc, in); ok {
			kinds[c.Kind] = struct{}{}
		}
	}
	return kinds
}
