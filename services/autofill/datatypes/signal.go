// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the data model and message protocol shared by
// page contexts (observer, presenter, autofill executor) and the
// background coordinator.
//
// # Wire Format
//
// Every request between a page and the coordinator is an Envelope
// carrying {type, data}; the reply is a Response {success, ...payload}.
// Field names are camelCase to stay compatible with the extension's
// page scripts.
package datatypes

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net"
	"net/url"
	"sort"
	"strings"
)

// =============================================================================
// Field Kinds
// =============================================================================

// FieldKind is the type of a credential-relevant input field.
type FieldKind string

const (
	FieldText     FieldKind = "text"
	FieldEmail    FieldKind = "email"
	FieldPassword FieldKind = "password"
	FieldTel      FieldKind = "tel"
)

// Valid reports whether k is one of the four tracked kinds.
func (k FieldKind) Valid() bool {
	switch k {
	case FieldText, FieldEmail, FieldPassword, FieldTel:
		return true
	}
	return false
}

// FieldKindSet is a set of field kinds. It marshals as a sorted JSON array.
type FieldKindSet map[FieldKind]struct{}

// NewFieldKindSet builds a set from kinds, ignoring unknown kinds.
func NewFieldKindSet(kinds ...FieldKind) FieldKindSet {
	set := make(FieldKindSet, len(kinds))
	for _, k := range kinds {
		if k.Valid() {
			set[k] = struct{}{}
		}
	}
	return set
}

// Has reports membership.
func (s FieldKindSet) Has(k FieldKind) bool {
	_, ok := s[k]
	return ok
}

// Sorted returns the members in lexical order.
func (s FieldKindSet) Sorted() []FieldKind {
	out := make([]FieldKind, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s FieldKindSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *FieldKindSet) UnmarshalJSON(data []byte) error {
	var kinds []FieldKind
	if err := json.Unmarshal(data, &kinds); err != nil {
		return err
	}
	for _, k := range kinds {
		if !k.Valid() {
			return fmt.Errorf("unknown form field kind %q", k)
		}
	}
	*s = NewFieldKindSet(kinds...)
	return nil
}

// =============================================================================
// Context Signal
// =============================================================================

// ContextSignal is a snapshot of page identity and form shape sent by an
// observer to request predictions. It is immutable once constructed.
type ContextSignal struct {
	Domain            string       `json:"domain" validate:"required,max=253"`
	URLFingerprint    string       `json:"urlFingerprint" validate:"required,hexadecimal"`
	PageTitle         string       `json:"pageTitle" validate:"max=1024"`
	FormFieldKinds    FieldKindSet `json:"formFieldKinds" validate:"fieldkinds"`
	TimeOnPageSeconds int64        `json:"timeOnPageSeconds" validate:"gte=0"`
	IsNewTab          bool         `json:"isNewTab"`
	OriginTabID       int          `json:"originTabId" validate:"gte=0"`
	CapturedAtMs      int64        `json:"capturedAtMs" validate:"gt=0"`
}

// NewContextSignal derives the site identity and URL fingerprint from
// rawURL and assembles a signal.
func NewContextSignal(rawURL, title string, kinds FieldKindSet, timeOnPageSeconds int64,
	isNewTab bool, tabID int, capturedAtMs int64) (ContextSignal, error) {

	domain, err := SiteIdentity(rawURL)
	if err != nil {
		return ContextSignal{}, err
	}
	if kinds == nil {
		kinds = NewFieldKindSet()
	}
	return ContextSignal{
		Domain:            domain,
		URLFingerprint:    URLFingerprint(rawURL),
		PageTitle:         title,
		FormFieldKinds:    kinds,
		TimeOnPageSeconds: timeOnPageSeconds,
		IsNewTab:          isNewTab,
		OriginTabID:       tabID,
		CapturedAtMs:      capturedAtMs,
	}, nil
}

// SiteIdentity returns the domain-level key for rawURL: the lower-cased
// host without port and without a leading "www.".
func SiteIdentity(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if net.ParseIP(host) == nil {
		host = strings.TrimPrefix(host, "www.")
	}
	return host, nil
}

// URLFingerprint is a non-cryptographic FNV-1a hash of the full URL,
// hex encoded. It lets the backend correlate pages without the client
// sending paths or query strings.
func URLFingerprint(rawURL string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(rawURL))
	return fmt.Sprintf("%016x", h.Sum64())
}
