// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package autofill writes credentials into a page and renders the
// in-page prediction popup.
package autofill

import (
	"context"
	"log/slog"

	"github.com/AleutianAI/AleutianAutofill/services/autofill/datatypes"
	"github.com/AleutianAI/AleutianAutofill/services/autofill/messaging"
	"github.com/AleutianAI/AleutianAutofill/services/autofill/observer"
	"github.com/AleutianAI/AleutianAutofill/services/autofill/page"
	"golang.org/x/net/html"
)

// Executor fills credentials on one page.
type Executor struct {
	doc    *page.Document
	port   messaging.Port
	logger *slog.Logger
}

// NewExecutor returns an executor for doc. A nil logger uses slog.Default.
func NewExecutor(doc *page.Document, port messaging.Port, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{doc: doc, port: port, logger: logger.With("component", "autofill_executor")}
}

// FillCredential writes cred into the page's username and password fields
// and raises input and change events on each one. It returns the number
// of fields written; a page with no matching fields yields zero.
//
// Fields inside detected login forms are preferred. When no login form
// is present every classified field on the page is a candidate.
func (e *Executor) FillCredential(cred datatypes.Credential) int {
	usernames, passwords := e.targets()

	filled := 0
	if cred.Username != "" {
		for _, n := range usernames {
			e.write(n, cred.Username)
			filled++
		}
	}
	for _, n := range passwords {
		e.write(n, cred.Password)
		filled++
	}
	e.logger.Debug("credential filled", slog.Int("fields", filled))
	return filled
}

func (e *Executor) targets() (usernames, passwords []*html.Node) {
	if matches := observer.ScanForCredentialForms(e.doc); len(matches) > 0 {
		for _, m := range matches {
			usernames = append(usernames, m.Usernames...)
			passwords = append(passwords, m.Passwords...)
		}
		return usernames, passwords
	}

	for _, in := range e.doc.Inputs() {
		c, ok := observer.ClassifyInput(e.doc, in)
		if !ok {
			continue
		}
		switch c.Role {
		case observer.RoleUsername:
			usernames = append(usernames, in)
		case observer.RolePassword:
			passwords = append(passwords, in)
		}
	}
	return usernames, passwords
}

func (e *Executor) write(n *html.Node, value string) {
	e.doc.SetValue(n, value)
	e.doc.Dispatch(n, page.EventInput)
	e.doc.Dispatch(n, page.EventChange)
}

// RequestFill asks the coordinator for the decrypted credential and fills
// it. Failures leave the page untouched and are only logged; it reports
// whether a credential was received and written.
func (e *Executor) RequestFill(ctx context.Context, predictionID, vaultItemID string) bool {
	domain, _ := datatypes.SiteIdentity(e.doc.URL())
	resp, err := e.port.Request(ctx, datatypes.FillCredentialMessage{
		PredictionID: predictionID,
		VaultItemID:  vaultItemID,
		Domain:       domain,
	})
	if err != nil {
		e.logger.Debug("fill request failed", slog.String("error", err.Error()))
		return false
	}
	if !resp.Success || resp.Credential == nil {
		e.logger.Debug("fill request rejected", slog.String("error", resp.Error))
		return false
	}
	e.FillCredential(*resp.Credential)
	return true
}
