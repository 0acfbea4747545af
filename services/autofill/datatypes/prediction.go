// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// PredictionReason names the signal that produced a prediction.
type PredictionReason string

const (
	ReasonTimePattern       PredictionReason = "time_pattern"
	ReasonSequencePattern   PredictionReason = "sequence_pattern"
	ReasonDomainCorrelation PredictionReason = "domain_correlation"
	ReasonFrequency         PredictionReason = "frequency"
	ReasonCombined          PredictionReason = "combined"
)

// PredictionItem is one backend-ranked guess of which vault item the user
// wants on the current page. Read-only on the client.
type PredictionItem struct {
	ID            string           `json:"id" validate:"required"`
	VaultItemID   string           `json:"vaultItemId" validate:"required"`
	VaultItemName string           `json:"vaultItemName,omitempty"`
	Confidence    float64          `json:"confidence" validate:"gte=0,lte=1"`
	Reason        PredictionReason `json:"reason" validate:"oneof=time_pattern sequence_pattern domain_correlation frequency combined"`
}

// PredictionCacheEntry is the cached prediction list for one site.
// Entries are replaced wholesale, never patched.
type PredictionCacheEntry struct {
	Domain      string           `json:"domain"`
	Predictions []PredictionItem `json:"predictions"`
	CachedAtMs  int64            `json:"cachedAtMs"`
}

// Valid reports whether the entry is still fresh at nowMs.
func (e PredictionCacheEntry) Valid(nowMs int64, ttl time.Duration) bool {
	return nowMs-e.CachedAtMs < ttl.Milliseconds()
}

// ClonePredictions returns a copy of preds so callers cannot alias cache
// storage.
func ClonePredictions(preds []PredictionItem) []PredictionItem {
	if preds == nil {
		return []PredictionItem{}
	}
	out := make([]PredictionItem, len(preds))
	copy(out, preds)
	return out
}

// FeedbackKind records what the user did with a prediction.
type FeedbackKind string

const (
	FeedbackUsed      FeedbackKind = "used"
	FeedbackDismissed FeedbackKind = "dismissed"
)

// FeedbackEvent is forwarded once to the backend and never stored locally.
type FeedbackEvent struct {
	PredictionID string       `json:"predictionId" validate:"required"`
	FeedbackKind FeedbackKind `json:"feedbackKind" validate:"oneof=used dismissed"`
	TimeToUseMs  *int64       `json:"timeToUseMs,omitempty" validate:"omitempty,gte=0"`
}

// Credential is a decrypted vault item ready to be written into a page.
type Credential struct {
	Username string `json:"username"`
	Password string `json:"password"`
}
