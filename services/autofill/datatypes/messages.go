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

import (
	"encoding/json"
	"errors"
	"fmt"
)

// =============================================================================
// Message Kinds
// =============================================================================

// MessageKind is the "type" tag of an envelope or notification.
type MessageKind string

// Requests: page context -> coordinator.
const (
	KindContextSignal     MessageKind = "CONTEXT_SIGNAL"
	KindLoginFormDetected MessageKind = "LOGIN_FORM_DETECTED"
	KindFillCredential    MessageKind = "FILL_CREDENTIAL"
	KindRecordFeedback    MessageKind = "RECORD_FEEDBACK"
	KindAutofillReady     MessageKind = "AUTOFILL_READY"
	KindGetPredictions    MessageKind = "GET_PREDICTIONS"
	KindSetAuthToken      MessageKind = "SET_AUTH_TOKEN"
	KindToggleEnabled     MessageKind = "TOGGLE_ENABLED"
)

// Notifications: coordinator -> page contexts, no reply expected.
const (
	KindPredictionsUpdate MessageKind = "PREDICTIONS_UPDATE"
	KindAutofillDisabled  MessageKind = "AUTOFILL_DISABLED"
)

// ErrUnknownMessage is returned by DecodeMessage for a type outside the
// closed request set.
var ErrUnknownMessage = errors.New("unknown message type")

// =============================================================================
// Sealed Request Variants
// =============================================================================

// Message is the closed sum of request kinds. The unexported method keeps
// other packages from adding variants, so every switch over Message in
// this module is exhaustive by construction.
type Message interface {
	Kind() MessageKind
	isMessage()
}

// ContextSignalMessage carries a generic page context signal.
type ContextSignalMessage struct {
	ContextSignal
}

// LoginFormDetectedMessage is the higher-priority signal sent when a page
// gains a login form. It always causes a backend round-trip.
type LoginFormDetectedMessage struct {
	ContextSignal
}

// FillCredentialMessage asks the coordinator to resolve and decrypt a
// vault item for the page.
type FillCredentialMessage struct {
	PredictionID string `json:"predictionId" validate:"required"`
	VaultItemID  string `json:"vaultItemId" validate:"required"`
	Domain       string `json:"domain" validate:"max=253"`
}

// RecordFeedbackMessage forwards a FeedbackEvent.
type RecordFeedbackMessage struct {
	FeedbackEvent
}

// AutofillReadyMessage reports a page-side single confident prediction.
type AutofillReadyMessage struct {
	PredictionID string  `json:"predictionId" validate:"required"`
	VaultItemID  string  `json:"vaultItemId" validate:"required"`
	Confidence   float64 `json:"confidence" validate:"gte=0,lte=1"`
	Domain       string  `json:"domain" validate:"max=253"`
}

// GetPredictionsMessage asks for predictions for a site.
type GetPredictionsMessage struct {
	Domain string `json:"domain" validate:"required,max=253"`
}

// SetAuthTokenMessage replaces the bearer token. An empty token logs out.
type SetAuthTokenMessage struct {
	Token string `json:"token"`
}

// ToggleEnabledMessage turns the whole pipeline on or off.
type ToggleEnabledMessage struct {
	Enabled bool `json:"enabled"`
}

func (ContextSignalMessage) Kind() MessageKind     { return KindContextSignal }
func (LoginFormDetectedMessage) Kind() MessageKind { return KindLoginFormDetected }
func (FillCredentialMessage) Kind() MessageKind    { return KindFillCredential }
func (RecordFeedbackMessage) Kind() MessageKind    { return KindRecordFeedback }
func (AutofillReadyMessage) Kind() MessageKind     { return KindAutofillReady }
func (GetPredictionsMessage) Kind() MessageKind    { return KindGetPredictions }
func (SetAuthTokenMessage) Kind() MessageKind      { return KindSetAuthToken }
func (ToggleEnabledMessage) Kind() MessageKind     { return KindToggleEnabled }

func (ContextSignalMessage) isMessage()     {}
func (LoginFormDetectedMessage) isMessage() {}
func (FillCredentialMessage) isMessage()    {}
func (RecordFeedbackMessage) isMessage()    {}
func (AutofillReadyMessage) isMessage()     {}
func (GetPredictionsMessage) isMessage()    {}
func (SetAuthTokenMessage) isMessage()      {}
func (ToggleEnabledMessage) isMessage()     {}

// =============================================================================
// Envelope
// =============================================================================

// Envelope is the wire form of a request. ID correlates the single reply
// on transports that multiplex requests; TabID is filled in by the
// transport, never trusted from page payloads.
type Envelope struct {
	ID    string          `json:"id,omitempty"`
	Type  MessageKind     `json:"type"`
	TabID int             `json:"tabId,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeMessage wraps msg in an envelope.
func EncodeMessage(msg Message) (Envelope, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	return Envelope{Type: msg.Kind(), Data: data}, nil
}

// DecodeMessage turns an envelope into its typed variant and validates
// the payload. Unknown types yield ErrUnknownMessage.
func DecodeMessage(env Envelope) (Message, error) {
	var msg Message
	switch env.Type {
	case KindContextSignal:
		msg = &ContextSignalMessage{}
	case KindLoginFormDetected:
		msg = &LoginFormDetectedMessage{}
	case KindFillCredential:
		msg = &FillCredentialMessage{}
	case KindRecordFeedback:
		msg = &RecordFeedbackMessage{}
	case KindAutofillReady:
		msg = &AutofillReadyMessage{}
	case KindGetPredictions:
		msg = &GetPredictionsMessage{}
	case KindSetAuthToken:
		msg = &SetAuthTokenMessage{}
	case KindToggleEnabled:
		msg = &ToggleEnabledMessage{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, env.Type)
	}

	data := env.Data
	if len(data) == 0 {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	if err := Validate(msg); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", env.Type, err)
	}
	return deref(msg), nil
}

// deref converts the pointer used for unmarshalling back to the value
// variant handlers switch on.
func deref(msg Message) Message {
	switch m := msg.(type) {
	case *ContextSignalMessage:
		return *m
	case *LoginFormDetectedMessage:
		return *m
	case *FillCredentialMessage:
		return *m
	case *RecordFeedbackMessage:
		return *m
	case *AutofillReadyMessage:
		return *m
	case *GetPredictionsMessage:
		return *m
	case *SetAuthTokenMessage:
		return *m
	case *ToggleEnabledMessage:
		return *m
	}
	return msg
}

// =============================================================================
// Response
// =============================================================================

// Response is the single reply to a request.
type Response struct {
	Success          bool             `json:"success"`
	Error            string           `json:"error,omitempty"`
	Predictions      []PredictionItem `json:"predictions,omitempty"`
	FromCache        bool             `json:"fromCache,omitempty"`
	Pending          bool             `json:"pending,omitempty"`
	LoginProbability *float64         `json:"loginProbability,omitempty"`
	Credential       *Credential      `json:"credential,omitempty"`
}

// OK returns an empty successful response.
func OK() Response {
	return Response{Success: true}
}

// Fail returns a tagged failure response.
func Fail(err error) Response {
	if err == nil {
		return Response{Success: false}
	}
	return Response{Success: false, Error: err.Error()}
}

// =============================================================================
// Notifications
// =============================================================================

// Notification is an unsolicited coordinator -> page message.
type Notification struct {
	Type MessageKind     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// PredictionsUpdate is the payload of a PREDICTIONS_UPDATE notification.
type PredictionsUpdate struct {
	Domain      string           `json:"domain"`
	Predictions []PredictionItem `json:"predictions"`
}

// NewPredictionsUpdate builds a PREDICTIONS_UPDATE notification.
func NewPredictionsUpdate(domain string, preds []PredictionItem) Notification {
	data, _ := json.Marshal(PredictionsUpdate{Domain: domain, Predictions: ClonePredictions(preds)})
	return Notification{Type: KindPredictionsUpdate, Data: data}
}

// NewAutofillDisabled builds an AUTOFILL_DISABLED notification.
func NewAutofillDisabled() Notification {
	return Notification{Type: KindAutofillDisabled, Data: json.RawMessage("{}")}
}

// DecodePredictionsUpdate extracts the payload of a PREDICTIONS_UPDATE.
func DecodePredictionsUpdate(n Notification) (PredictionsUpdate, error) {
	var update PredictionsUpdate
	if n.Type != KindPredictionsUpdate {
		return update, fmt.Errorf("notification %s is not %s", n.Type, KindPredictionsUpdate)
	}
	if err := json.Unmarshal(n.Data, &update); err != nil {
		return update, fmt.Errorf("decode predictions update: %w", err)
	}
	return update, nil
}

// NewAutofillReady builds the notification telling a tab that exactly one
// prediction is confident enough to fill without asking.
func NewAutofillReady(msg AutofillReadyMessage) Notification {
	data, _ := json.Marshal(msg)
	return Notification{Type: KindAutofillReady, Data: data}
}

// DecodeAutofillReady extracts the payload of an AUTOFILL_READY notification.
func DecodeAutofillReady(n Notification) (AutofillReadyMessage, error) {
	var msg AutofillReadyMessage
	if n.Type != KindAutofillReady {
		return msg, fmt.Errorf("notification %s is not %s", n.Type, KindAutofillReady)
	}
	if err := json.Unmarshal(n.Data, &msg); err != nil {
		return msg, fmt.Errorf("decode autofill ready: %w", err)
	}
	return msg, nil
}
