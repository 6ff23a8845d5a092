// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package events defines the envelope carried on the platform's streams.
// Trace, span and feedback-score mutations on the request path are wrapped
// in an Envelope and appended to a stream; the asynchronous layer decodes
// them and fans out to the registered handlers.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies what happened to which resource.
type Type string

const (
	TraceCreated Type = "trace.created"
	TraceUpdated Type = "trace.updated"
	TraceDeleted Type = "trace.deleted"

	SpanCreated Type = "span.created"
	SpanUpdated Type = "span.updated"
	SpanDeleted Type = "span.deleted"

	FeedbackScoreCreated Type = "feedback_score.created"
	FeedbackScoreDeleted Type = "feedback_score.deleted"
)

// AllTypes lists every event type the platform emits.
func AllTypes() []Type {
	return []Type{
		TraceCreated, TraceUpdated, TraceDeleted,
		SpanCreated, SpanUpdated, SpanDeleted,
		FeedbackScoreCreated, FeedbackScoreDeleted,
	}
}

// Envelope is one event as carried on a stream. Payload is the raw JSON of
// the resource the event describes; handlers decode it into their own
// types.
type Envelope struct {
	ID          string          `json:"id"`
	Type        Type            `json:"type"`
	WorkspaceID string          `json:"workspace_id,omitempty"`
	ProjectID   string          `json:"project_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope around a payload value, assigning a fresh event ID
// and timestamp.
func New(t Type, workspaceID, projectID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal event payload: %w", err)
	}
	return Envelope{
		ID:          uuid.NewString(),
		Type:        t,
		WorkspaceID: workspaceID,
		ProjectID:   projectID,
		CreatedAt:   time.Now().UTC(),
		Payload:     raw,
	}, nil
}
