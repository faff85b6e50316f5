package store

import (
	"context"
	"errors"

	"github.com/halcyon-ai/casefile/internal/event"
)

// DocTypeSession is the document discriminator for session snapshots.
// The container may co-house other document types; every query MUST filter
// on _docType to avoid cross-type leakage.
const DocTypeSession = "session"

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("document not found")

// SessionDocument is the persisted shape of a session snapshot.
// Runtime-only session state (subscribers, cancel signal, timers) is never
// part of this document.
type SessionDocument struct {
	DocType     string                    `json:"_docType" firestore:"_docType"`
	ID          string                    `json:"id" firestore:"id"`
	Scenario    string                    `json:"scenario" firestore:"scenario"`
	Status      string                    `json:"status" firestore:"status"`
	CreatedAt   string                    `json:"created_at" firestore:"created_at"`
	UpdatedAt   string                    `json:"updated_at" firestore:"updated_at"`
	AlertText   string                    `json:"alert_text" firestore:"alert_text"`
	ThreadID    string                    `json:"thread_id" firestore:"thread_id"`
	TurnCount   int                       `json:"turn_count" firestore:"turn_count"`
	Diagnosis   string                    `json:"diagnosis" firestore:"diagnosis"`
	RunMeta     *event.RunCompletePayload `json:"run_meta,omitempty" firestore:"run_meta"`
	ErrorDetail string                    `json:"error_detail" firestore:"error_detail"`
	Steps       []event.StepPayload       `json:"steps" firestore:"steps"`
	EventLog    []event.Event             `json:"event_log" firestore:"event_log"`
}

// Query selects session documents. The _docType filter is applied by every
// implementation; callers only narrow by status and page size.
type Query struct {
	// Status filters on session status when non-empty.
	Status string

	// Scenario restricts the query to one partition when non-empty.
	Scenario string

	// Limit caps the number of returned documents; 0 means implementation default.
	Limit int
}

// DocumentStore is the persistence interface the core writes through.
// Upserts are assumed idempotent: writing the same snapshot twice leaves a
// single stored document equal to the final state.
type DocumentStore interface {
	// Get loads a document by id within a partition. Returns ErrNotFound
	// when absent.
	Get(ctx context.Context, id, partitionKey string) (*SessionDocument, error)

	// Upsert writes a document, replacing any previous version.
	Upsert(ctx context.Context, doc *SessionDocument) error

	// Delete removes a document. Deleting an absent document is not an error.
	Delete(ctx context.Context, id, partitionKey string) error

	// List returns session documents matching the query, newest first by
	// updated_at.
	List(ctx context.Context, q Query) ([]*SessionDocument, error)
}
