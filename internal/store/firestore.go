package store

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// sessionsCollection is the Firestore collection holding session documents.
// Other document types may share the collection, so every query filters on
// the _docType discriminator.
const sessionsCollection = "sessions"

// defaultListLimit bounds List queries that don't specify their own limit.
const defaultListLimit = 100

// FirestoreStore is the production DocumentStore backed by Firestore.
// Documents are keyed by session id; the scenario partition key is stored
// as a field and verified on point reads.
type FirestoreStore struct {
	client *firestore.Client
}

// NewFirestoreStore wraps an initialized Firestore client.
func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	if client == nil {
		return nil
	}
	return &FirestoreStore{client: client}
}

// Get implements DocumentStore.
func (f *FirestoreStore) Get(ctx context.Context, id, partitionKey string) (*SessionDocument, error) {
	if f == nil || f.client == nil {
		return nil, status.Error(codes.Internal, "firestore client is nil")
	}
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id must be non-empty")
	}

	snap, err := f.client.Collection(sessionsCollection).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}

	var doc SessionDocument
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse session %s: %w", id, err)
	}

	// Reject cross-type and cross-partition reads.
	if doc.DocType != DocTypeSession {
		return nil, ErrNotFound
	}
	if partitionKey != "" && doc.Scenario != partitionKey {
		return nil, ErrNotFound
	}

	return &doc, nil
}

// Upsert implements DocumentStore. Set replaces the whole document, so two
// successive upserts of the same snapshot leave one document equal to the
// final state.
func (f *FirestoreStore) Upsert(ctx context.Context, doc *SessionDocument) error {
	if f == nil || f.client == nil {
		return status.Error(codes.Internal, "firestore client is nil")
	}
	if doc == nil || doc.ID == "" || doc.Scenario == "" {
		return status.Error(codes.InvalidArgument, "id and scenario must be non-empty")
	}

	doc.DocType = DocTypeSession
	if _, err := f.client.Collection(sessionsCollection).Doc(doc.ID).Set(ctx, doc); err != nil {
		return fmt.Errorf("failed to upsert session %s: %w", doc.ID, err)
	}
	return nil
}

// Delete implements DocumentStore.
func (f *FirestoreStore) Delete(ctx context.Context, id, partitionKey string) error {
	if f == nil || f.client == nil {
		return status.Error(codes.Internal, "firestore client is nil")
	}
	if id == "" {
		return status.Error(codes.InvalidArgument, "id must be non-empty")
	}

	if _, err := f.client.Collection(sessionsCollection).Doc(id).Delete(ctx); err != nil {
		if status.Code(err) == codes.NotFound {
			return nil
		}
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

// List implements DocumentStore.
func (f *FirestoreStore) List(ctx context.Context, q Query) ([]*SessionDocument, error) {
	if f == nil || f.client == nil {
		return nil, status.Error(codes.Internal, "firestore client is nil")
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := f.client.Collection(sessionsCollection).
		Where("_docType", "==", DocTypeSession)
	if q.Status != "" {
		query = query.Where("status", "==", q.Status)
	}
	if q.Scenario != "" {
		query = query.Where("scenario", "==", q.Scenario)
	}
	query = query.OrderBy("updated_at", firestore.Desc).Limit(limit)

	iter := query.Documents(ctx)
	defer iter.Stop()

	var out []*SessionDocument
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list sessions: %w", err)
		}

		var doc SessionDocument
		if err := snap.DataTo(&doc); err != nil {
			// Skip documents that don't parse as sessions rather than
			// failing the whole listing.
			continue
		}
		out = append(out, &doc)
	}
	return out, nil
}
