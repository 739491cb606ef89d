package gcp

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
)

// NewFirestoreClient creates and returns a new Firestore client for the given project ID.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return client, nil
}

// FindByField returns the id of the first document in collection whose field
// equals value.
func FindByField(ctx context.Context, client *firestore.Client, collection, field string, value any) (string, bool, error) {
	docs, err := client.Collection(collection).Where(field, "==", value).Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return "", false, fmt.Errorf("failed to query %s by %s: %w", collection, field, err)
	}
	if len(docs) == 0 {
		return "", false, nil
	}
	return docs[0].Ref.ID, true, nil
}

// UpdateStatus sets the status field of a record and, when errDetails is not
// empty, its errorDetails field. Extra updates are applied in the same write.
func UpdateStatus(ctx context.Context, docRef *firestore.DocumentRef, status, errDetails string, extra ...firestore.Update) error {
	updates := []firestore.Update{
		{Path: "status", Value: status},
	}
	if errDetails != "" {
		updates = append(updates, firestore.Update{Path: "errorDetails", Value: errDetails})
	}
	updates = append(updates, extra...)
	if _, err := docRef.Update(ctx, updates); err != nil {
		return fmt.Errorf("failed to set status %s on %s: %w", status, docRef.ID, err)
	}
	return nil
}
