package remote

import (
	"context"
	"fmt"

	apperr "github.com/alexjbarnes/plantsync/internal/errors"
	"github.com/alexjbarnes/plantsync/internal/models"
)

// Upload submits rec to the endpoint for its kind and returns the
// server id. Users are read-only on this client.
func (c *Client) Upload(ctx context.Context, rec models.Record) (string, error) {
	switch rec.Kind {
	case models.KindPlants:
		return c.CreatePlant(ctx, rec)
	case models.KindChatMessages:
		return c.CreateChatMessage(ctx, rec)
	}

	return "", fmt.Errorf("uploading %s: %w", rec.Kind, apperr.ErrUnsupportedKind)
}

// FetchOptions narrows a snapshot fetch.
type FetchOptions struct {
	// PlantID selects the chat room for chat message snapshots.
	PlantID string
	List    ListOptions
}

// Fetch returns the remote snapshot for kind. A chat snapshot without a
// plant id is empty: the server only lists messages per plant.
func (c *Client) Fetch(ctx context.Context, kind models.Kind, opts FetchOptions) ([]models.Record, error) {
	switch kind {
	case models.KindPlants:
		return c.ListPlants(ctx, opts.List)
	case models.KindChatMessages:
		if opts.PlantID == "" {
			return nil, nil
		}

		return c.ListChatMessages(ctx, opts.PlantID)
	}

	return nil, fmt.Errorf("fetching %s: %w", kind, apperr.ErrUnsupportedKind)
}
