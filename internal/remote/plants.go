package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	apperr "github.com/alexjbarnes/plantsync/internal/errors"
	"github.com/alexjbarnes/plantsync/internal/models"
)

// ListOptions are the query parameters accepted by GET /plants.
type ListOptions struct {
	SortBy string
	// Order is "asc" or "desc".
	Order string
	// Since limits the listing to plants created after the cursor.
	Since time.Time
}

func (o ListOptions) query() url.Values {
	q := url.Values{}
	if o.SortBy != "" {
		q.Set("sortBy", o.SortBy)
	}

	if o.Order != "" {
		q.Set("order", o.Order)
	}

	if !o.Since.IsZero() {
		q.Set("since", o.Since.UTC().Format(time.RFC3339))
	}

	return q
}

// CreatePlant uploads rec as a multipart form and returns the id the
// server assigned. The photo, if any, is read from disk at send time;
// a missing file is a permanent ErrInvalidPayload.
func (c *Client) CreatePlant(ctx context.Context, rec models.Record) (string, error) {
	plant := rec.Payload.Plant
	if plant == nil {
		return "", fmt.Errorf("%s has no plant payload: %w", rec.Ref(), apperr.ErrInvalidPayload)
	}

	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)

	fields := [][2]string{
		{"name", plant.Name},
		{"type", plant.Category},
		{"description", plant.Description},
		{"owner", plant.Owner},
		{"clientId", rec.IdempotencyKey},
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return "", fmt.Errorf("writing form field %s: %w", f[0], err)
		}
	}

	if plant.PhotoRef != "" {
		if err := attachPhoto(mw, plant.PhotoRef); err != nil {
			return "", err
		}
	}

	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("closing multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/plants", &buf)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", mw.FormDataContentType())
	setIdempotencyKey(req, rec.IdempotencyKey)

	body, err := c.do(req)
	if err != nil {
		return "", err
	}

	return createdID(body, "plant")
}

func attachPhoto(mw *multipart.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening photo %s: %w: %w", path, apperr.ErrInvalidPayload, err)
	}
	defer f.Close()

	part, err := mw.CreateFormFile("photo", filepath.Base(path))
	if err != nil {
		return fmt.Errorf("creating photo part: %w", err)
	}

	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("reading photo %s: %w: %w", path, apperr.ErrInvalidPayload, err)
	}

	return nil
}

// ListPlants returns the server's plants as remote-origin records.
// Items the server sends without an id are dropped.
func (c *Client) ListPlants(ctx context.Context, opts ListOptions) ([]models.Record, error) {
	u := c.baseURL + "/plants"
	if q := opts.query(); len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	items, err := listItems(body, "plants")
	if err != nil {
		return nil, err
	}

	recs, skipped := decodeList(items, plantRecord)
	if skipped > 0 && c.logger != nil {
		c.logger.Warn("dropped plants without id", slog.Int("count", skipped))
	}

	return recs, nil
}

// GetPlant fetches one plant by server id.
func (c *Client) GetPlant(ctx context.Context, id string) (models.Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/plants/"+url.PathEscape(id), nil)
	if err != nil {
		return models.Record{}, fmt.Errorf("creating request: %w", err)
	}

	body, err := c.do(req)
	if err != nil {
		return models.Record{}, err
	}

	obj, err := singleItem(body, "plant")
	if err != nil {
		return models.Record{}, err
	}

	return plantRecord(obj)
}

func setIdempotencyKey(req *http.Request, key string) {
	if key != "" {
		req.Header.Set(IdempotencyHeader, key)
	}
}
