package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	apperr "github.com/alexjbarnes/plantsync/internal/errors"
	"github.com/alexjbarnes/plantsync/internal/models"
)

type chatMessageRequest struct {
	PlantID  string `json:"plantId"`
	Author   string `json:"author"`
	Text     string `json:"text"`
	Time     string `json:"time"`
	ClientID string `json:"clientId,omitempty"`
}

// CreateChatMessage posts rec to the plant's chat and returns the id the
// server assigned.
func (c *Client) CreateChatMessage(ctx context.Context, rec models.Record) (string, error) {
	msg := rec.Payload.Chat
	if msg == nil {
		return "", fmt.Errorf("%s has no chat payload: %w", rec.Ref(), apperr.ErrInvalidPayload)
	}

	data, err := json.Marshal(chatMessageRequest{
		PlantID:  msg.PlantID,
		Author:   msg.Author,
		Text:     msg.Text,
		Time:     msg.Time.UTC().Format(time.RFC3339Nano),
		ClientID: rec.IdempotencyKey,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling chat message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat-messages", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	setIdempotencyKey(req, rec.IdempotencyKey)

	body, err := c.do(req)
	if err != nil {
		return "", err
	}

	return createdID(body, "message")
}

// ListChatMessages returns every message on a plant's chat.
func (c *Client) ListChatMessages(ctx context.Context, plantID string) ([]models.Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/chat-messages/"+url.PathEscape(plantID), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	items, err := listItems(body, "messages")
	if err != nil {
		return nil, err
	}

	recs, skipped := decodeList(items, chatRecord)
	if skipped > 0 && c.logger != nil {
		c.logger.Warn("dropped chat messages without id",
			slog.String("plant_id", plantID),
			slog.Int("count", skipped),
		)
	}

	// Older servers omit the plant id on items of a per-plant listing.
	for i := range recs {
		if recs[i].Payload.Chat.PlantID == "" {
			recs[i].Payload.Chat.PlantID = plantID
		}
	}

	return recs, nil
}

// DecodeChatMessage normalizes a single chat message object, as pushed
// by the live stream.
func DecodeChatMessage(data []byte) (models.Record, error) {
	obj, err := singleItem(data, "message")
	if err != nil {
		return models.Record{}, err
	}

	return chatRecord(obj)
}
