package remote

import (
	"fmt"
	"strings"
	"time"

	apperr "github.com/alexjbarnes/plantsync/internal/errors"
	"github.com/alexjbarnes/plantsync/internal/models"
	"github.com/tidwall/gjson"
)

// The server has shipped several spellings for the same fields over
// time. Each list is tried in order and the first present value wins.
var (
	idFields       = []string{"_id", "id"}
	categoryFields = []string{"category", "type"}
	ownerFields    = []string{"owner", "username"}
	createdFields  = []string{"createdAt", "created_at", "created"}
	plantIDFields  = []string{"plantId", "plant_id"}
	authorFields   = []string{"author", "username"}
	textFields     = []string{"text", "message", "body"}
	chatTimeFields = []string{"chattime", "chatTime", "time"}
)

func first(obj gjson.Result, fields []string) gjson.Result {
	for _, f := range fields {
		if v := obj.Get(f); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}

	return gjson.Result{}
}

func firstString(obj gjson.Result, fields []string) string {
	return strings.TrimSpace(first(obj, fields).String())
}

// parseTime accepts RFC 3339 strings and unix milliseconds.
func parseTime(v gjson.Result) (time.Time, bool) {
	switch v.Type {
	case gjson.Number:
		return time.UnixMilli(v.Int()).UTC(), true
	case gjson.String:
		s := strings.TrimSpace(v.Str)
		if s == "" {
			return time.Time{}, false
		}

		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC(), true
		}
	}

	return time.Time{}, false
}

// listItems returns the array of entities in body. Bare arrays and the
// wrapped forms {"<key>": [...]} and {"data": [...]} are accepted.
func listItems(body []byte, key string) ([]gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("response is not valid JSON: %w", apperr.ErrRemoteServerError)
	}

	root := gjson.ParseBytes(body)
	if root.IsArray() {
		return root.Array(), nil
	}

	for _, k := range []string{key, "data", "items"} {
		if v := root.Get(k); v.IsArray() {
			return v.Array(), nil
		}
	}

	return nil, fmt.Errorf("response has no %s list: %w", key, apperr.ErrRemoteServerError)
}

// singleItem returns the entity in body, unwrapping {"<key>": {...}}.
func singleItem(body []byte, key string) (gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("response is not valid JSON: %w", apperr.ErrRemoteServerError)
	}

	root := gjson.ParseBytes(body)
	if v := root.Get(key); v.IsObject() {
		return v, nil
	}

	if root.IsObject() {
		return root, nil
	}

	return gjson.Result{}, fmt.Errorf("response is not a %s object: %w", key, apperr.ErrRemoteServerError)
}

// plantRecord maps one plant object onto a remote-origin record.
// Objects without an id cannot be reconciled and are rejected.
func plantRecord(obj gjson.Result) (models.Record, error) {
	id := firstString(obj, idFields)
	if id == "" {
		return models.Record{}, fmt.Errorf("plant without id: %w", apperr.ErrInvalidPayload)
	}

	plant := &models.Plant{
		Name:        strings.TrimSpace(obj.Get("name").String()),
		Owner:       firstString(obj, ownerFields),
		Category:    firstString(obj, categoryFields),
		Description: strings.TrimSpace(obj.Get("description").String()),
	}

	rec := models.Record{
		ServerID:   id,
		Kind:       models.KindPlants,
		Payload:    models.Payload{Plant: plant},
		Origin:     models.OriginRemote,
		SyncStatus: models.StatusSynced,
	}

	if t, ok := parseTime(first(obj, createdFields)); ok {
		rec.CreatedAt = t
		rec.UpdatedAt = t
	}

	return rec, nil
}

// chatRecord maps one chat message object onto a remote-origin record.
func chatRecord(obj gjson.Result) (models.Record, error) {
	id := firstString(obj, idFields)
	if id == "" {
		return models.Record{}, fmt.Errorf("chat message without id: %w", apperr.ErrInvalidPayload)
	}

	msg := &models.ChatMessage{
		PlantID: firstString(obj, plantIDFields),
		Author:  firstString(obj, authorFields),
		Text:    first(obj, textFields).String(),
	}

	sent, ok := parseTime(first(obj, chatTimeFields))
	if !ok {
		sent, ok = parseTime(first(obj, createdFields))
	}

	if ok {
		msg.Time = sent
	}

	rec := models.Record{
		ServerID:   id,
		Kind:       models.KindChatMessages,
		Payload:    models.Payload{Chat: msg},
		Origin:     models.OriginRemote,
		SyncStatus: models.StatusSynced,
	}

	if t, ok := parseTime(first(obj, createdFields)); ok {
		rec.CreatedAt = t
	} else {
		rec.CreatedAt = msg.Time
	}

	rec.UpdatedAt = rec.CreatedAt

	return rec, nil
}

// decodeList normalizes every item with fn, skipping items that fail.
// The number skipped is returned so callers can log it.
func decodeList(items []gjson.Result, fn func(gjson.Result) (models.Record, error)) ([]models.Record, int) {
	out := make([]models.Record, 0, len(items))
	skipped := 0

	for _, item := range items {
		rec, err := fn(item)
		if err != nil {
			skipped++
			continue
		}

		out = append(out, rec)
	}

	return out, skipped
}

// createdID extracts the server id from a create response. Some
// deployments answer with the full object, others with {"id": "..."}.
func createdID(body []byte, key string) (string, error) {
	obj, err := singleItem(body, key)
	if err != nil {
		return "", err
	}

	id := firstString(obj, idFields)
	if id == "" {
		return "", fmt.Errorf("create response has no id: %w", apperr.ErrRemoteServerError)
	}

	return id, nil
}
