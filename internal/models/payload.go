package models

import (
	"fmt"
	"strings"
	"time"

	apperr "github.com/alexjbarnes/plantsync/internal/errors"
)

// Plant is a user's plant listing.
type Plant struct {
	Name        string `json:"name"`
	Owner       string `json:"owner"`
	Category    string `json:"category"`
	Description string `json:"description,omitempty"`
	// PhotoRef is a path to an already compressed photo on local disk,
	// uploaded alongside the plant.
	PhotoRef string `json:"photo_ref,omitempty"`
}

// ChatMessage is a message posted on a plant's chat.
type ChatMessage struct {
	PlantID string    `json:"plant_id"`
	Author  string    `json:"author"`
	Text    string    `json:"text"`
	Time    time.Time `json:"time"`
}

// User is a cached user profile. Users are never uploaded.
type User struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
}

// Payload holds exactly one of the kind-specific structs.
type Payload struct {
	Plant *Plant       `json:"plant,omitempty"`
	Chat  *ChatMessage `json:"chat,omitempty"`
	User  *User        `json:"user,omitempty"`
}

// Kind derives the record kind from the populated field.
func (p Payload) Kind() Kind {
	switch {
	case p.Plant != nil:
		return KindPlants
	case p.Chat != nil:
		return KindChatMessages
	case p.User != nil:
		return KindUsers
	}

	return ""
}

// Validate checks that exactly one payload is set and that its
// identifying fields are present.
func (p Payload) Validate() error {
	set := 0
	if p.Plant != nil {
		set++
	}

	if p.Chat != nil {
		set++
	}

	if p.User != nil {
		set++
	}

	if set != 1 {
		return fmt.Errorf("payload must hold exactly one entity, got %d: %w", set, apperr.ErrInvalidPayload)
	}

	switch {
	case p.Plant != nil:
		if strings.TrimSpace(p.Plant.Name) == "" {
			return fmt.Errorf("plant name is required: %w", apperr.ErrInvalidPayload)
		}

		if strings.TrimSpace(p.Plant.Owner) == "" {
			return fmt.Errorf("plant owner is required: %w", apperr.ErrInvalidPayload)
		}
	case p.Chat != nil:
		if strings.TrimSpace(p.Chat.PlantID) == "" {
			return fmt.Errorf("chat plant id is required: %w", apperr.ErrInvalidPayload)
		}

		if strings.TrimSpace(p.Chat.Author) == "" {
			return fmt.Errorf("chat author is required: %w", apperr.ErrInvalidPayload)
		}

		if strings.TrimSpace(p.Chat.Text) == "" {
			return fmt.Errorf("chat text is required: %w", apperr.ErrInvalidPayload)
		}
	case p.User != nil:
		if strings.TrimSpace(p.User.Username) == "" {
			return fmt.Errorf("username is required: %w", apperr.ErrInvalidPayload)
		}
	}

	return nil
}

// Clone returns a deep copy of p.
func (p Payload) Clone() Payload {
	var out Payload

	if p.Plant != nil {
		v := *p.Plant
		out.Plant = &v
	}

	if p.Chat != nil {
		v := *p.Chat
		out.Chat = &v
	}

	if p.User != nil {
		v := *p.User
		out.User = &v
	}

	return out
}
