package reconcile

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alexjbarnes/plantsync/internal/models"
)

// SortField selects the ordering of a materialized view.
type SortField string

const (
	SortCreated  SortField = "created"
	SortName     SortField = "name"
	SortCategory SortField = "category"
)

// ParseSortField maps user input to a SortField. Empty input means
// creation order.
func ParseSortField(s string) (SortField, error) {
	switch SortField(strings.ToLower(strings.TrimSpace(s))) {
	case "", SortCreated:
		return SortCreated, nil
	case SortName:
		return SortName, nil
	case SortCategory:
		return SortCategory, nil
	}

	return "", fmt.Errorf("unknown sort field %q", s)
}

// ViewOptions filters and orders a materialized view. Empty filters
// match everything.
type ViewOptions struct {
	Kind       models.Kind
	Category   string
	Owner      string
	PlantID    string
	SortBy     SortField
	Descending bool
}

// Materialize merges the local store contents with a remote snapshot
// and returns the list to render. It is deterministic for identical
// inputs.
func Materialize(local, remote []models.Record, opts ViewOptions) []models.Record {
	merged := Reconcile(local, remote).Merged

	out := make([]models.Record, 0, len(merged))
	for _, rec := range merged {
		if opts.match(rec) {
			out = append(out, rec)
		}
	}

	sortBy := opts.SortBy
	if sortBy == "" {
		sortBy = SortCreated
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]

		c := compare(a, b, sortBy)
		if c == 0 {
			return tieBreak(a, b)
		}

		if opts.Descending {
			return c > 0
		}

		return c < 0
	})

	return out
}

func (o ViewOptions) match(rec models.Record) bool {
	if o.Kind != "" && rec.Kind != o.Kind {
		return false
	}

	p := rec.Payload

	if o.Category != "" && (p.Plant == nil || !strings.EqualFold(p.Plant.Category, o.Category)) {
		return false
	}

	if o.Owner != "" && (p.Plant == nil || !strings.EqualFold(p.Plant.Owner, o.Owner)) {
		return false
	}

	if o.PlantID != "" && (p.Chat == nil || p.Chat.PlantID != o.PlantID) {
		return false
	}

	return true
}

func compare(a, b models.Record, by SortField) int {
	switch by {
	case SortName:
		return strings.Compare(normalize(displayName(a)), normalize(displayName(b)))
	case SortCategory:
		if c := strings.Compare(normalize(category(a)), normalize(category(b))); c != 0 {
			return c
		}

		return strings.Compare(normalize(displayName(a)), normalize(displayName(b)))
	}

	return createdAt(a).Compare(createdAt(b))
}

// tieBreak keeps equal keys in a fixed order regardless of direction.
func tieBreak(a, b models.Record) bool {
	if a.ServerID != b.ServerID {
		return a.ServerID < b.ServerID
	}

	return a.LocalID < b.LocalID
}

func displayName(r models.Record) string {
	switch {
	case r.Payload.Plant != nil:
		return r.Payload.Plant.Name
	case r.Payload.Chat != nil:
		return r.Payload.Chat.Author
	case r.Payload.User != nil:
		return r.Payload.User.Username
	}

	return ""
}

func category(r models.Record) string {
	if r.Payload.Plant != nil {
		return r.Payload.Plant.Category
	}

	return ""
}

// createdAt prefers the message time for chat, which is what the
// author saw when sending.
func createdAt(r models.Record) time.Time {
	if r.Payload.Chat != nil && !r.Payload.Chat.Time.IsZero() {
		return r.Payload.Chat.Time
	}

	return r.CreatedAt
}
