// Package reconcile matches provisional local records to their remote
// counterparts and builds the merged view the UI renders. Everything in
// this package is pure: no I/O, no clocks.
package reconcile

import (
	"sort"
	"strings"
	"time"

	"github.com/alexjbarnes/plantsync/internal/models"
	"github.com/cespare/xxhash/v2"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// chatTimeBucket is the precision of a chat message's time inside its
// signature. Server clocks and client clocks rarely agree to the second.
const chatTimeBucket = time.Minute

// Signature derives the identity string used to match a local record
// with a remote one before a server id exists. This is the only place
// the rule is defined.
//
// Each identifying field is normalized (NFKC, case-folded, whitespace
// collapsed) and labelled; the labelled fields are sorted and joined
// with "|" so the result does not depend on field order.
func Signature(p models.Payload) string {
	var fields []string

	switch {
	case p.Plant != nil:
		fields = []string{
			"name=" + normalize(p.Plant.Name),
			"owner=" + normalize(p.Plant.Owner),
			"category=" + normalize(p.Plant.Category),
		}
	case p.Chat != nil:
		fields = []string{
			"plant=" + normalize(p.Chat.PlantID),
			"author=" + normalize(p.Chat.Author),
			"text=" + normalize(p.Chat.Text),
		}
		if !p.Chat.Time.IsZero() {
			fields = append(fields, "time="+p.Chat.Time.UTC().Truncate(chatTimeBucket).Format(time.RFC3339))
		}
	case p.User != nil:
		fields = []string{"username=" + normalize(p.User.Username)}
	default:
		return ""
	}

	sort.Strings(fields)

	return strings.Join(fields, "|")
}

// SignatureKey returns a 64-bit digest of a signature for use as a
// compact map key or log field.
func SignatureKey(sig string) uint64 {
	return xxhash.Sum64String(sig)
}

func normalize(s string) string {
	s = norm.NFKC.String(s)
	// A Caser is stateful; make one per call.
	s = cases.Fold().String(s)

	return strings.Join(strings.Fields(s), " ")
}
