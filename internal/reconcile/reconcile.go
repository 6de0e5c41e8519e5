package reconcile

import (
	"sort"

	"github.com/alexjbarnes/plantsync/internal/models"
)

// Result is the outcome of a reconciliation pass. The caller deletes
// the Retire records from the local store; Merged is what to display.
type Result struct {
	Merged []models.Record
	Retire []models.RecordRef
}

// candidate is a record plus where it came from. Fresh remote records
// (from the snapshot just fetched) beat cached remote copies held in
// the local store.
type candidate struct {
	rec   models.Record
	fresh bool
}

type group struct {
	kind   models.Kind
	sig    string
	remote []candidate
	local  []candidate
}

// groupSet buckets records by (kind, signature) using the xxhash digest
// as the bucket key and the full signature to resolve collisions.
type groupSet struct {
	buckets map[uint64][]*group
	order   []*group
}

func (gs *groupSet) get(kind models.Kind, sig string) *group {
	key := SignatureKey(string(kind) + "\x00" + sig)

	for _, g := range gs.buckets[key] {
		if g.kind == kind && g.sig == sig {
			return g
		}
	}

	g := &group{kind: kind, sig: sig}
	gs.buckets[key] = append(gs.buckets[key], g)
	gs.order = append(gs.order, g)

	return g
}

// Reconcile merges the contents of the local store with a remote
// snapshot.
//
// The local slice may contain both local-origin records and cached
// remote-origin copies. Rules, per (kind, signature) group:
//   - if any remote-origin record exists it is authoritative and every
//     local-origin record in the group is retired;
//   - otherwise the most recently modified local record is kept and the
//     others are retired (duplicate offline submissions).
//
// A local record whose server id matches a remote record is retired
// even if the server changed an identifying field. Signatures are
// recomputed, never trusted from storage; apart from that field the
// records are returned unchanged.
func Reconcile(local, remote []models.Record) Result {
	gs := &groupSet{buckets: make(map[uint64][]*group)}
	remoteIDs := make(map[serverKey]bool)

	add := func(rec models.Record, fresh bool) {
		rec.Signature = Signature(rec.Payload)
		g := gs.get(rec.Kind, rec.Signature)

		if rec.Origin == models.OriginRemote {
			g.remote = append(g.remote, candidate{rec: rec, fresh: fresh})
			if rec.ServerID != "" {
				remoteIDs[serverKey{rec.Kind, rec.ServerID}] = true
			}

			return
		}

		g.local = append(g.local, candidate{rec: rec})
	}

	for _, rec := range remote {
		// Anything handed in as a snapshot is remote by definition.
		rec.Origin = models.OriginRemote
		add(rec, true)
	}

	for _, rec := range local {
		add(rec, false)
	}

	var res Result

	for _, g := range gs.order {
		var keepLocal []candidate

		for _, c := range g.local {
			if c.rec.ServerID != "" && remoteIDs[serverKey{c.rec.Kind, c.rec.ServerID}] {
				res.Retire = append(res.Retire, c.rec.Ref())
				continue
			}

			keepLocal = append(keepLocal, c)
		}

		if len(g.remote) > 0 {
			res.Merged = append(res.Merged, pickRemote(g.remote))

			for _, c := range keepLocal {
				res.Retire = append(res.Retire, c.rec.Ref())
			}

			continue
		}

		if len(keepLocal) == 0 {
			continue
		}

		winner := pickLocal(keepLocal)
		res.Merged = append(res.Merged, keepLocal[winner].rec)

		for i, c := range keepLocal {
			if i != winner {
				res.Retire = append(res.Retire, c.rec.Ref())
			}
		}
	}

	sortRecords(res.Merged)
	sort.Slice(res.Retire, func(i, j int) bool {
		if res.Retire[i].Kind != res.Retire[j].Kind {
			return res.Retire[i].Kind < res.Retire[j].Kind
		}

		return res.Retire[i].LocalID < res.Retire[j].LocalID
	})

	return res
}

type serverKey struct {
	kind models.Kind
	id   string
}

// pickRemote prefers a freshly fetched copy over a cached one, then the
// most recently modified, then the lowest server id for determinism.
func pickRemote(cs []candidate) models.Record {
	best := cs[0]

	for _, c := range cs[1:] {
		if c.fresh != best.fresh {
			if c.fresh {
				best = c
			}

			continue
		}

		bm, cm := best.rec.Modified(), c.rec.Modified()
		if cm.After(bm) || (cm.Equal(bm) && c.rec.ServerID < best.rec.ServerID) {
			best = c
		}
	}

	return best.rec
}

// pickLocal returns the index of the local record to keep: the latest
// Modified time, ties going to the higher local id (created later).
func pickLocal(cs []candidate) int {
	best := 0

	for i := 1; i < len(cs); i++ {
		bm, cm := cs[best].rec.Modified(), cs[i].rec.Modified()
		if cm.After(bm) || (cm.Equal(bm) && cs[i].rec.LocalID > cs[best].rec.LocalID) {
			best = i
		}
	}

	return best
}

// sortRecords gives Reconcile a deterministic output order: creation
// time, then local id, then server id.
func sortRecords(recs []models.Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}

		if a.LocalID != b.LocalID {
			return a.LocalID < b.LocalID
		}

		return a.ServerID < b.ServerID
	})
}
