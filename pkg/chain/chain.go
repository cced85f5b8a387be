// Package chain reconstructs backup chains from an unordered remote listing.
//
// A chain is one full artifact followed by incrementals, each referencing its
// predecessor's snapshot timestamp. The listing carries no ordering guarantee,
// may mix datasets, and may contain names that do not parse; the resolver
// sorts all of that out and reports anything unrestorable instead of silently
// dropping it.
package chain

import (
	"fmt"
	"sort"

	"github.com/paulschiretz/pgl-zback/pkg/namecodec"
	"github.com/paulschiretz/pgl-zback/pkg/plog"
	"github.com/paulschiretz/pgl-zback/pkg/remote"
)

// Entry is one resolved artifact together with its remote object identity.
type Entry struct {
	Artifact namecodec.Artifact
	// Name is the remote object name the artifact was decoded from.
	Name string
	// Size is the advisory object size from the listing.
	Size int64
}

// State is the resolved chain situation for a single dataset.
// It is computed fresh on every resolution; never cache it across runs.
type State struct {
	// Chain is the restorable sequence: the most recent full artifact first,
	// then each incremental in parent order. Empty if no full artifact exists.
	Chain []Entry
	// Orphans are artifacts that parse correctly but are unreachable from the
	// chain root: fork losers and their descendants, incrementals behind a
	// missing parent, and all incrementals when no full exists.
	Orphans []Entry
}

// Corrupted reports whether the dataset carries orphaned artifacts that an
// operator should know about.
func (s *State) Corrupted() bool {
	return s != nil && len(s.Orphans) > 0
}

// Tip returns the last restorable artifact of the chain.
func (s *State) Tip() (Entry, bool) {
	if s == nil || len(s.Chain) == 0 {
		return Entry{}, false
	}
	return s.Chain[len(s.Chain)-1], true
}

// TotalSize sums the advisory sizes of all chain members.
func (s *State) TotalSize() int64 {
	var total int64
	if s == nil {
		return 0
	}
	for _, e := range s.Chain {
		total += e.Size
	}
	return total
}

// Result is the outcome of resolving one remote listing.
type Result struct {
	// Datasets maps each dataset found in the listing to its chain state.
	Datasets map[string]*State
	// Skipped counts listing entries that did not parse as artifact names.
	// Surfaced, never silent: foreign objects in the bucket are tolerated but
	// the operator should know they exist.
	Skipped int
}

// Dataset returns the state for one dataset, or nil if the listing held
// nothing for it.
func (r *Result) Dataset(name string) *State {
	if r == nil {
		return nil
	}
	return r.Datasets[name]
}

// Resolve reconstructs per-dataset chain states from a flat remote listing.
// Malformed names are counted and logged, never fatal. An empty listing
// yields an empty result.
func Resolve(objects []remote.Object) *Result {
	res := &Result{Datasets: make(map[string]*State)}

	grouped := make(map[string][]Entry)
	for _, obj := range objects {
		artifact, err := namecodec.Decode(obj.Name)
		if err != nil {
			res.Skipped++
			plog.Debug("Skipping unparsable remote object", "name", obj.Name, "error", err)
			continue
		}
		grouped[artifact.Dataset] = append(grouped[artifact.Dataset], Entry{
			Artifact: artifact,
			Name:     obj.Name,
			Size:     obj.Size,
		})
	}

	for dataset, entries := range grouped {
		res.Datasets[dataset] = resolveDataset(entries)
	}
	return res
}

// resolveDataset orders one dataset's artifacts into a chain plus orphans.
func resolveDataset(entries []Entry) *State {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Artifact.Timestamp.Before(entries[j].Artifact.Timestamp)
	})

	// Latest full artifact is the active chain root. Older fulls (and their
	// incrementals) remain restorable in place but are superseded, so they are
	// neither chain members nor orphans.
	rootIdx := -1
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Artifact.Kind == namecodec.Full {
			rootIdx = i
			break
		}
	}

	st := &State{}
	if rootIdx < 0 {
		// No restorable chain; every incremental is unreachable.
		st.Orphans = append(st.Orphans, entries...)
		return st
	}

	root := entries[rootIdx]

	// Forward map: parent timestamp -> children claiming it.
	children := make(map[string][]Entry)
	for _, e := range entries[rootIdx+1:] {
		if e.Artifact.Kind != namecodec.Incremental {
			continue
		}
		key := e.Artifact.Parent.Format(namecodec.TimestampLayout)
		children[key] = append(children[key], e)
	}

	st.Chain = append(st.Chain, root)
	visited := map[string]bool{root.Name: true}

	cur := root.Artifact.Timestamp
	for {
		kids := children[cur.Format(namecodec.TimestampLayout)]
		if len(kids) == 0 {
			break // current node is the chain tip
		}
		// Fork policy: the latest-timestamped child continues the chain; the
		// other branches are orphaned and reported, never silently dropped.
		next := kids[0]
		for _, k := range kids[1:] {
			if k.Artifact.Timestamp.After(next.Artifact.Timestamp) {
				next = k
			}
		}
		if len(kids) > 1 {
			for _, k := range kids {
				if k.Name != next.Name {
					plog.Warn("Chain fork detected; branch is orphaned",
						"kept", next.Name, "orphaned", k.Name)
				}
			}
		}
		st.Chain = append(st.Chain, next)
		visited[next.Name] = true
		cur = next.Artifact.Timestamp
	}

	// Everything after the root that the walk did not reach is unrestorable:
	// fork-loser subtrees and incrementals whose parent is missing (together
	// with everything chained after the gap).
	for _, e := range entries[rootIdx+1:] {
		if !visited[e.Name] {
			st.Orphans = append(st.Orphans, e)
		}
	}
	return st
}

// Decision is the plan for a new backup run.
type Decision struct {
	Kind namecodec.Kind
	// Parent is the chain tip to diff against. Set iff Kind is Incremental.
	Parent Entry
	// Reason is a short human explanation for logging.
	Reason string
}

// Decide determines whether the next backup must be full or may be
// incremental against the chain tip. haveLocalSnapshot reports whether a
// local snapshot with the given name still exists; an incremental send is
// only possible when the tip's source snapshot survives locally.
func Decide(st *State, haveLocalSnapshot func(name string) bool, forceFull bool) Decision {
	if forceFull {
		return Decision{Kind: namecodec.Full, Reason: "full backup forced"}
	}
	tip, ok := st.Tip()
	if !ok {
		return Decision{Kind: namecodec.Full, Reason: "no restorable chain on remote"}
	}
	if st.Corrupted() {
		// A corrupted chain is repaired by starting a fresh one.
		return Decision{Kind: namecodec.Full, Reason: fmt.Sprintf("chain has %d orphaned artifact(s)", len(st.Orphans))}
	}
	snapName := tip.Artifact.SnapshotName()
	if !haveLocalSnapshot(snapName) {
		return Decision{Kind: namecodec.Full, Reason: fmt.Sprintf("tip snapshot %s no longer exists locally", snapName)}
	}
	return Decision{
		Kind:   namecodec.Incremental,
		Parent: tip,
		Reason: fmt.Sprintf("incremental against %s", tip.Name),
	}
}
