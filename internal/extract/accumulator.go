package extract

import (
	"time"

	"depot-packer/internal/depots"
)

// Priority orders the sources of the build timestamp.
type Priority int

const (
	PriorityNone Priority = iota
	PriorityManifest
	PrioritySecondary
	PriorityExplicit
)

// BuildTime is a set-once slot: a value is replaced only by a strictly higher priority.
type BuildTime struct {
	Time     time.Time
	Priority Priority
}

func (b *BuildTime) IsSet() bool {
	return b.Priority > PriorityNone
}

func (b *BuildTime) Offer(t time.Time, p Priority) bool {
	if p <= b.Priority || t.IsZero() {
		return false
	}
	b.Time = t.UTC()
	b.Priority = p
	return true
}

type loosePair struct {
	depot    string
	manifest string
}

// Accumulator collects what the extractor learns during one run phase. It is not
// safe for concurrent use; the owner serializes access.
type Accumulator struct {
	DepotManifests map[string]string
	ManifestDepots map[string]string
	DepotNames     map[string]string
	ManifestTimes  map[string]time.Time
	DepotTimes     map[string]time.Time
	BuildID        string
	BuildTime      BuildTime
	SawEpoch       bool
	InstallDirFor  string

	loose []loosePair
}

func NewAccumulator() *Accumulator {
	return &Accumulator{
		DepotManifests: map[string]string{},
		ManifestDepots: map[string]string{},
		DepotNames:     map[string]string{},
		ManifestTimes:  map[string]time.Time{},
		DepotTimes:     map[string]time.Time{},
	}
}

func (a *Accumulator) HasPairs() bool {
	return len(a.DepotManifests) > 0
}

func (a *Accumulator) recordPair(depot, manifest string) {
	a.DepotManifests[depot] = manifest
	a.ManifestDepots[manifest] = depot
	if ts, ok := a.ManifestTimes[manifest]; ok {
		a.DepotTimes[depot] = ts
	}
}

func (a *Accumulator) recordManifestTime(manifest string, ts time.Time) {
	a.ManifestTimes[manifest] = ts
	if depot, ok := a.ManifestDepots[manifest]; ok {
		a.DepotTimes[depot] = ts
	}
}

// Seed folds preflight knowledge into a fresh download-phase accumulator:
// names fill gaps, the build timestamp only lands in an empty slot.
func (a *Accumulator) Seed(r Result) {
	for id, name := range r.Names {
		if _, ok := a.DepotNames[id]; !ok {
			a.DepotNames[id] = name
		}
	}
	if r.BuildTime != nil && !a.BuildTime.IsSet() {
		a.BuildTime.Offer(*r.BuildTime, r.BuildTimePriority)
	}
	if a.BuildID == "" {
		a.BuildID = r.BuildID
	}
}

type Depot struct {
	ID           string
	Name         string
	ManifestID   string
	ManifestTime *time.Time
	DepotTime    *time.Time
}

// Result is the end-of-phase view of an accumulator.
type Result struct {
	Depots                []Depot
	PrimaryDepotID        string
	PrimaryFromInstallDir bool
	BuildID               string
	BuildTime             *time.Time
	BuildTimePriority     Priority
	Names                 map[string]string
}

func (r Result) HasDepots() bool {
	return len(r.Depots) > 0
}

func (r Result) Depot(id string) (Depot, bool) {
	for _, d := range r.Depots {
		if d.ID == id {
			return d, true
		}
	}
	return Depot{}, false
}

// Snapshot ends a phase without mutating the accumulator. Depots are sorted
// numerically; the primary is the installdir candidate, else the shared-table policy.
func (a *Accumulator) Snapshot(table *depots.Table) Result {
	pairs := a.DepotManifests
	if len(pairs) == 0 && len(a.loose) > 0 {
		pairs = map[string]string{}
		for _, lp := range a.loose {
			if _, ok := pairs[lp.depot]; !ok {
				pairs[lp.depot] = lp.manifest
			}
		}
	}

	ids := make([]string, 0, len(pairs))
	for id := range pairs {
		ids = append(ids, id)
	}
	ids = depots.SortIDs(ids)

	res := Result{
		BuildID: a.BuildID,
		Names:   make(map[string]string, len(a.DepotNames)),
	}
	for id, name := range a.DepotNames {
		res.Names[id] = name
	}
	for _, id := range ids {
		d := Depot{ID: id, Name: a.DepotNames[id], ManifestID: pairs[id]}
		if ts, ok := a.ManifestTimes[d.ManifestID]; ok {
			d.ManifestTime = timePtr(ts)
		}
		if ts, ok := a.DepotTimes[id]; ok {
			d.DepotTime = timePtr(ts)
		}
		res.Depots = append(res.Depots, d)
	}

	if a.InstallDirFor != "" {
		res.PrimaryDepotID = a.InstallDirFor
		res.PrimaryFromInstallDir = true
	} else {
		res.PrimaryDepotID = depots.SelectPrimary(ids, table)
	}

	bt := a.BuildTime
	if !bt.IsSet() {
		if primary, ok := res.Depot(res.PrimaryDepotID); ok && primary.ManifestTime != nil {
			bt.Offer(*primary.ManifestTime, PriorityManifest)
		}
	}
	if bt.IsSet() {
		res.BuildTime = timePtr(bt.Time)
		res.BuildTimePriority = bt.Priority
	}
	return res
}

func timePtr(t time.Time) *time.Time {
	v := t.UTC()
	return &v
}
