package depots

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"depot-packer/internal/runstore"
)

// SharedDepot describes a redistributable depot that ships runtime components rather than game content.
type SharedDepot struct {
	Name       string `json:"name"`
	OwnerAppID string `json:"owner_appid,omitempty"`
}

type Table struct {
	shared map[string]SharedDepot
}

type tableFile struct {
	SharedDepots map[string]SharedDepot `json:"shared_depots"`
	Replace      bool                   `json:"replace,omitempty"`
}

func defaultShared() map[string]SharedDepot {
	return map[string]SharedDepot{
		"228980":  {Name: "Steamworks Shared", OwnerAppID: "228980"},
		"228989":  {Name: "Steamworks Shared", OwnerAppID: "228980"},
		"228990":  {Name: "Steamworks Shared", OwnerAppID: "228980"},
		"228983":  {Name: "DirectX", OwnerAppID: "228980"},
		"228984":  {Name: "DirectX", OwnerAppID: "228980"},
		"228986":  {Name: "DirectX", OwnerAppID: "228980"},
		"228985":  {Name: "VC Redist", OwnerAppID: "228980"},
		"228987":  {Name: "OpenAL", OwnerAppID: "228980"},
		"1391110": {Name: "SteamLinuxRuntime", OwnerAppID: "1391110"},
		"1628210": {Name: "SteamLinuxRuntime_soldier", OwnerAppID: "1628210"},
		"1826330": {Name: "SteamLinuxRuntime_sniper", OwnerAppID: "1826330"},
	}
}

func DefaultTable() *Table {
	return &Table{shared: defaultShared()}
}

func NewTable(shared map[string]SharedDepot) *Table {
	t := &Table{shared: make(map[string]SharedDepot, len(shared))}
	for id, d := range shared {
		t.put(id, d)
	}
	return t
}

// LoadTable reads overrides from a JSON file on top of the built-in table.
// An empty path yields the built-in table; "replace": true discards the defaults.
func LoadTable(path string) (*Table, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultTable(), nil
	}
	var f tableFile
	if err := runstore.ReadJSON(path, &f); err != nil {
		return nil, fmt.Errorf("load shared depot table: %w", err)
	}
	t := DefaultTable()
	if f.Replace {
		t = NewTable(nil)
	}
	for id, d := range f.SharedDepots {
		t.put(id, d)
	}
	return t, nil
}

func (t *Table) put(id string, d SharedDepot) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		d.Name = "depot_" + id
	}
	d.OwnerAppID = strings.TrimSpace(d.OwnerAppID)
	if d.OwnerAppID == "" {
		d.OwnerAppID = id
	}
	t.shared[id] = d
}

func (t *Table) IsShared(id string) bool {
	if t == nil {
		return false
	}
	_, ok := t.shared[id]
	return ok
}

func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.shared)
}

func (t *Table) OwnerAppID(id string) string {
	if t == nil {
		return id
	}
	if d, ok := t.shared[id]; ok {
		return d.OwnerAppID
	}
	return id
}

// DepotName: the primary depot carries the game name, known shared depots their
// table name, everything else depot_<id>.
func (t *Table) DepotName(id string, isPrimary bool, gameName string) string {
	if isPrimary && strings.TrimSpace(gameName) != "" {
		return gameName
	}
	if t != nil {
		if d, ok := t.shared[id]; ok {
			return d.Name
		}
	}
	return "depot_" + id
}

// SelectPrimary picks the first non-shared depot in numeric order, or the first
// depot when every one is shared. Returns "" for an empty list.
func SelectPrimary(ids []string, t *Table) string {
	sorted := SortIDs(ids)
	if len(sorted) == 0 {
		return ""
	}
	for _, id := range sorted {
		if !t.IsShared(id) {
			return id
		}
	}
	return sorted[0]
}

// SortIDs returns a copy sorted by numeric value; ids that do not parse sort as 0.
func SortIDs(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.SliceStable(out, func(i, j int) bool {
		return NumericID(out[i]) < NumericID(out[j])
	})
	return out
}

func NumericID(id string) uint64 {
	n, err := strconv.ParseUint(strings.TrimSpace(id), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
