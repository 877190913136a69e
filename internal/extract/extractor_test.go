package extract

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"depot-packer/internal/depots"
)

func feedAll(acc *Accumulator, e *Extractor, lines ...string) {
	for _, line := range lines {
		e.Feed(acc, line)
	}
}

func TestManifestDatePropagatesToDepotAcrossStreams(t *testing.T) {
	want := time.Date(2024, 1, 15, 10, 30, 45, 0, time.UTC)

	cases := map[string]func(acc *Accumulator){
		"same stream": func(acc *Accumulator) {
			e := &Extractor{}
			feedAll(acc, e, "Depot 10 - Manifest 20", "Manifest 20 (1/15/2024 10:30:45 AM)")
		},
		"split streams": func(acc *Accumulator) {
			(&Extractor{}).Feed(acc, "Depot 10 - Manifest 20")
			(&Extractor{}).Feed(acc, "Manifest 20 (1/15/2024 10:30:45 AM)")
		},
		"date first": func(acc *Accumulator) {
			(&Extractor{}).Feed(acc, "Manifest 20 (1/15/2024 10:30:45 AM)")
			(&Extractor{}).Feed(acc, "Depot 10 - Manifest 20")
		},
	}
	for name, run := range cases {
		t.Run(name, func(t *testing.T) {
			acc := NewAccumulator()
			run(acc)
			res := acc.Snapshot(depots.DefaultTable())
			d, ok := res.Depot("10")
			require.True(t, ok)
			require.NotNil(t, d.DepotTime)
			assert.True(t, want.Equal(*d.DepotTime), "got %s", d.DepotTime)
			assert.Equal(t, "20", d.ManifestID)
		})
	}
}

func TestPrimarySelection(t *testing.T) {
	table := depots.NewTable(map[string]depots.SharedDepot{"10": {Name: "Shared", OwnerAppID: "1"}})

	acc := NewAccumulator()
	feedAll(acc, &Extractor{}, "Depot 20 - Manifest 200", "Depot 10 - Manifest 100")
	res := acc.Snapshot(table)
	assert.Equal(t, "20", res.PrimaryDepotID)
	assert.False(t, res.PrimaryFromInstallDir)
	assert.Equal(t, []string{"10", "20"}, []string{res.Depots[0].ID, res.Depots[1].ID})

	acc = NewAccumulator()
	feedAll(acc, &Extractor{},
		"Depot 20 - Manifest 200",
		"Depot 10 - Manifest 100",
		"installdir = SharedThing",
		"Depot 20 mentioned",
		"installdir = Other",
	)
	res = acc.Snapshot(table)
	assert.Equal(t, "10", res.PrimaryDepotID)
	assert.True(t, res.PrimaryFromInstallDir)
}

func TestExplicitEpochWinsOverManifestAndSecondary(t *testing.T) {
	acc := NewAccumulator()
	feedAll(acc, &Extractor{},
		"Depot 10 - Manifest 20",
		"Manifest 20 (2/1/2023 1:00:00 PM)",
		"last updated: 1600000000",
		"timeupdated 1700000000",
		"build date 1500000000",
	)
	res := acc.Snapshot(depots.DefaultTable())
	require.NotNil(t, res.BuildTime)
	assert.Equal(t, int64(1700000000), res.BuildTime.Unix())
	assert.Equal(t, PriorityExplicit, res.BuildTimePriority)
}

func TestSecondaryEpochIgnoredOnceExplicitSeen(t *testing.T) {
	acc := NewAccumulator()
	feedAll(acc, &Extractor{}, "timeupdated: 1700000000", "last updated 1800000000")
	assert.Equal(t, int64(1700000000), acc.BuildTime.Time.Unix())

	acc = NewAccumulator()
	feedAll(acc, &Extractor{}, "last updated 1600000000", "build_date 1650000000")
	assert.Equal(t, int64(1600000000), acc.BuildTime.Time.Unix())
	assert.Equal(t, PrioritySecondary, acc.BuildTime.Priority)
}

func TestSnapshotFallsBackToPrimaryManifestTime(t *testing.T) {
	acc := NewAccumulator()
	feedAll(acc, &Extractor{},
		"Depot 228989 - Manifest 900",
		"Manifest 900 (2024-03-01 00:00:00 UTC)",
		"Depot 47411 - Manifest 500",
		"Manifest 500 (2024-02-01T12:00:00Z)",
	)
	res := acc.Snapshot(depots.DefaultTable())
	assert.Equal(t, "47411", res.PrimaryDepotID)
	require.NotNil(t, res.BuildTime)
	assert.Equal(t, PriorityManifest, res.BuildTimePriority)
	assert.True(t, time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC).Equal(*res.BuildTime))
	assert.False(t, acc.BuildTime.IsSet(), "snapshot must not mutate the accumulator")
}

func TestNamesBuildIDAndCursor(t *testing.T) {
	acc := NewAccumulator()
	e := &Extractor{}
	feedAll(acc, e,
		`Depot 47411 "Half-Life 2 Content"`,
		"Depot 47412",
		`"name"		"Half-Life 2 Extras"`,
		`"name"		"ignored once named"`,
		"buildid = 1234",
		"BuildID: 9999",
	)
	assert.Equal(t, "Half-Life 2 Content", acc.DepotNames["47411"])
	assert.Equal(t, "Half-Life 2 Extras", acc.DepotNames["47412"])
	assert.Equal(t, "1234", acc.BuildID)
	assert.Equal(t, "47412", e.cursor)
}

func TestLoosePairsUsedOnlyWithoutExplicitPairs(t *testing.T) {
	acc := NewAccumulator()
	feedAll(acc, &Extractor{}, "Processing depot 5", "Got Manifest 55")
	res := acc.Snapshot(depots.DefaultTable())
	require.Len(t, res.Depots, 1)
	assert.Equal(t, "55", res.Depots[0].ManifestID)

	feedAll(acc, &Extractor{}, "Depot 6 - Manifest 66")
	res = acc.Snapshot(depots.DefaultTable())
	require.Len(t, res.Depots, 1)
	assert.Equal(t, "6", res.Depots[0].ID)
}

func TestSeedKeepsExistingValues(t *testing.T) {
	ts := time.Unix(1700000000, 0).UTC()
	acc := NewAccumulator()
	acc.DepotNames["1"] = "kept"
	acc.Seed(Result{
		Names:             map[string]string{"1": "dropped", "2": "added"},
		BuildTime:         &ts,
		BuildTimePriority: PriorityExplicit,
		BuildID:           "77",
	})
	assert.Equal(t, "kept", acc.DepotNames["1"])
	assert.Equal(t, "added", acc.DepotNames["2"])
	assert.Equal(t, "77", acc.BuildID)
	assert.True(t, acc.BuildTime.Time.Equal(ts))

	later := ts.Add(time.Hour)
	acc.Seed(Result{BuildTime: &later, BuildTimePriority: PriorityExplicit})
	assert.True(t, acc.BuildTime.Time.Equal(ts))
}

func TestParseManifestDate(t *testing.T) {
	cases := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{"1/15/2024 10:30:45 AM", time.Date(2024, 1, 15, 10, 30, 45, 0, time.UTC), true},
		{"12/31/2023 12:05:00 AM", time.Date(2023, 12, 31, 0, 5, 0, 0, time.UTC), true},
		{"6/2/2022 12:00:01 PM", time.Date(2022, 6, 2, 12, 0, 1, 0, time.UTC), true},
		{"6/2/2022 3:00:01 PM", time.Date(2022, 6, 2, 15, 0, 1, 0, time.UTC), true},
		{"6/2/2022 17:00:01", time.Date(2022, 6, 2, 17, 0, 1, 0, time.UTC), true},
		{"2024-05-06 07:08:09", time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC), true},
		{"13/40/2024 10:00:00", time.Time{}, false},
		{"not a date", time.Time{}, false},
	}
	for _, tc := range cases {
		got, ok := ParseManifestDate(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		if tc.ok {
			assert.True(t, tc.want.Equal(got), "%s: got %s", tc.in, got)
		}
	}
}
