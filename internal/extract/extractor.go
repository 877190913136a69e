package extract

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	reDepotName      = regexp.MustCompile(`[Dd]epot\s+(\d+)\s+"([^"]+)"`)
	reDepotManifest  = regexp.MustCompile(`[Dd]epot\s+(\d+)\s*[-–]\s*[Mm]anifest\s+(\d+)`)
	reAppInfoName    = regexp.MustCompile(`"name"\s+"([^"]+)"`)
	reDepot          = regexp.MustCompile(`[Dd]epot\s+(\d+)`)
	reBuildID        = regexp.MustCompile(`[Bb]uild[Ii][Dd]\s*[=:]\s*(\d+)`)
	reTimeUpdated    = regexp.MustCompile(`(?i)timeupdated[^0-9]*(\d{9,})`)
	reManifestTime   = regexp.MustCompile(`(?i)Manifest\s+(\d+)\s+\((.+?)\)`)
	reLastUpdated    = regexp.MustCompile(`(?i)last\s*updated[^0-9]*(\d{9,})`)
	reBuildDate      = regexp.MustCompile(`(?i)build(?:_|\s)*date[^0-9]*(\d{9,})`)
	reInstallDir     = regexp.MustCompile(`(?i)"?installdir"?\s*(?:[=:]|\s)\s*"?([^"\n]+)"?`)
	reLooseManifest  = regexp.MustCompile(`[Mm]anifest\s+(\d+)`)
	reDotnetDateTime = regexp.MustCompile(`(\d{1,2})/(\d{1,2})/(\d{4})\s+(\d{1,2}):(\d{2}):(\d{2})(?:\s*([AP]M))?`)
	reISODateTime    = regexp.MustCompile(`(?i)(\d{4}-\d{2}-\d{2})[ T](\d{2}:\d{2}:\d{2})(?:\s*UTC|Z)?`)
)

// Extractor applies the line rules for one output stream. The cursor (last depot
// mentioned) is per stream; the accumulator may be shared.
type Extractor struct {
	cursor  string
	sawPair bool
}

type rule struct {
	name  string
	re    *regexp.Regexp
	apply func(e *Extractor, acc *Accumulator, m []string)
}

var rules = []rule{
	{"depot-name", reDepotName, func(e *Extractor, acc *Accumulator, m []string) {
		acc.DepotNames[m[1]] = m[2]
		e.cursor = m[1]
	}},
	{"depot-manifest", reDepotManifest, func(e *Extractor, acc *Accumulator, m []string) {
		acc.recordPair(m[1], m[2])
		e.cursor = m[1]
		e.sawPair = true
	}},
	{"appinfo-name", reAppInfoName, func(e *Extractor, acc *Accumulator, m []string) {
		if e.cursor == "" {
			return
		}
		if _, named := acc.DepotNames[e.cursor]; !named {
			acc.DepotNames[e.cursor] = m[1]
		}
	}},
	{"depot-mention", reDepot, func(e *Extractor, acc *Accumulator, m []string) {
		e.cursor = m[1]
	}},
	{"buildid", reBuildID, func(e *Extractor, acc *Accumulator, m []string) {
		if acc.BuildID == "" {
			acc.BuildID = m[1]
		}
	}},
	{"timeupdated", reTimeUpdated, func(e *Extractor, acc *Accumulator, m []string) {
		if ts, ok := parseEpoch(m[1]); ok {
			acc.SawEpoch = true
			acc.BuildTime.Offer(ts, PriorityExplicit)
		}
	}},
	{"manifest-date", reManifestTime, func(e *Extractor, acc *Accumulator, m []string) {
		if ts, ok := ParseManifestDate(m[2]); ok {
			acc.recordManifestTime(m[1], ts)
		}
	}},
	{"last-updated", reLastUpdated, offerSecondary},
	{"build-date", reBuildDate, offerSecondary},
	{"installdir", reInstallDir, func(e *Extractor, acc *Accumulator, m []string) {
		if acc.InstallDirFor == "" && e.cursor != "" {
			acc.InstallDirFor = e.cursor
		}
	}},
}

func offerSecondary(e *Extractor, acc *Accumulator, m []string) {
	if acc.SawEpoch {
		return
	}
	if ts, ok := parseEpoch(m[1]); ok {
		acc.BuildTime.Offer(ts, PrioritySecondary)
	}
}

// Feed tests every rule against line in order; a line may trigger several.
func (e *Extractor) Feed(acc *Accumulator, line string) {
	e.sawPair = false
	for _, r := range rules {
		if m := r.re.FindStringSubmatch(line); m != nil {
			r.apply(e, acc, m)
		}
	}
	// A bare "Manifest N" after a depot mention is kept as a weaker pairing,
	// used only when the phase produced no explicit depot/manifest lines.
	if !e.sawPair && e.cursor != "" {
		if m := reLooseManifest.FindStringSubmatch(line); m != nil {
			acc.loose = append(acc.loose, loosePair{depot: e.cursor, manifest: m[1]})
		}
	}
}

func parseEpoch(raw string) (time.Time, bool) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}, false
	}
	return time.Unix(n, 0).UTC(), true
}

// ParseManifestDate accepts DepotDownloader's localized M/D/YYYY h:mm:ss [AM|PM]
// form first, then an ISO date-time. Values are taken as UTC.
func ParseManifestDate(raw string) (time.Time, bool) {
	if m := reDotnetDateTime.FindStringSubmatch(raw); m != nil {
		month, _ := strconv.Atoi(m[1])
		day, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		hour, _ := strconv.Atoi(m[4])
		minute, _ := strconv.Atoi(m[5])
		second, _ := strconv.Atoi(m[6])
		switch strings.ToUpper(m[7]) {
		case "PM":
			if hour < 12 {
				hour += 12
			}
		case "AM":
			if hour == 12 {
				hour = 0
			}
		}
		if month < 1 || month > 12 || hour > 23 || minute > 59 || second > 59 {
			return time.Time{}, false
		}
		ts := time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC)
		if ts.Day() != day {
			return time.Time{}, false
		}
		return ts, true
	}
	if m := reISODateTime.FindStringSubmatch(raw); m != nil {
		ts, err := time.Parse("2006-01-02 15:04:05", m[1]+" "+m[2])
		if err != nil {
			return time.Time{}, false
		}
		return ts.UTC(), true
	}
	return time.Time{}, false
}
