package finalize

import (
	"strconv"
	"strings"

	"depot-packer/internal/depots"
	"depot-packer/internal/model"
)

// lastOwnerSentinel is written for LastOwner no matter what account ran the download.
const lastOwnerSentinel = "0"

type vdfWriter struct {
	b     strings.Builder
	depth int
}

var vdfEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func (w *vdfWriter) indent() {
	for i := 0; i < w.depth; i++ {
		w.b.WriteByte('\t')
	}
}

func (w *vdfWriter) kv(key, value string) {
	w.indent()
	w.b.WriteString(`"` + vdfEscaper.Replace(key) + `"` + "\t\t" + `"` + vdfEscaper.Replace(value) + `"` + "\n")
}

func (w *vdfWriter) open(name string) {
	w.indent()
	w.b.WriteString(`"` + vdfEscaper.Replace(name) + `"` + "\n")
	w.indent()
	w.b.WriteString("{\n")
	w.depth++
}

func (w *vdfWriter) close() {
	if w.depth > 0 {
		w.depth--
	}
	w.indent()
	w.b.WriteString("}\n")
}

// AppManifest holds everything rendered into appmanifest_<appid>.acf.
type AppManifest struct {
	Meta        model.JobMetadata
	InstallDir  string
	LastUpdated int64
	SizeOnDisk  int64
	DepotSizes  map[string]int64
	// Manifests holds ids parsed from depotcache file names; they win over job metadata.
	Manifests map[string]string
	Table     *depots.Table
}

func (m AppManifest) manifestFor(d model.DepotInfo) string {
	if id, ok := m.Manifests[d.DepotID]; ok && id != "" {
		return id
	}
	if d.ManifestIDUsed != "" {
		return d.ManifestIDUsed
	}
	return d.ManifestID
}

func (m AppManifest) FileName() string {
	return "appmanifest_" + m.Meta.AppID + ".acf"
}

func (m AppManifest) Render() string {
	var shared, regular []model.DepotInfo
	for _, d := range m.Meta.Depots {
		if m.Table.IsShared(d.DepotID) {
			shared = append(shared, d)
		} else {
			regular = append(regular, d)
		}
	}

	w := &vdfWriter{}
	w.open("AppState")
	w.kv("appid", m.Meta.AppID)
	w.kv("universe", "1")
	w.kv("name", m.Meta.GameName)
	w.kv("StateFlags", "4")
	w.kv("installdir", m.InstallDir)
	w.kv("LastUpdated", strconv.FormatInt(m.LastUpdated, 10))
	w.kv("UpdateResult", "0")
	w.kv("SizeOnDisk", strconv.FormatInt(m.SizeOnDisk, 10))
	w.kv("buildid", m.Meta.BuildID)
	w.kv("LastOwner", lastOwnerSentinel)
	w.kv("BytesToDownload", "0")
	w.kv("BytesDownloaded", "0")
	w.kv("AutoUpdateBehavior", "0")
	w.kv("AllowOtherDownloadsWhileRunning", "0")
	w.kv("ScheduledAutoUpdate", "0")

	w.open("UserConfig")
	w.kv("language", "english")
	w.close()

	w.open("InstalledDepots")
	for _, d := range regular {
		w.open(d.DepotID)
		w.kv("manifest", m.manifestFor(d))
		w.kv("size", strconv.FormatInt(m.DepotSizes[d.DepotID], 10))
		w.close()
	}
	w.close()

	if len(shared) > 0 {
		w.open("SharedDepots")
		for _, d := range shared {
			w.kv(d.DepotID, m.Table.OwnerAppID(d.DepotID))
		}
		w.close()
	}

	w.open("MountedDepots")
	for _, d := range m.Meta.Depots {
		w.kv(d.DepotID, m.manifestFor(d))
	}
	w.close()

	w.close()
	return w.b.String()
}
