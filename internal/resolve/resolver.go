package resolve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"depot-packer/internal/depotdl"
	"depot-packer/internal/depots"
	"depot-packer/internal/extract"
	"depot-packer/internal/model"
	"depot-packer/internal/observability"
	"depot-packer/internal/remote"
	"depot-packer/internal/runstore"
)

const (
	toolPrivateDir = ".DepotDownloader"
	defaultBranch  = "public"
)

var ErrNoDepots = errors.New("no depots found in download")

// NameLookup resolves an app's display name.
type NameLookup interface {
	AppName(ctx context.Context, appID string) (string, error)
}

// DateLookup resolves the release date of a build.
type DateLookup interface {
	BuildDate(ctx context.Context, appID, buildID string) (time.Time, error)
}

type Options struct {
	Catalog NameLookup
	Feed    DateLookup
	Table   *depots.Table
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Now     func() time.Time
}

type Resolver struct {
	opts Options
}

func New(opts Options) *Resolver {
	if opts.Table == nil {
		opts.Table = depots.DefaultTable()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Resolver{opts: opts}
}

// Input is everything the job learned before the download process exited.
type Input struct {
	JobID      string
	StagingDir string
	Request    model.JobRequest
	// Preflight is nil when the manifest-only run was skipped or failed.
	Preflight *extract.Result
	Download  extract.Result
}

// Resolve builds the job metadata and writes it to <staging>/job.json.
func (r *Resolver) Resolve(ctx context.Context, in Input) (model.JobMetadata, error) {
	log := observability.WithJob(r.opts.Logger, in.JobID)
	appID := strings.TrimSpace(in.Request.AppID)

	staged, err := scanStaged(in.StagingDir)
	if err != nil {
		return model.JobMetadata{}, err
	}

	var list []model.DepotInfo
	primary := ""
	fromPreflight := in.Preflight != nil && in.Preflight.HasDepots()
	if fromPreflight {
		list = mergeStaged(in.Preflight.Depots, staged)
		primary = in.Preflight.PrimaryDepotID
	} else {
		list = staged
	}
	if len(list) == 0 {
		return model.JobMetadata{}, fmt.Errorf("resolve metadata %s: %w", in.JobID, ErrNoDepots)
	}

	ids := make([]string, 0, len(list))
	for _, d := range list {
		ids = append(ids, d.DepotID)
	}
	if !containsID(ids, primary) {
		primary = depots.SelectPrimary(ids, r.opts.Table)
	}

	gameName := r.gameName(ctx, log, appID)
	for i := range list {
		if name := learnedName(in, list[i].DepotID); name != "" {
			list[i].DepotName = name
			continue
		}
		list[i].DepotName = r.opts.Table.DepotName(list[i].DepotID, list[i].DepotID == primary, gameName)
	}

	var primaryInfo model.DepotInfo
	for _, d := range list {
		if d.DepotID == primary {
			primaryInfo = d
		}
	}
	buildID, source := buildIdentity(primaryInfo)

	meta := model.JobMetadata{
		JobID:            in.JobID,
		AppID:            appID,
		Branch:           BranchLabel(in.Request.Branch),
		Platform:         depotdl.PlatformLabel(in.Request.OS),
		PrimaryDepotID:   primary,
		GameName:         gameName,
		BuildID:          buildID,
		BuildIDSource:    source,
		BuildDatetimeUTC: r.buildTime(ctx, log, appID, buildID, in, primaryInfo),
		Depots:           list,
		AppinfoFetchedAt: r.opts.Now().UTC(),
		MetadataVersion:  model.MetadataVersion,
	}
	if err := runstore.SaveJobMetadata(in.StagingDir, meta); err != nil {
		return model.JobMetadata{}, err
	}
	log.Info("job metadata resolved",
		"game", gameName,
		"build_id", buildID,
		"build_id_source", string(source),
		"primary_depot", primary,
		"depots", len(list),
		"from_preflight", fromPreflight,
	)
	return meta, nil
}

func (r *Resolver) gameName(ctx context.Context, log *slog.Logger, appID string) string {
	if r.opts.Catalog != nil {
		name, err := r.opts.Catalog.AppName(ctx, appID)
		r.opts.Metrics.IncLookup("catalog", err == nil)
		if err == nil && strings.TrimSpace(name) != "" {
			return strings.TrimSpace(name)
		}
		if err != nil {
			log.Warn("app name lookup failed; using fallback", "app_id", appID, "error", err)
		}
	}
	return remote.FallbackAppName(appID)
}

// buildTime walks the timestamp sources in order; the first hit wins.
func (r *Resolver) buildTime(ctx context.Context, log *slog.Logger, appID, buildID string, in Input, primary model.DepotInfo) *time.Time {
	if r.opts.Feed != nil {
		ts, err := r.opts.Feed.BuildDate(ctx, appID, buildID)
		r.opts.Metrics.IncLookup("feed", err == nil)
		if err == nil && !ts.IsZero() {
			return utcPtr(ts)
		}
		if err != nil {
			log.Warn("build date lookup failed; falling back to tool output", "app_id", appID, "build_id", buildID, "error", err)
		}
	}
	results := []extract.Result{in.Download}
	if in.Preflight != nil {
		results = append(results, *in.Preflight)
	}
	for _, res := range results {
		if res.BuildTime != nil {
			return utcPtr(*res.BuildTime)
		}
	}
	manifest := primary.ManifestIDUsed
	if manifest == "" {
		manifest = primary.ManifestID
	}
	for _, res := range results {
		for _, d := range res.Depots {
			if d.ManifestID == manifest && d.ManifestTime != nil {
				return utcPtr(*d.ManifestTime)
			}
		}
	}
	for _, res := range results {
		if d, ok := res.Depot(primary.DepotID); ok && d.DepotTime != nil {
			return utcPtr(*d.DepotTime)
		}
	}
	return nil
}

// buildIdentity names the build after the primary depot's manifest. A buildid
// printed by the tool stays extractor state only.
func buildIdentity(primary model.DepotInfo) (string, model.BuildIDSource) {
	if primary.ManifestIDUsed != "" {
		return primary.ManifestIDUsed, model.BuildIDSourcePrimaryManifestID
	}
	return primary.ManifestID, model.BuildIDSourcePrimaryManifestID
}

func learnedName(in Input, id string) string {
	if in.Preflight != nil {
		if name := strings.TrimSpace(in.Preflight.Names[id]); name != "" {
			return name
		}
	}
	return strings.TrimSpace(in.Download.Names[id])
}

// mergeStaged keeps the preflight order and records what was actually staged:
// a different manifest directory becomes manifest_id_used, unknown depots are appended.
func mergeStaged(pre []extract.Depot, staged []model.DepotInfo) []model.DepotInfo {
	byID := make(map[string]string, len(staged))
	for _, s := range staged {
		byID[s.DepotID] = s.ManifestID
	}
	out := make([]model.DepotInfo, 0, len(pre)+len(staged))
	seen := map[string]bool{}
	for _, d := range pre {
		info := model.DepotInfo{DepotID: d.ID, ManifestID: d.ManifestID}
		if used, ok := byID[d.ID]; ok && used != d.ManifestID {
			info.ManifestIDUsed = used
		}
		seen[d.ID] = true
		out = append(out, info)
	}
	for _, s := range staged {
		if !seen[s.DepotID] {
			out = append(out, s)
		}
	}
	return out
}

// scanStaged lists <staging>/depots/<id>/<manifest>. A missing depots directory
// yields an empty list.
func scanStaged(stagingDir string) ([]model.DepotInfo, error) {
	root := filepath.Join(stagingDir, "depots")
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read depots directory %s: %w", root, err)
	}
	ids := make([]string, 0, len(entries))
	manifests := map[string]string{}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == toolPrivateDir {
			continue
		}
		subs, err := os.ReadDir(filepath.Join(root, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read depot %s: %w", e.Name(), err)
		}
		for _, sub := range subs {
			if sub.IsDir() && sub.Name() != toolPrivateDir {
				manifests[e.Name()] = sub.Name()
				ids = append(ids, e.Name())
				break
			}
		}
	}
	ids = depots.SortIDs(ids)
	out := make([]model.DepotInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.DepotInfo{DepotID: id, ManifestID: manifests[id]})
	}
	return out, nil
}

func containsID(ids []string, id string) bool {
	if id == "" {
		return false
	}
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// BranchLabel capitalizes the branch for output naming; no branch means the public one.
func BranchLabel(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		s = defaultBranch
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + s[size:]
}

func utcPtr(t time.Time) *time.Time {
	v := t.UTC()
	return &v
}
