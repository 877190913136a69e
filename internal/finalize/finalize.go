package finalize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"depot-packer/internal/depots"
	"depot-packer/internal/model"
	"depot-packer/internal/runstore"
)

const (
	depotsDirName    = "depots"
	toolPrivateDir   = ".DepotDownloader"
	manifestFileExt  = ".manifest"
	copyConcurrency  = 4
	steamappsDirName = "steamapps"
)

type State string

const (
	StateValidateStaging   State = "validate_staging"
	StateComputeTargetPath State = "compute_target_path"
	StateCheckConflict     State = "check_conflict"
	StateBuildInTemp       State = "build_in_temp"
	StateRemoveExisting    State = "remove_existing"
	StateAtomicPromote     State = "atomic_promote"
	StateFailCleanupTemp   State = "fail_cleanup_temp"
	StateDone              State = "done"
)

var (
	ErrCancelledByUser = errors.New("job cancelled by user")
	ErrNoDepots        = errors.New("no depot directories found in staging")
)

// CancelledError reports that the operator chose not to replace an existing output.
type CancelledError struct {
	Path string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("Output already exists: %s. Job cancelled by user.", e.Path)
}

func (e *CancelledError) Is(target error) bool {
	return target == ErrCancelledByUser
}

// ConflictAsker blocks until an operator decides what to do with an existing output.
type ConflictAsker interface {
	Request(ctx context.Context, prompt model.OutputConflictPrompt) (model.OutputConflictChoice, error)
}

type Options struct {
	OutputsDir string
	Table      *depots.Table
	Conflicts  ConflictAsker
	Logger     *slog.Logger
	Now        func() time.Time
	// OnState is called on every state entry.
	OnState func(jobID string, s State)
	// Rename defaults to os.Rename; tests swap it to simulate promote failures.
	Rename func(oldpath, newpath string) error
}

type Finalizer struct {
	opts Options
}

type Result struct {
	OutputPath string
	Choice     model.OutputConflictChoice
	Manifests  map[string]string
	SizeOnDisk int64
}

func New(opts Options) *Finalizer {
	if opts.Table == nil {
		opts.Table = depots.DefaultTable()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rename == nil {
		opts.Rename = os.Rename
	}
	return &Finalizer{opts: opts}
}

type run struct {
	meta       model.JobMetadata
	stagingDir string
	target     string
	tempDir    string
	displaced  string
	overwrite  bool
	result     Result
}

// Finalize turns <stagingDir>/depots into a Steam library layout under the
// outputs root. The existing target is never touched before the new tree is
// fully built.
func (f *Finalizer) Finalize(ctx context.Context, stagingDir string) (Result, error) {
	meta, err := runstore.LoadJobMetadata(stagingDir)
	if err != nil {
		return Result{}, fmt.Errorf("load job metadata: %w", err)
	}
	r := &run{meta: meta, stagingDir: stagingDir}
	log := f.opts.Logger.With("job_id", meta.JobID)

	var failure error
	state := StateValidateStaging
	for state != StateDone {
		if f.opts.OnState != nil {
			f.opts.OnState(meta.JobID, state)
		}
		log.Debug("finalize state", "state", string(state))

		switch state {
		case StateValidateStaging:
			if err := validateStaging(stagingDir); err != nil {
				return Result{}, err
			}
			state = StateComputeTargetPath

		case StateComputeTargetPath:
			r.target = filepath.Join(f.opts.OutputsDir, OutputFolderName(meta.GameName, meta.BuildID, meta.Platform, meta.Branch))
			state = StateCheckConflict

		case StateCheckConflict:
			if err := f.checkConflict(ctx, r); err != nil {
				return Result{}, err
			}
			state = StateBuildInTemp

		case StateBuildInTemp:
			if err := f.buildInTemp(ctx, r); err != nil {
				failure = err
				state = StateFailCleanupTemp
				continue
			}
			state = StateRemoveExisting
			if !r.overwrite {
				state = StateAtomicPromote
			}

		case StateRemoveExisting:
			if err := f.displaceExisting(r); err != nil {
				failure = err
				state = StateFailCleanupTemp
				continue
			}
			state = StateAtomicPromote

		case StateAtomicPromote:
			if err := f.promote(r); err != nil {
				failure = err
				state = StateFailCleanupTemp
				continue
			}
			state = StateDone

		case StateFailCleanupTemp:
			f.restoreDisplaced(r, log)
			if r.tempDir != "" {
				if err := os.RemoveAll(r.tempDir); err != nil {
					log.Warn("remove temp output failed", "path", r.tempDir, "error", err)
				}
			}
			return Result{}, failure

		default:
			return Result{}, fmt.Errorf("finalize job %s: unknown state %q", meta.JobID, state)
		}
	}

	if f.opts.OnState != nil {
		f.opts.OnState(meta.JobID, StateDone)
	}
	r.result.OutputPath = r.target
	log.Info("output finalized", "path", r.target)
	return r.result, nil
}

func validateStaging(stagingDir string) error {
	entries, err := os.ReadDir(filepath.Join(stagingDir, depotsDirName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("staging directory missing depots/: %s", stagingDir)
		}
		return fmt.Errorf("read depots in %s: %w", stagingDir, err)
	}
	for _, e := range entries {
		if e.IsDir() && e.Name() != toolPrivateDir {
			return nil
		}
	}
	return ErrNoDepots
}

func (f *Finalizer) checkConflict(ctx context.Context, r *run) error {
	conflictPath := ""
	switch {
	case exists(r.target):
		conflictPath = r.target
	case exists(ArchivePath(r.target)):
		conflictPath = ArchivePath(r.target)
	default:
		return nil
	}
	if f.opts.Conflicts == nil {
		return fmt.Errorf("output already exists: %s", conflictPath)
	}

	choice, err := f.opts.Conflicts.Request(ctx, model.OutputConflictPrompt{
		JobID:      r.meta.JobID,
		OutputPath: conflictPath,
		OutputName: filepath.Base(conflictPath),
	})
	if err != nil {
		return fmt.Errorf("resolve output conflict: %w", err)
	}
	r.result.Choice = choice
	switch choice {
	case model.ConflictOverwrite:
		r.overwrite = true
	case model.ConflictCopy:
		next, err := CopyOutputPath(r.target)
		if err != nil {
			return err
		}
		r.target = next
	case model.ConflictCancel:
		return &CancelledError{Path: conflictPath}
	default:
		return fmt.Errorf("resolve output conflict: unknown choice %q", choice)
	}
	return nil
}

type depotCopy struct {
	id          string
	manifestDir string
	contentName string
}

func (f *Finalizer) buildInTemp(ctx context.Context, r *run) error {
	r.tempDir = filepath.Join(f.opts.OutputsDir, runstore.OutputTempPrefix+r.meta.JobID)
	if err := os.RemoveAll(r.tempDir); err != nil {
		return fmt.Errorf("cleanup existing temp directory %s: %w", r.tempDir, err)
	}
	steamapps := filepath.Join(r.tempDir, steamappsDirName)
	common := filepath.Join(steamapps, "common")
	depotcache := filepath.Join(r.tempDir, "depotcache")
	for _, dir := range []string{common, depotcache} {
		if err := runstore.Mkdir(dir); err != nil {
			return err
		}
	}

	names := map[string]string{}
	for _, d := range r.meta.Depots {
		names[d.DepotID] = d.DepotName
	}

	copies, err := f.planCopies(r.stagingDir, names)
	if err != nil {
		return err
	}

	// Depots sharing a display name merge into one folder, so each folder is
	// filled by a single goroutine.
	byFolder := map[string][]depotCopy{}
	var folders []string
	for _, c := range copies {
		if _, ok := byFolder[c.contentName]; !ok {
			folders = append(folders, c.contentName)
		}
		byFolder[c.contentName] = append(byFolder[c.contentName], c)
	}

	var mu sync.Mutex
	manifests := map[string]string{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(copyConcurrency)
	for _, folder := range folders {
		group := byFolder[folder]
		g.Go(func() error {
			for _, c := range group {
				if err := gctx.Err(); err != nil {
					return err
				}
				ids, err := collectManifests(c, depotcache)
				if err != nil {
					return err
				}
				mu.Lock()
				for k, v := range ids {
					manifests[k] = v
				}
				mu.Unlock()
				dst := filepath.Join(common, c.contentName)
				if err := copyTree(c.manifestDir, dst, toolPrivateDir); err != nil {
					return fmt.Errorf("copy depot %s: %w", c.id, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	sizes := map[string]int64{}
	for _, c := range copies {
		size, err := dirSize(filepath.Join(common, c.contentName))
		if err != nil {
			return err
		}
		sizes[c.id] = size
	}
	total, err := dirSize(common)
	if err != nil {
		return err
	}

	lastUpdated := f.opts.Now().UTC().Unix()
	if r.meta.BuildDatetimeUTC != nil {
		lastUpdated = r.meta.BuildDatetimeUTC.Unix()
	}
	acf := AppManifest{
		Meta:        r.meta,
		InstallDir:  SanitizeName(r.meta.GameName),
		LastUpdated: lastUpdated,
		SizeOnDisk:  total,
		DepotSizes:  sizes,
		Manifests:   manifests,
		Table:       f.opts.Table,
	}
	if err := runstore.WriteBytes(filepath.Join(steamapps, acf.FileName()), []byte(acf.Render())); err != nil {
		return fmt.Errorf("write app manifest: %w", err)
	}
	r.result.Manifests = manifests
	r.result.SizeOnDisk = total
	return nil
}

func (f *Finalizer) planCopies(stagingDir string, names map[string]string) ([]depotCopy, error) {
	root := filepath.Join(stagingDir, depotsDirName)
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read depots directory: %w", err)
	}
	var out []depotCopy
	for _, e := range entries {
		if !e.IsDir() || e.Name() == toolPrivateDir {
			continue
		}
		id := e.Name()
		manifestDir, err := firstSubdir(filepath.Join(root, id))
		if err != nil {
			return nil, err
		}
		if manifestDir == "" {
			return nil, fmt.Errorf("no manifest directory found in depot %s", id)
		}
		name := names[id]
		if name == "" {
			name = "depot_" + id
		}
		out = append(out, depotCopy{id: id, manifestDir: manifestDir, contentName: contentDirName(name, id)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return depots.NumericID(out[i].id) < depots.NumericID(out[j].id)
	})
	return out, nil
}

func firstSubdir(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read depot %s: %w", filepath.Base(dir), err)
	}
	for _, e := range entries {
		if e.IsDir() && e.Name() != toolPrivateDir {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", nil
}

// collectManifests copies <manifest>/.DepotDownloader/*.manifest into the flat
// depotcache and returns depot id -> manifest id taken from the file name.
func collectManifests(c depotCopy, depotcache string) (map[string]string, error) {
	out := map[string]string{}
	dd := filepath.Join(c.manifestDir, toolPrivateDir)
	entries, err := os.ReadDir(dd)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return out, nil
		}
		return nil, fmt.Errorf("read %s: %w", dd, err)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() || filepath.Ext(e.Name()) != manifestFileExt {
			continue
		}
		out[c.id] = strings.TrimSuffix(e.Name(), manifestFileExt)
		if err := copyFile(filepath.Join(dd, e.Name()), filepath.Join(depotcache, e.Name())); err != nil {
			return nil, fmt.Errorf("copy manifest file %s: %w", e.Name(), err)
		}
	}
	return out, nil
}

func (f *Finalizer) displaceExisting(r *run) error {
	if exists(r.target) {
		r.displaced = filepath.Join(f.opts.OutputsDir, runstore.OutputDisplacedPrefix+r.meta.JobID)
		if err := os.RemoveAll(r.displaced); err != nil {
			return fmt.Errorf("cleanup displaced output %s: %w", r.displaced, err)
		}
		if err := f.opts.Rename(r.target, r.displaced); err != nil {
			r.displaced = ""
			return fmt.Errorf("move existing output aside %s: %w", r.target, err)
		}
	}
	archive := ArchivePath(r.target)
	if exists(archive) {
		if err := os.RemoveAll(archive); err != nil {
			return fmt.Errorf("remove existing archive %s: %w", archive, err)
		}
	}
	return nil
}

func (f *Finalizer) promote(r *run) error {
	if err := runstore.Mkdir(filepath.Dir(r.target)); err != nil {
		return err
	}
	if err := f.opts.Rename(r.tempDir, r.target); err != nil {
		return fmt.Errorf("promote output %s -> %s: %w", r.tempDir, r.target, err)
	}
	r.tempDir = ""
	if r.displaced != "" {
		if err := os.RemoveAll(r.displaced); err != nil {
			f.opts.Logger.Warn("remove replaced output failed", "path", r.displaced, "error", err)
		}
		r.displaced = ""
	}
	return nil
}

func (f *Finalizer) restoreDisplaced(r *run, log *slog.Logger) {
	if r.displaced == "" {
		return
	}
	if err := os.Rename(r.displaced, r.target); err != nil {
		log.Error("restore previous output failed", "path", r.displaced, "error", err)
		return
	}
	r.displaced = ""
}

func copyTree(src, dst, skip string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == skip && rel != "." {
			return filepath.SkipDir
		}
		target := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			return copyFile(path, target)
		default:
			return nil
		}
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("measure %s: %w", root, err)
	}
	return total, nil
}
