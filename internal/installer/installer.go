// Package installer turns install sources (local paths, URLs and hub repo
// ids) into catalog records through the job queue.
package installer

import (
	"context"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"modelmgr/internal/common/fsutil"
	"modelmgr/internal/download"
	"modelmgr/internal/errs"
	"modelmgr/internal/jobs"
	"modelmgr/internal/probe"
	"modelmgr/internal/store"
	"modelmgr/pkg/types"
)

// StagingDirName is the directory under the models dir that holds in-flight
// downloads. Search skips it because it is hidden.
const StagingDirName = ".downloading"

// SourceKind classifies an install source.
type SourceKind int

const (
	SourceUnknown SourceKind = iota
	SourceLocal
	SourceURL
	SourceRepo
)

func (k SourceKind) String() string {
	switch k {
	case SourceLocal:
		return "local"
	case SourceURL:
		return "url"
	case SourceRepo:
		return "repo"
	}
	return "unknown"
}

// Classify decides how source will be installed. Existing local paths win
// over repo ids so that "dir/name" on disk is never fetched remotely.
func Classify(source string) SourceKind {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return SourceURL
	}
	if p, err := fsutil.ExpandHome(source); err == nil && fsutil.PathExists(p) {
		return SourceLocal
	}
	if _, ok := download.ParseRepoID(source); ok {
		return SourceRepo
	}
	return SourceUnknown
}

// Config wires an Installer.
type Config struct {
	Catalog    store.Store
	Queue      *jobs.Queue
	Downloader *download.Client
	ModelsDir  string
	Logger     zerolog.Logger
}

// Installer is safe for concurrent use.
type Installer struct {
	catalog   store.Store
	queue     *jobs.Queue
	dl        *download.Client
	modelsDir string
	logger    zerolog.Logger

	// placeMu serializes moving remote installs into the models dir.
	placeMu sync.Mutex
}

func New(cfg Config) *Installer {
	if cfg.Downloader == nil {
		cfg.Downloader = &download.Client{Logger: cfg.Logger}
	}
	if abs, err := filepath.Abs(cfg.ModelsDir); err == nil {
		cfg.ModelsDir = abs
	}
	return &Installer{
		catalog:   cfg.Catalog,
		queue:     cfg.Queue,
		dl:        cfg.Downloader,
		modelsDir: cfg.ModelsDir,
		logger:    cfg.Logger.With().Str("component", "installer").Logger(),
	}
}

// Request is one install submission.
type Request struct {
	Source    string
	Overrides map[string]any
	// Variant selects weight files for repo sources, e.g. "fp16".
	Variant string
	// Priority overrides types.DefaultJobPriority when set.
	Priority *int
}

// Install enqueues an install job and returns immediately.
func (in *Installer) Install(req Request) (types.Job, error) {
	if strings.TrimSpace(req.Source) == "" {
		return types.Job{}, errs.Validation("install source is empty")
	}
	return in.queue.Submit(jobs.Spec{
		Kind:      "install",
		Source:    req.Source,
		Overrides: req.Overrides,
		Variant:   req.Variant,
		Priority:  req.Priority,
		Task:      in.run,
	})
}

func (in *Installer) run(ctx context.Context, j *jobs.Job) error {
	kind := Classify(j.Source())
	in.logger.Info().Str("event", "install_start").Str("job", j.ID()).Str("source", j.Source()).Str("kind", kind.String()).Msg("installing model")
	switch kind {
	case SourceLocal:
		return in.installLocal(ctx, j)
	case SourceURL:
		return in.installRemote(ctx, j, func(staging string) (string, error) {
			return in.fetchURL(ctx, j, staging)
		})
	case SourceRepo:
		return in.installRemote(ctx, j, func(staging string) (string, error) {
			return in.fetchRepo(ctx, j, staging)
		})
	}
	return errs.Validation("unrecognized install source %q", j.Source())
}

func (in *Installer) installLocal(ctx context.Context, j *jobs.Job) error {
	p, err := fsutil.Canonical(j.Source())
	if err != nil {
		return errs.IO(err, "resolve %s", j.Source())
	}
	cfg, err := probe.Probe(p, j.Overrides())
	if err != nil {
		return err
	}
	cfg.Source = j.Source()
	if err := j.Checkpoint(ctx); err != nil {
		return err
	}
	return j.Commit(func() (string, error) {
		added, err := in.add(cfg)
		return added.Key, err
	})
}

// installRemote downloads into a per-job staging dir, probes the result and
// moves it to <models>/<base>/<type>/<name> on commit. The staging dir is
// removed on every exit path.
func (in *Installer) installRemote(ctx context.Context, j *jobs.Job, fetch func(staging string) (string, error)) error {
	stagingRoot := filepath.Join(in.modelsDir, StagingDirName, j.ID())
	defer func() {
		if err := fsutil.RemovePath(stagingRoot); err != nil {
			in.logger.Warn().Str("event", "staging_cleanup_failed").Str("job", j.ID()).Err(err).Msg("could not remove staging dir")
		}
	}()
	if err := os.MkdirAll(stagingRoot, 0o755); err != nil {
		return errs.IO(err, "create staging dir")
	}
	staged, err := fetch(stagingRoot)
	if err != nil {
		return err
	}
	cfg, err := probe.Probe(staged, j.Overrides())
	if err != nil {
		return err
	}
	cfg.Source = j.Source()
	final := filepath.Join(in.modelsDir, string(cfg.Base), string(cfg.Type), filepath.Base(staged))
	if fsutil.PathExists(final) {
		return errs.Validation("destination %s already exists", final)
	}
	if err := in.checkName(cfg); err != nil {
		return err
	}
	if err := j.Checkpoint(ctx); err != nil {
		return err
	}
	return j.Commit(func() (string, error) {
		in.placeMu.Lock()
		defer in.placeMu.Unlock()
		if fsutil.PathExists(final) {
			return "", errs.Validation("destination %s already exists", final)
		}
		if err := fsutil.Move(staged, final); err != nil {
			return "", errs.IO(err, "move %s into models dir", staged)
		}
		rebase(&cfg, staged, final)
		added, err := in.add(cfg)
		if err != nil {
			_ = fsutil.RemovePath(final)
			return "", err
		}
		return added.Key, nil
	})
}

func (in *Installer) fetchURL(ctx context.Context, j *jobs.Job, staging string) (string, error) {
	u, err := url.Parse(j.Source())
	if err != nil {
		return "", errs.Validation("bad url %q: %v", j.Source(), err)
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "", errs.Validation("cannot derive a file name from %q", j.Source())
	}
	dest := filepath.Join(staging, name)
	if _, err := in.dl.File(ctx, j.Source(), dest, 0, j.Checkpoint, j.SetProgress); err != nil {
		return "", err
	}
	return dest, nil
}

func (in *Installer) fetchRepo(ctx context.Context, j *jobs.Job, staging string) (string, error) {
	id, ok := download.ParseRepoID(j.Source())
	if !ok {
		return "", errs.Validation("bad repo id %q", j.Source())
	}
	name := path.Base(id.Repo)
	if id.Subfolder != "" {
		name = name + "_" + strings.ReplaceAll(id.Subfolder, "/", "_")
	}
	dest := filepath.Join(staging, name)
	if _, err := in.dl.Repo(ctx, id, j.Variant(), dest, j.Checkpoint, j.SetProgress); err != nil {
		return "", err
	}
	return dest, nil
}

// rebase rewrites a probed path from its staging location to its final one.
func rebase(cfg *types.ModelConfig, from, to string) {
	if cfg.Path == from {
		cfg.Path = to
		return
	}
	if rel, err := filepath.Rel(from, cfg.Path); err == nil && !strings.HasPrefix(rel, "..") {
		cfg.Path = filepath.Join(to, rel)
	}
}

// Register probes path and adds it to the catalog synchronously. It is used
// by reconciliation, which must not go through the queue.
func (in *Installer) Register(p string, overrides map[string]any) (types.ModelConfig, error) {
	abs, err := fsutil.Canonical(p)
	if err != nil {
		return types.ModelConfig{}, errs.IO(err, "resolve %s", p)
	}
	cfg, err := probe.Probe(abs, overrides)
	if err != nil {
		return types.ModelConfig{}, err
	}
	cfg.Source = abs
	return in.add(cfg)
}

// add assigns a key and inserts cfg unless its path or name/base/type is
// already in the catalog.
func (in *Installer) add(cfg types.ModelConfig) (types.ModelConfig, error) {
	cfg.Key = uuid.NewString()
	added, err := in.catalog.AddUnique(cfg)
	if err != nil {
		return types.ModelConfig{}, errors.Wrapf(err, "register %s", cfg.Name)
	}
	in.logger.Info().Str("event", "install_registered").Str("key", added.Key).Str("name", added.Name).
		Str("base", string(added.Base)).Str("type", string(added.Type)).Msg("model registered")
	return added, nil
}

// checkName fails early on a name/base/type collision, before any files
// are moved. add repeats the check atomically.
func (in *Installer) checkName(cfg types.ModelConfig) error {
	dup, err := in.catalog.Search(types.ModelFilter{Name: cfg.Name, Base: cfg.Base, Type: cfg.Type})
	if err != nil {
		return err
	}
	if len(dup) > 0 {
		return errs.Validation("a %s %s model named %q is already installed", cfg.Base, cfg.Type, cfg.Name)
	}
	return nil
}
