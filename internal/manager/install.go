package manager

import (
	"context"

	"modelmgr/internal/errs"
	"modelmgr/internal/installer"
	"modelmgr/pkg/types"
)

// AddModel enqueues registration of a model already on disk. The file is
// probed in place and not copied.
func (m *Manager) AddModel(path string, overrides map[string]any) (types.Job, error) {
	if installer.Classify(path) != installer.SourceLocal {
		return types.Job{}, errs.Validation("%s is not an existing local path", path)
	}
	return m.submit(installer.Request{Source: path, Overrides: overrides})
}

// InstallModel enqueues an install from a local path, URL or repo id. Repo
// installs request fp16 weights when the manager runs at float16 precision.
func (m *Manager) InstallModel(source string, overrides map[string]any) (types.Job, error) {
	req := installer.Request{Source: source, Overrides: overrides}
	if m.precision == precisionFloat16 && installer.Classify(source) == installer.SourceRepo {
		req.Variant = "fp16"
	}
	return m.submit(req)
}

func (m *Manager) submit(req installer.Request) (types.Job, error) {
	if !m.Ready() {
		return types.Job{}, errClosed
	}
	return m.installer.Install(req)
}

func (m *Manager) GetJob(id string) (types.Job, error) { return m.queue.Get(id) }

// ListJobs returns every retained job in submission order.
func (m *Manager) ListJobs() []types.Job { return m.queue.List() }

// WaitJob blocks until the job reaches a terminal state or ctx is done.
func (m *Manager) WaitJob(ctx context.Context, id string) (types.Job, error) {
	return m.queue.Wait(ctx, id)
}

func (m *Manager) CancelJob(id string) error { return m.queue.Cancel(id) }

func (m *Manager) PauseJob(id string) error { return m.queue.Pause(id) }

func (m *Manager) StartJob(id string) error { return m.queue.Start(id) }

// ChangeJobPriority adds delta to a queued job's priority; lower runs first.
func (m *Manager) ChangeJobPriority(id string, delta int) error {
	return m.queue.ChangePriority(id, delta)
}

// PruneJobs forgets terminal jobs and returns how many were removed.
func (m *Manager) PruneJobs() int { return m.queue.Prune() }
