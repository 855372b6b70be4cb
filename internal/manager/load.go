package manager

import (
	"context"

	"modelmgr/internal/errs"
	"modelmgr/internal/loader"
	"modelmgr/pkg/types"
)

// GetModel returns a pinned handle to the model, loading it into the cache
// if needed. Main diffusers models require a submodel. When exec is non-nil
// the load is bracketed by model_load_started/model_load_completed events
// and abandoned if the invocation has been canceled.
func (m *Manager) GetModel(ctx context.Context, key string, submodel types.SubModelType, exec ExecContext) (*loader.ModelInfo, error) {
	if exec != nil {
		if exec.IsCanceled() {
			return nil, errs.Canceled("execution %s canceled before loading %s", exec.ExecutionID(), key)
		}
		// a started event is only published for loads that can begin
		cfg, err := m.store.Get(key)
		if err != nil {
			return nil, err
		}
		if _, err := loader.ModelPath(cfg, submodel); err != nil {
			return nil, err
		}
		m.pub.Publish(Event{Name: EventModelLoadStarted, Target: key, Fields: loadFields(exec, submodel)})
	}
	mi, err := m.loader.Load(ctx, key, submodel)
	if err != nil {
		m.logger.Debug().Str("event", "load_error").Str("key", key).Str("submodel", string(submodel)).Err(err).Msg("load failed")
		return nil, err
	}
	if exec == nil {
		return mi, nil
	}
	if exec.IsCanceled() {
		mi.Release()
		return nil, errs.Canceled("execution %s canceled while loading %s", exec.ExecutionID(), key)
	}
	f := loadFields(exec, submodel)
	f["size_bytes"] = mi.SizeBytes()
	f["name"] = mi.Config.Name
	f["base"] = string(mi.Config.Base)
	f["type"] = string(mi.Config.Type)
	m.pub.Publish(Event{Name: EventModelLoadCompleted, Target: key, Fields: f})
	return mi, nil
}

func loadFields(exec ExecContext, submodel types.SubModelType) map[string]any {
	f := map[string]any{"execution_id": exec.ExecutionID()}
	if submodel != "" {
		f["submodel"] = string(submodel)
	}
	return f
}

// CollectCacheStats folds the cache counters into acc and resets them.
func (m *Manager) CollectCacheStats(acc *types.CacheStats) {
	m.loader.Cache().Collect(acc, true)
}
