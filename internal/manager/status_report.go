package manager

import (
	"time"

	"modelmgr/pkg/types"
)

// Status builds the ops snapshot served on /status.
func (m *Manager) Status() types.StatusResponse {
	resp := types.StatusResponse{
		Ready:          m.Ready(),
		Cache:          m.loader.Cache().Stats(),
		Jobs:           m.queue.Counts(),
		CacheBudgetMB:  m.cacheBudgetMB,
		UptimeSeconds:  int64(time.Since(m.startTime).Seconds()),
		ServerTimeUnix: time.Now().Unix(),
	}
	if all, err := m.store.Search(types.ModelFilter{}); err == nil {
		resp.Models = len(all)
	}
	m.mu.RLock()
	resp.LastError = m.lastErr
	m.mu.RUnlock()
	return resp
}
