package manager

import (
	"os"

	"modelmgr/pkg/types"
)

// SanityItem is one named check.
type SanityItem struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// SanityReport describes the state of the directories and catalog the
// manager depends on.
type SanityReport struct {
	OK     bool         `json:"ok"`
	Checks []SanityItem `json:"checks"`
}

// SanityCheck validates the on-disk layout. It does not mutate state and is
// safe to call at any time.
func (m *Manager) SanityCheck() SanityReport {
	r := SanityReport{OK: true}
	add := func(it SanityItem) {
		if !it.OK {
			r.OK = false
		}
		r.Checks = append(r.Checks, it)
	}
	add(dirCheck("root_dir", m.rootDir, true))
	add(dirCheck("models_dir", m.modelsDir, true))
	// only needed for checkpoint config listing
	add(dirCheck("legacy_conf_dir", m.legacyConfDir, false))
	for _, d := range m.autoimportDirs {
		add(dirCheck("autoimport_dir", d, true))
	}
	if _, err := m.store.Search(types.ModelFilter{}); err != nil {
		add(SanityItem{Name: "catalog", Detail: err.Error()})
	} else {
		add(SanityItem{Name: "catalog", OK: true})
	}
	return r
}

func dirCheck(name, p string, required bool) SanityItem {
	fi, err := os.Stat(p)
	switch {
	case err != nil && !required && isNotExist(err):
		return SanityItem{Name: name, OK: true, Detail: p + " not present"}
	case err != nil:
		return SanityItem{Name: name, Detail: err.Error()}
	case !fi.IsDir():
		return SanityItem{Name: name, Detail: p + " is not a directory"}
	}
	return SanityItem{Name: name, OK: true}
}
