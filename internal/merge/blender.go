package merge

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"modelmgr/internal/common/fsutil"
	"modelmgr/internal/errs"
	"modelmgr/internal/loader"
)

// MetadataBlender copies the pipeline layout of the first source and records
// the merge parameters in merge.json. Weight blending is left to a numeric
// Blender.
type MetadataBlender struct{}

type mergeRecord struct {
	Sources       []string      `json:"sources"`
	Alpha         float64       `json:"alpha"`
	Interpolation Interpolation `json:"interpolation"`
}

func (MetadataBlender) Blend(ctx context.Context, sources []*loader.ModelInfo, p Params, dest string) error {
	if len(sources) == 0 {
		return errs.Validation("no merge sources")
	}
	root := sources[0].Config.Path
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	if err := fsutil.Copy(filepath.Join(root, "model_index.json"), filepath.Join(dest, "model_index.json")); err != nil {
		return err
	}
	for sm := range sources[0].Config.Submodels {
		if err := ctx.Err(); err != nil {
			return errs.Canceled("merge canceled")
		}
		src := filepath.Join(root, string(sm), "config.json")
		if !fsutil.PathExists(src) {
			continue
		}
		if err := fsutil.Copy(src, filepath.Join(dest, string(sm), "config.json")); err != nil {
			return err
		}
	}
	rec := mergeRecord{Alpha: p.Alpha, Interpolation: p.Interpolation}
	for _, s := range sources {
		rec.Sources = append(rec.Sources, s.Config.Path)
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dest, "merge.json"), b, 0o644)
}
