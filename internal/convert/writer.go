package convert

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"modelmgr/internal/errs"
	"modelmgr/pkg/types"
)

// MetadataWriter lays out a diffusers pipeline skeleton: model_index.json
// and one config.json per component referencing the source checkpoint.
// Tensor conversion is left to a numeric Writer.
type MetadataWriter struct{}

var pipelineClass = map[types.BaseModelType]string{
	types.BaseSD1:         "StableDiffusionPipeline",
	types.BaseSD2:         "StableDiffusionPipeline",
	types.BaseSDXL:        "StableDiffusionXLPipeline",
	types.BaseSDXLRefiner: "StableDiffusionXLImg2ImgPipeline",
}

func componentsFor(base types.BaseModelType) []types.SubModelType {
	switch base {
	case types.BaseSDXL:
		return []types.SubModelType{types.SubModelUNet, types.SubModelVAE, types.SubModelTextEncoder, types.SubModelTextEncoder2,
			types.SubModelTokenizer, types.SubModelTokenizer2, types.SubModelScheduler}
	case types.BaseSDXLRefiner:
		return []types.SubModelType{types.SubModelUNet, types.SubModelVAE, types.SubModelTextEncoder2,
			types.SubModelTokenizer2, types.SubModelScheduler}
	}
	return []types.SubModelType{types.SubModelUNet, types.SubModelVAE, types.SubModelTextEncoder,
		types.SubModelTokenizer, types.SubModelScheduler}
}

func (MetadataWriter) Write(ctx context.Context, src types.ModelConfig, dest string) error {
	cls, ok := pipelineClass[src.Base]
	if !ok {
		return errs.Validation("cannot convert base %s", src.Base)
	}
	index := map[string]any{"_class_name": cls, "_source_checkpoint": src.Path}
	for _, sm := range componentsFor(src.Base) {
		if err := ctx.Err(); err != nil {
			return errs.Canceled("convert canceled")
		}
		dir := filepath.Join(dest, string(sm))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		if err := writeJSON(filepath.Join(dir, "config.json"), map[string]any{"_source_checkpoint": src.Path, "component": sm}); err != nil {
			return err
		}
		index[string(sm)] = []string{"diffusers", string(sm)}
	}
	return writeJSON(filepath.Join(dest, "model_index.json"), index)
}

func writeJSON(p string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p, b, 0o644)
}
