// Package probe guesses catalog metadata for a model file or directory from
// its extension, marker files and name.
package probe

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"

	"modelmgr/internal/errs"
	"modelmgr/pkg/types"
)

// embeddingMaxBytes is the size below which a bare .pt/.bin file is taken to
// be a textual inversion embedding rather than a checkpoint.
const embeddingMaxBytes = 1 << 20

// LegacyConfDir is where checkpoint config files live, relative to the root dir.
const LegacyConfDir = "configs/stable-diffusion"

var validate = validator.New()

var pipelineBases = map[string]types.BaseModelType{
	"StableDiffusionPipeline":          types.BaseSD1,
	"StableDiffusionInpaintPipeline":   types.BaseSD1,
	"StableDiffusionXLPipeline":        types.BaseSDXL,
	"StableDiffusionXLInpaintPipeline": types.BaseSDXL,
	"StableDiffusionXLImg2ImgPipeline": types.BaseSDXLRefiner,
}

var componentTypes = map[string]types.ModelType{
	"AutoencoderKL":               types.TypeVAE,
	"ControlNetModel":             types.TypeControlNet,
	"CLIPTextModel":               types.TypeTextEncoder,
	"CLIPTextModelWithProjection": types.TypeTextEncoder,
	"T2IAdapter":                  types.TypeT2IAdapter,
}

// Probe inspects path and returns a config with every field except Key
// filled in. Overrides are applied on top and the result is validated.
func Probe(path string, overrides map[string]any) (types.ModelConfig, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return types.ModelConfig{}, errs.Probe(err, "abs path %s", path)
	}
	st, err := os.Stat(abs)
	if err != nil {
		return types.ModelConfig{}, errs.Probe(err, "stat %s", abs)
	}
	var cfg types.ModelConfig
	if st.IsDir() {
		cfg, err = probeDir(abs)
	} else {
		cfg, err = probeFile(abs, st.Size())
	}
	if err != nil {
		return types.ModelConfig{}, err
	}
	cfg.Path = abs
	if err := ApplyOverrides(&cfg, overrides); err != nil {
		return types.ModelConfig{}, err
	}
	if cfg.Type == types.TypeMain && cfg.Format == types.FormatCheckpoint && cfg.ConfigPath == "" {
		cfg.ConfigPath = checkpointConfig(cfg.Base, cfg.Variant)
	}
	if err := validate.StructExcept(cfg, "Key"); err != nil {
		return types.ModelConfig{}, errs.Validation("probed config for %s is invalid: %v", abs, err)
	}
	return cfg, nil
}

// ApplyOverrides decodes overrides onto cfg using the config's JSON field
// names. Unknown fields are rejected.
func ApplyOverrides(cfg *types.ModelConfig, overrides map[string]any) error {
	if len(overrides) == 0 {
		return nil
	}
	for _, k := range []string{"key", "seq", "created_at", "updated_at"} {
		if _, ok := overrides[k]; ok {
			return errs.Validation("override of %q is not allowed", k)
		}
	}
	b, err := json.Marshal(overrides)
	if err != nil {
		return errs.Validation("encode overrides: %v", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return errs.Validation("apply overrides: %v", err)
	}
	return nil
}

func probeDir(dir string) (types.ModelConfig, error) {
	name := filepath.Base(dir)
	cfg := types.ModelConfig{Name: name, Base: baseFromName(name)}
	switch {
	case exists(dir, "model_index.json"):
		cls, _ := className(filepath.Join(dir, "model_index.json"))
		if b, ok := pipelineBases[cls]; ok {
			cfg.Base = b
		}
		cfg.Type = types.TypeMain
		cfg.Format = types.FormatDiffusers
		cfg.Variant = variantFromUNet(dir, name)
		cfg.Submodels = map[types.SubModelType]string{}
		for _, sm := range types.SubModelTypes {
			if st, err := os.Stat(filepath.Join(dir, string(sm))); err == nil && st.IsDir() {
				cfg.Submodels[sm] = string(sm)
			}
		}
	case exists(dir, "pytorch_lora_weights.bin"):
		cfg.Type = types.TypeLoRA
		cfg.Format = types.FormatDiffusers
	case exists(dir, "learned_embeds.bin"):
		cfg.Type = types.TypeEmbedding
		cfg.Format = types.FormatEmbeddingFolder
	case exists(dir, "config.json"):
		cls, err := className(filepath.Join(dir, "config.json"))
		if err != nil {
			return cfg, errs.Probe(err, "read config.json in %s", dir)
		}
		t, ok := componentTypes[cls]
		if !ok {
			return cfg, errs.Probe(nil, "unrecognized component class %q in %s", cls, dir)
		}
		cfg.Type = t
		cfg.Format = types.FormatDiffusers
	default:
		return cfg, errs.Probe(nil, "no model markers in %s", dir)
	}
	cfg.Precision = precisionFromName(name)
	return cfg, nil
}

func probeFile(path string, size int64) (types.ModelConfig, error) {
	file := filepath.Base(path)
	ext := strings.ToLower(filepath.Ext(file))
	name := strings.TrimSuffix(file, filepath.Ext(file))
	lower := strings.ToLower(name)
	cfg := types.ModelConfig{
		Name:      name,
		Base:      baseFromName(name),
		Precision: precisionFromName(name),
	}
	switch ext {
	case ".onnx":
		cfg.Type = types.TypeONNX
		cfg.Format = types.FormatONNX
	case ".ckpt", ".safetensors", ".pt", ".pth", ".bin":
		switch {
		case strings.Contains(lower, "lora") || strings.Contains(lower, "lycoris"):
			cfg.Type = types.TypeLoRA
			cfg.Format = types.FormatLycoris
		case strings.Contains(lower, "vae"):
			cfg.Type = types.TypeVAE
			cfg.Format = types.FormatCheckpoint
		case strings.Contains(lower, "controlnet") || strings.HasPrefix(lower, "control_"):
			cfg.Type = types.TypeControlNet
			cfg.Format = types.FormatCheckpoint
		case strings.Contains(lower, "embed") || ((ext == ".pt" || ext == ".bin") && size < embeddingMaxBytes):
			cfg.Type = types.TypeEmbedding
			cfg.Format = types.FormatEmbeddingFile
		default:
			cfg.Type = types.TypeMain
			cfg.Format = types.FormatCheckpoint
			cfg.Variant = variantFromName(lower)
		}
	default:
		return cfg, errs.Probe(nil, "unrecognized model file %s", path)
	}
	return cfg, nil
}

func checkpointConfig(base types.BaseModelType, v types.ModelVariant) string {
	var f string
	switch base {
	case types.BaseSD2:
		f = "v2-inference-v.yaml"
		if v == types.VariantInpaint {
			f = "v2-inpainting-inference.yaml"
		}
	case types.BaseSDXL:
		f = "sd_xl_base.yaml"
	case types.BaseSDXLRefiner:
		f = "sd_xl_refiner.yaml"
	default:
		f = "v1-inference.yaml"
		if v == types.VariantInpaint {
			f = "v1-inpainting-inference.yaml"
		}
	}
	return filepath.ToSlash(filepath.Join(LegacyConfDir, f))
}

func baseFromName(name string) types.BaseModelType {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "refiner"):
		return types.BaseSDXLRefiner
	case strings.Contains(n, "xl"):
		return types.BaseSDXL
	case strings.Contains(n, "v2") || strings.Contains(n, "sd2") || strings.Contains(n, "sd-2") || strings.Contains(n, "2-1"):
		return types.BaseSD2
	}
	return types.BaseSD1
}

func variantFromName(lower string) types.ModelVariant {
	switch {
	case strings.Contains(lower, "inpaint"):
		return types.VariantInpaint
	case strings.Contains(lower, "depth"):
		return types.VariantDepth
	}
	return types.VariantNormal
}

// variantFromUNet reads unet/config.json: 9 input channels means inpainting,
// 5 means depth conditioning.
func variantFromUNet(dir, name string) types.ModelVariant {
	b, err := os.ReadFile(filepath.Join(dir, "unet", "config.json"))
	if err != nil {
		return variantFromName(strings.ToLower(name))
	}
	var uc struct {
		InChannels int `json:"in_channels"`
	}
	if json.Unmarshal(b, &uc) != nil {
		return types.VariantNormal
	}
	switch uc.InChannels {
	case 9:
		return types.VariantInpaint
	case 5:
		return types.VariantDepth
	}
	return types.VariantNormal
}

func precisionFromName(name string) types.Precision {
	if strings.Contains(strings.ToLower(name), "fp16") {
		return types.PrecisionFP16
	}
	return ""
}

func className(p string) (string, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		return "", err
	}
	var doc struct {
		ClassName string `json:"_class_name"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return "", err
	}
	return doc.ClassName, nil
}

func exists(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}
