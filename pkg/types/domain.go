package types

import "time"

// BaseModelType is the architecture family a model belongs to.
type BaseModelType string

const (
	BaseAny         BaseModelType = "any"
	BaseSD1         BaseModelType = "sd-1"
	BaseSD2         BaseModelType = "sd-2"
	BaseSDXL        BaseModelType = "sdxl"
	BaseSDXLRefiner BaseModelType = "sdxl-refiner"
)

// ModelType is the role a model plays in a generation pipeline.
type ModelType string

const (
	TypeMain        ModelType = "main"
	TypeVAE         ModelType = "vae"
	TypeLoRA        ModelType = "lora"
	TypeEmbedding   ModelType = "embedding"
	TypeControlNet  ModelType = "controlnet"
	TypeTextEncoder ModelType = "text_encoder"
	TypeIPAdapter   ModelType = "ip_adapter"
	TypeT2IAdapter  ModelType = "t2i_adapter"
	TypeONNX        ModelType = "onnx"
)

// SubModelType names one component of a composite (diffusers) model.
type SubModelType string

const (
	SubModelUNet          SubModelType = "unet"
	SubModelTextEncoder   SubModelType = "text_encoder"
	SubModelTextEncoder2  SubModelType = "text_encoder_2"
	SubModelTokenizer     SubModelType = "tokenizer"
	SubModelTokenizer2    SubModelType = "tokenizer_2"
	SubModelVAE           SubModelType = "vae"
	SubModelVAEDecoder    SubModelType = "vae_decoder"
	SubModelVAEEncoder    SubModelType = "vae_encoder"
	SubModelScheduler     SubModelType = "scheduler"
	SubModelSafetyChecker SubModelType = "safety_checker"
)

// SubModelTypes lists every submodel component in pipeline order.
var SubModelTypes = []SubModelType{
	SubModelUNet,
	SubModelTextEncoder,
	SubModelTextEncoder2,
	SubModelTokenizer,
	SubModelTokenizer2,
	SubModelVAE,
	SubModelVAEDecoder,
	SubModelVAEEncoder,
	SubModelScheduler,
	SubModelSafetyChecker,
}

// ModelFormat is the on-disk representation of a model.
type ModelFormat string

const (
	FormatCheckpoint      ModelFormat = "checkpoint"
	FormatDiffusers       ModelFormat = "diffusers"
	FormatLycoris         ModelFormat = "lycoris"
	FormatEmbeddingFile   ModelFormat = "embedding_file"
	FormatEmbeddingFolder ModelFormat = "embedding_folder"
	FormatONNX            ModelFormat = "onnx"
)

// ModelVariant distinguishes main models trained for special inputs.
type ModelVariant string

const (
	VariantNormal  ModelVariant = "normal"
	VariantInpaint ModelVariant = "inpaint"
	VariantDepth   ModelVariant = "depth"
)

// Precision of stored weights.
type Precision string

const (
	PrecisionFP16 Precision = "fp16"
	PrecisionFP32 Precision = "fp32"
)

// ModelConfig is a catalog record describing one installed model.
type ModelConfig struct {
	// Stable unique key; never reused.
	// example: 6f1c0e2a-3c55-4a4e-9a55-1f5a3c8f2d10
	Key string `json:"key" validate:"required"`
	// Human-friendly name.
	// example: stable-diffusion-v1-5
	Name string        `json:"name" validate:"required"`
	Base BaseModelType `json:"base" validate:"required,oneof=any sd-1 sd-2 sdxl sdxl-refiner"`
	Type ModelType     `json:"type" validate:"required,oneof=main vae lora embedding controlnet text_encoder ip_adapter t2i_adapter onnx"`
	// Absolute path to the model file or directory.
	Path   string      `json:"path" validate:"required"`
	Format ModelFormat `json:"format" validate:"required,oneof=checkpoint diffusers lycoris embedding_file embedding_folder onnx"`

	Variant   ModelVariant `json:"variant,omitempty" validate:"omitempty,oneof=normal inpaint depth"`
	Precision Precision    `json:"precision,omitempty" validate:"omitempty,oneof=fp16 fp32"`
	// Submodel component table: component name -> path relative to Path.
	Submodels   map[SubModelType]string `json:"submodels,omitempty"`
	Description string                  `json:"description,omitempty"`
	// Where the model was installed from (path, URL or repo id).
	Source string `json:"source,omitempty"`
	// Legacy checkpoint config file, relative to the root dir.
	ConfigPath string `json:"config_path,omitempty"`

	// Insertion sequence assigned by the store.
	Seq       uint64    `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RequiresSubmodel reports whether loading this model needs a submodel selector.
func (c ModelConfig) RequiresSubmodel() bool {
	return c.Type == TypeMain && c.Format == FormatDiffusers
}

// ModelPatch carries a partial update; nil fields are left unchanged.
type ModelPatch struct {
	Name        *string                 `json:"name,omitempty"`
	Base        *BaseModelType          `json:"base,omitempty"`
	Type        *ModelType              `json:"type,omitempty"`
	Path        *string                 `json:"path,omitempty"`
	Format      *ModelFormat            `json:"format,omitempty"`
	Variant     *ModelVariant           `json:"variant,omitempty"`
	Precision   *Precision              `json:"precision,omitempty"`
	Submodels   map[SubModelType]string `json:"submodels,omitempty"`
	Description *string                 `json:"description,omitempty"`
	ConfigPath  *string                 `json:"config_path,omitempty"`
}

// Apply copies the set fields of p onto c.
func (p ModelPatch) Apply(c *ModelConfig) {
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Base != nil {
		c.Base = *p.Base
	}
	if p.Type != nil {
		c.Type = *p.Type
	}
	if p.Path != nil {
		c.Path = *p.Path
	}
	if p.Format != nil {
		c.Format = *p.Format
	}
	if p.Variant != nil {
		c.Variant = *p.Variant
	}
	if p.Precision != nil {
		c.Precision = *p.Precision
	}
	if p.Submodels != nil {
		c.Submodels = make(map[SubModelType]string, len(p.Submodels))
		for k, v := range p.Submodels {
			c.Submodels[k] = v
		}
	}
	if p.Description != nil {
		c.Description = *p.Description
	}
	if p.ConfigPath != nil {
		c.ConfigPath = *p.ConfigPath
	}
}

// ModelFilter selects catalog entries; empty fields match everything.
type ModelFilter struct {
	Name string
	Base BaseModelType
	Type ModelType
}

// Match reports whether c satisfies every set field of f.
func (f ModelFilter) Match(c ModelConfig) bool {
	if f.Name != "" && c.Name != f.Name {
		return false
	}
	if f.Base != "" && c.Base != f.Base {
		return false
	}
	if f.Type != "" && c.Type != f.Type {
		return false
	}
	return true
}
