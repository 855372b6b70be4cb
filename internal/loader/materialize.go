package loader

import (
	"context"

	"modelmgr/internal/common/fsutil"
	"modelmgr/internal/errs"
	"modelmgr/pkg/types"
)

// Artifact is the object produced by FileMaterializer: a reference to the
// weights on disk with their size. No tensors are read.
type Artifact struct {
	Path      string
	Format    types.ModelFormat
	SizeBytes int64
}

// FileMaterializer sizes the model on disk and returns an Artifact.
type FileMaterializer struct{}

func (FileMaterializer) Materialize(ctx context.Context, cfg types.ModelConfig, _ types.SubModelType, path string) (any, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, errs.Canceled("materialize %s canceled", cfg.Key)
	}
	size, err := fsutil.Size(path)
	if err != nil {
		return nil, 0, errs.IO(err, "materialize %s", path)
	}
	// unknown or empty sizes still count against the budget
	if size <= 0 {
		size = 1
	}
	return &Artifact{Path: path, Format: cfg.Format, SizeBytes: size}, size, nil
}
