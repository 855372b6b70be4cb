// Package search locates model artifacts on disk.
package search

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"modelmgr/internal/common/fsutil"
	"modelmgr/internal/errs"
)

// markerFiles identify a directory as a single model (diffusers pipeline,
// standalone component, embedding folder or LoRA folder).
var markerFiles = []string{
	"model_index.json",
	"config.json",
	"learned_embeds.bin",
	"pytorch_lora_weights.bin",
}

// modelExts are the file extensions treated as standalone model files.
var modelExts = map[string]bool{
	".ckpt":        true,
	".safetensors": true,
	".pt":          true,
	".pth":         true,
	".bin":         true,
	".onnx":        true,
}

// IsModelFile reports whether name carries a model file extension.
func IsModelFile(name string) bool {
	return modelExts[strings.ToLower(filepath.Ext(name))]
}

// IsModelDir reports whether dir contains one of the model marker files.
func IsModelDir(dir string) bool {
	for _, m := range markerFiles {
		if fsutil.PathExists(filepath.Join(dir, m)) {
			return true
		}
	}
	return false
}

// Dir walks root recursively and returns the absolute, sorted paths of every
// model file or model directory below it. Model directories are not
// descended into; hidden directories are skipped.
func Dir(root string) ([]string, error) {
	base, err := fsutil.ExpandHome(root)
	if err != nil {
		return nil, errs.IO(err, "expand %s", root)
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, errs.IO(err, "abs path %s", root)
	}
	st, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.NotFound("search dir %s does not exist", abs)
		}
		return nil, errs.IO(err, "stat %s", abs)
	}
	if !st.IsDir() {
		return nil, errs.Validation("search path %s is not a directory", abs)
	}

	var found []string
	err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, werr error) error {
		if werr != nil {
			// unreadable subtrees are skipped, the root itself is not
			if p == abs {
				return werr
			}
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if p == abs {
				return nil
			}
			if strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			if IsModelDir(p) {
				found = append(found, p)
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if IsModelFile(d.Name()) {
			found = append(found, p)
		}
		return nil
	})
	if err != nil {
		return nil, errs.IO(err, "walk %s", abs)
	}
	sort.Strings(found)
	return found, nil
}
