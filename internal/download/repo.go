package download

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"modelmgr/internal/errs"
)

// repoIDPattern matches "owner/name" with an optional ":subfolder".
var repoIDPattern = regexp.MustCompile(`^[A-Za-z0-9][\w.-]*/[\w.-]+(:[\w./-]+)?$`)

// RepoID is a parsed hub repository reference.
type RepoID struct {
	Repo      string
	Subfolder string
}

// ParseRepoID parses "owner/name[:subfolder]".
func ParseRepoID(s string) (RepoID, bool) {
	if !repoIDPattern.MatchString(s) {
		return RepoID{}, false
	}
	repo, sub, _ := strings.Cut(s, ":")
	return RepoID{Repo: repo, Subfolder: strings.Trim(sub, "/")}, true
}

func (r RepoID) String() string {
	if r.Subfolder == "" {
		return r.Repo
	}
	return r.Repo + ":" + r.Subfolder
}

type repoInfo struct {
	Siblings []struct {
		RFilename string `json:"rfilename"`
	} `json:"siblings"`
}

// RepoFiles lists the files of repo that make up the model, filtered to the
// subfolder and the requested variant. Paths are relative to the repo root.
func (c *Client) RepoFiles(ctx context.Context, id RepoID, variant string) ([]string, error) {
	url := fmt.Sprintf("%s/api/models/%s", strings.TrimRight(c.endpoint(), "/"), id.Repo)
	req, err := c.newRequest(ctx, http.MethodGet, url)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, errs.IO(err, "query repo %s", id.Repo)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errs.NotFound("repo %s not found", id.Repo)
	case resp.StatusCode != http.StatusOK:
		return nil, errs.IO(errors.Errorf("status %d", resp.StatusCode), "query repo %s", id.Repo)
	}
	var info repoInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, errs.IO(err, "decode repo %s", id.Repo)
	}
	names := make([]string, 0, len(info.Siblings))
	for _, s := range info.Siblings {
		names = append(names, s.RFilename)
	}
	files := FilterVariant(filterSubfolder(names, id.Subfolder), variant)
	if len(files) == 0 {
		return nil, errs.NotFound("repo %s has no model files", id)
	}
	return files, nil
}

func filterSubfolder(names []string, sub string) []string {
	var out []string
	for _, n := range names {
		if strings.HasPrefix(path.Base(n), ".") || strings.EqualFold(path.Ext(n), ".md") {
			continue
		}
		if sub != "" && !strings.HasPrefix(n, sub+"/") {
			continue
		}
		out = append(out, n)
	}
	return out
}

// variantName returns the canonical name of a file and the variant it
// carries, e.g. "unet/model.fp16.safetensors" -> ("unet/model.safetensors", "fp16").
func variantName(name string) (string, string) {
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if i := strings.LastIndex(stem, "."); i > strings.LastIndex(stem, "/") {
		v := stem[i+1:]
		if v == "fp16" || v == "fp32" || v == "ema" || v == "non_ema" {
			return stem[:i] + ext, v
		}
	}
	return name, ""
}

// FilterVariant keeps one file per canonical name: the requested variant
// when present, else the plain file, else the first other variant. Within a
// directory that has safetensors weights the .bin weights are dropped.
func FilterVariant(names []string, variant string) []string {
	byCanon := map[string]map[string]string{}
	for _, n := range names {
		canon, v := variantName(n)
		if byCanon[canon] == nil {
			byCanon[canon] = map[string]string{}
		}
		if prev, ok := byCanon[canon][v]; !ok || n < prev {
			byCanon[canon][v] = n
		}
	}
	withSafetensors := map[string]bool{}
	for canon := range byCanon {
		if strings.HasSuffix(canon, ".safetensors") {
			withSafetensors[path.Dir(canon)] = true
		}
	}
	var out []string
	for canon, vs := range byCanon {
		if strings.HasSuffix(canon, ".bin") && withSafetensors[path.Dir(canon)] {
			continue
		}
		if n, ok := vs[variant]; ok {
			out = append(out, n)
			continue
		}
		if n, ok := vs[""]; ok {
			out = append(out, n)
			continue
		}
		var first string
		for _, n := range vs {
			if first == "" || n < first {
				first = n
			}
		}
		out = append(out, first)
	}
	sort.Strings(out)
	return out
}

// ResolveURL returns the download URL of one repo file.
func (c *Client) ResolveURL(repo, file string) string {
	return fmt.Sprintf("%s/%s/resolve/main/%s", strings.TrimRight(c.endpoint(), "/"), repo, file)
}

// Repo downloads every model file of id into destDir, preserving the layout
// below the subfolder. Variant markers are stripped from local file names.
func (c *Client) Repo(ctx context.Context, id RepoID, variant, destDir string, checkpoint Checkpoint, progress Progress) (int64, error) {
	files, err := c.RepoFiles(ctx, id, variant)
	if err != nil {
		return 0, err
	}
	var done int64
	for _, f := range files {
		rel := f
		if id.Subfolder != "" {
			rel = strings.TrimPrefix(f, id.Subfolder+"/")
		}
		canon, _ := variantName(rel)
		dest := filepath.Join(destDir, filepath.FromSlash(canon))
		n, err := c.File(ctx, c.ResolveURL(id.Repo, f), dest, done, checkpoint, progress)
		if err != nil {
			return done + n, err
		}
		done += n
	}
	c.Logger.Info().Str("event", "repo_downloaded").Str("repo", id.String()).Int("files", len(files)).Int64("bytes", done).Msg("repo download complete")
	return done, nil
}
