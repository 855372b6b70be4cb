// Package download fetches model files over HTTP with resumable .part
// staging and cooperative pause/cancel checkpoints.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"modelmgr/internal/errs"
)

const (
	// DefaultEndpoint is the model hub used for repo id sources.
	DefaultEndpoint  = "https://huggingface.co"
	defaultChunkSize = 64 * 1024
	partSuffix       = ".part"
)

// Checkpoint is called between chunks. It blocks while the owning job is
// paused and returns an error once the job is canceled.
type Checkpoint func(ctx context.Context) error

// Progress reports bytes written so far and the expected total (0 if unknown).
type Progress func(done, total int64)

// Client downloads files. The zero value is usable.
type Client struct {
	HTTP *http.Client
	// Endpoint is the hub base URL for repo resolution.
	Endpoint string
	// Token is sent as a bearer token when set.
	Token     string
	ChunkSize int
	Logger    zerolog.Logger
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	// no overall timeout for large downloads
	return &http.Client{Timeout: 0}
}

func (c *Client) endpoint() string {
	if c.Endpoint != "" {
		return c.Endpoint
	}
	return DefaultEndpoint
}

func (c *Client) newRequest(ctx context.Context, method, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, errs.Validation("bad url %q: %v", url, err)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return req, nil
}

// File downloads url to dest. Bytes land in dest+".part" first; an existing
// part file is resumed with a Range request. offset is added to progress so
// multi-file downloads can report a running total.
func (c *Client) File(ctx context.Context, url, dest string, offset int64, checkpoint Checkpoint, progress Progress) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, errs.IO(err, "create %s", filepath.Dir(dest))
	}
	part := dest + partSuffix
	var have int64
	if fi, err := os.Stat(part); err == nil {
		have = fi.Size()
	}

	req, err := c.newRequest(ctx, http.MethodGet, url)
	if err != nil {
		return 0, err
	}
	if have > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", have))
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, errs.Canceled("download %s canceled", url)
		}
		return 0, errs.IO(err, "get %s", url)
	}
	defer resp.Body.Close()

	flag := os.O_CREATE | os.O_WRONLY
	switch resp.StatusCode {
	case http.StatusOK:
		// server ignored the range; start over
		have = 0
		flag |= os.O_TRUNC
	case http.StatusPartialContent:
		flag |= os.O_APPEND
	case http.StatusRequestedRangeNotSatisfiable:
		// part file already complete
		if err := os.Rename(part, dest); err != nil {
			return 0, errs.IO(err, "finalize %s", dest)
		}
		return have, nil
	default:
		return 0, errs.IO(errors.Errorf("status %d", resp.StatusCode), "get %s", url)
	}
	total := int64(0)
	if resp.ContentLength >= 0 {
		total = have + resp.ContentLength
	}

	f, err := os.OpenFile(part, flag, 0o644)
	if err != nil {
		return 0, errs.IO(err, "open %s", part)
	}
	n, err := c.copy(ctx, f, resp.Body, have, offset, total, checkpoint, progress)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = errs.IO(cerr, "close %s", part)
	}
	if err != nil {
		return n, err
	}
	if total > 0 && n != total {
		return n, errs.IO(errors.Errorf("short body: got %d of %d bytes", n, total), "get %s", url)
	}
	if err := os.Rename(part, dest); err != nil {
		return n, errs.IO(err, "finalize %s", dest)
	}
	c.Logger.Debug().Str("event", "download_done").Str("url", url).Int64("bytes", n).Msg("downloaded file")
	return n, nil
}

func (c *Client) copy(ctx context.Context, dst io.Writer, src io.Reader, have, offset, total int64, checkpoint Checkpoint, progress Progress) (int64, error) {
	size := c.ChunkSize
	if size <= 0 {
		size = defaultChunkSize
	}
	buf := make([]byte, size)
	done := have
	for {
		if checkpoint != nil {
			if err := checkpoint(ctx); err != nil {
				return done, err
			}
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return done, errs.IO(werr, "write")
			}
			done += int64(n)
			if progress != nil {
				progress(offset+done, offset+total)
			}
		}
		if rerr == io.EOF {
			return done, nil
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return done, errs.Canceled("download canceled")
			}
			return done, errs.IO(rerr, "read body")
		}
	}
}
