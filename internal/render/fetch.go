package render

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Downloader fetches one remote asset to dst.
type Downloader interface {
	Download(ctx context.Context, src, dst string) error
}

// HTTPDownloader downloads http(s) assets.
type HTTPDownloader struct {
	Client *http.Client
}

func NewHTTPDownloader(timeout time.Duration) *HTTPDownloader {
	return &HTTPDownloader{Client: &http.Client{Timeout: timeout}}
}

func (d *HTTPDownloader) Download(ctx context.Context, src, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", src, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("get %s: status %d", src, resp.StatusCode)
	}

	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(dst), err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(dst), err)
	}
	return f.Close()
}

func isRemote(src string) bool {
	return strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://")
}

// localName picks a collision-free file name for asset i, keeping the
// extension so the transcoder can sniff the container.
func localName(i int, src string) string {
	p := src
	if u, err := url.Parse(src); err == nil && u.Path != "" {
		p = u.Path
	}
	ext := strings.ToLower(path.Ext(p))
	if len(ext) > 6 || strings.ContainsAny(ext, `/\?&=`) {
		ext = ""
	}
	return fmt.Sprintf("asset-%03d%s", i, ext)
}

// fetchAssets makes every source available as a local file inside workDir.
// Remote sources are downloaded with bounded concurrency; local paths (plain
// or file://) are used in place but only from inside inputRoot. The first
// failure cancels the remaining downloads.
func fetchAssets(ctx context.Context, d Downloader, workDir, inputRoot string, sources []string, concurrency int) (map[string]string, error) {
	local := make(map[string]string, len(sources))
	type job struct{ src, dst string }
	var jobs []job

	for _, src := range sources {
		if _, seen := local[src]; seen || src == "" {
			continue
		}
		if isRemote(src) {
			dst := filepath.Join(workDir, localName(len(local), src))
			local[src] = dst
			jobs = append(jobs, job{src: src, dst: dst})
			continue
		}
		p, err := resolveLocal(inputRoot, src)
		if err != nil {
			return nil, err
		}
		local[src] = p
	}

	if concurrency <= 0 {
		concurrency = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			if err := d.Download(gctx, j.src, j.dst); err != nil {
				return fmt.Errorf("download %s: %w", j.src, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return local, nil
}

// resolveLocal maps a local source to a path under root. Paths that escape
// root, directly or through a symlink, are a validation error.
func resolveLocal(root, src string) (string, error) {
	outside := func() error {
		return NewPipelineError(StageFetch, ErrValidation, nil, "local input %s is outside the input directory", src)
	}
	if root == "" {
		return "", NewPipelineError(StageFetch, ErrValidation, nil, "local input %s rejected: no input directory configured", src)
	}
	p := filepath.Clean(strings.TrimPrefix(src, "file://"))
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	if !within(root, p) {
		return "", outside()
	}
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("asset %s: %w", src, err)
	}

	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("input directory: %w", err)
	}
	realPath, err := filepath.EvalSymlinks(p)
	if err != nil {
		return "", fmt.Errorf("asset %s: %w", src, err)
	}
	if !within(realRoot, realPath) {
		return "", outside()
	}
	return p, nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
