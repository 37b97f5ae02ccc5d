package weights

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/jmorganca/cascade/envconfig"
	"github.com/jmorganca/cascade/logutil"
)

const (
	maxRetries          = 6
	defaultStallTimeout = 10 * time.Second
	defaultUserAgent    = "cascade/1.0"
)

var (
	errStalled            = errors.New("download stalled")
	errMaxRetriesExceeded = errors.New("max retries exceeded")
)

// ResourceError reports a weight or tokenizer file that could not be
// located or fetched.
type ResourceError struct {
	File File
	Err  error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("%s (%s/%s): %v", e.File, e.File.Repo(), e.File.Path(), e.Err)
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

type Resolver struct {
	Client *http.Client
	// Endpoint is the Hugging Face base URL, e.g. https://huggingface.co.
	Endpoint string
	Token    string
	// Dir caches downloaded files as Dir/<repo>/<path>.
	Dir          string
	StallTimeout time.Duration

	// Progress, when set, is called as bytes of a download arrive.
	Progress func(file File, completed, total int64)
}

// NewResolver returns a resolver configured from the environment.
func NewResolver() *Resolver {
	return &Resolver{
		Client:   http.DefaultClient,
		Endpoint: envconfig.HFEndpoint,
		Token:    envconfig.HFToken,
		Dir:      envconfig.Models(),
	}
}

// Path is where file is cached.
func (r *Resolver) Path(file File) string {
	return filepath.Join(r.Dir, filepath.FromSlash(file.Repo()), filepath.FromSlash(file.Path()))
}

// Resolve returns a local path for file. A non-empty override is returned
// as is once it is known to exist; otherwise the cached copy is used and
// fetched first when missing.
func (r *Resolver) Resolve(ctx context.Context, file File, override string) (string, error) {
	if override != "" {
		if _, err := os.Stat(override); err != nil {
			return "", &ResourceError{File: file, Err: err}
		}

		slog.Debug("using override", "file", file, "path", override)
		return override, nil
	}

	dest := r.Path(file)
	if fi, err := os.Stat(dest); err == nil && fi.Mode().IsRegular() {
		logutil.Trace("cache hit", "file", file, "path", dest)
		return dest, nil
	}

	if err := r.download(ctx, file, dest); err != nil {
		return "", &ResourceError{File: file, Err: err}
	}

	return dest, nil
}

// ResolveAll resolves files concurrently. overrides may be nil.
func (r *Resolver) ResolveAll(ctx context.Context, files []File, overrides map[File]string) (map[File]string, error) {
	paths := make([]string, len(files))
	sem := semaphore.NewWeighted(int64(max(envconfig.NumParallel, 2)))

	g, ctx := errgroup.WithContext(ctx)
	for i, file := range files {
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			path, err := r.Resolve(ctx, file, overrides[file])
			paths[i] = path
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	resolved := make(map[File]string, len(files))
	for i, file := range files {
		resolved[file] = paths[i]
	}

	return resolved, nil
}

func (r *Resolver) download(ctx context.Context, file File, dest string) error {
	var lastErr error
	attempt := 0

	for attempt < maxRetries {
		if attempt > 0 {
			if err := backoff(ctx, attempt, time.Second<<uint(attempt-1)); err != nil {
				return err
			}
		}

		start := time.Now()
		n, err := r.downloadOnce(ctx, file, dest)
		if err == nil {
			slog.Info("downloaded", "file", file, "bytes", n, logutil.Elapsed(start))
			return nil
		}

		var status statusError
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		case errors.As(err, &status) && status.permanent():
			return err
		case errors.Is(err, errStalled):
			// stalls do not count against the limit
		default:
			attempt++
		}

		slog.Debug("download failed", "file", file, "attempt", attempt, "error", err)
		lastErr = err
	}

	return fmt.Errorf("%w: %v", errMaxRetriesExceeded, lastErr)
}

type statusError int

func (s statusError) Error() string {
	return fmt.Sprintf("status %d %s", int(s), http.StatusText(int(s)))
}

// permanent reports whether retrying cannot help.
func (s statusError) permanent() bool {
	return s == http.StatusNotFound || s == http.StatusUnauthorized || s == http.StatusForbidden
}

func (r *Resolver) url(file File) string {
	return fmt.Sprintf("%s/%s/resolve/main/%s", strings.TrimSuffix(r.Endpoint, "/"), file.Repo(), file.Path())
}

func (r *Resolver) downloadOnce(ctx context.Context, file File, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url(file), nil)
	if err != nil {
		return 0, err
	}

	req.Header.Set("User-Agent", defaultUserAgent)
	if r.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.Token)
	}

	slog.Debug("downloading", "file", file, "url", req.URL)
	resp, err := cmp.Or(r.Client, http.DefaultClient).Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, statusError(resp.StatusCode)
	}

	return r.save(ctx, file, dest, resp)
}

func (r *Resolver) save(ctx context.Context, file File, dest string, resp *http.Response) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, err
	}

	f, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.tmp")
	if err != nil {
		return 0, err
	}
	tmp := f.Name()
	defer os.Remove(tmp)
	defer f.Close()

	h := sha256.New()
	n, err := r.copy(ctx, io.MultiWriter(f, h), resp.Body, func(n int64) {
		if r.Progress != nil {
			r.Progress(file, n, resp.ContentLength)
		}
	})
	if err != nil {
		return n, err
	}

	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return n, fmt.Errorf("size mismatch: got %d bytes, want %d", n, resp.ContentLength)
	}

	// large files stored with LFS carry their sha256 in the linked etag
	if etag := strings.Trim(resp.Header.Get("X-Linked-Etag"), `"`); len(etag) == sha256.Size*2 {
		if got := hex.EncodeToString(h.Sum(nil)); got != etag {
			return n, fmt.Errorf("digest mismatch: got %s, want %s", got, etag)
		}
	}

	if err := f.Close(); err != nil {
		return n, err
	}

	return n, os.Rename(tmp, dest)
}

// copy streams src into dst, closing src when no bytes arrive within the
// stall timeout.
func (r *Resolver) copy(ctx context.Context, dst io.Writer, src io.ReadCloser, progress func(int64)) (int64, error) {
	var n int64
	var lastRead atomic.Int64
	lastRead.Store(time.Now().UnixNano())

	stallTimeout := cmp.Or(r.StallTimeout, defaultStallTimeout)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	go func() {
		tick := time.NewTicker(min(time.Second, stallTimeout))
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				if time.Since(time.Unix(0, lastRead.Load())) > stallTimeout {
					cancel(errStalled)
					src.Close()
					return
				}
			}
		}
	}()

	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			if c := context.Cause(ctx); c != nil {
				return n, c
			}
			return n, err
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			lastRead.Store(time.Now().UnixNano())
			if _, err := dst.Write(buf[:nr]); err != nil {
				return n, err
			}
			n += int64(nr)
			progress(n)
		}

		if err == io.EOF {
			return n, nil
		}

		if err != nil {
			if c := context.Cause(ctx); c != nil {
				return n, c
			}
			return n, err
		}
	}
}

func backoff(ctx context.Context, attempt int, maxBackoff time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// n^2 backoff with jitter
	d := min(time.Duration(attempt*attempt)*10*time.Millisecond, maxBackoff)
	d = time.Duration(float64(d) * (rand.Float64() + 0.5))

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
