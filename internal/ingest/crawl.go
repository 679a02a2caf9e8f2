// Package ingest runs ingestion jobs: crawl sources, extract text through
// the handler catalog, classify, chunk, embed, and load into the tenant's
// knowledge store. One job belongs to one tenant; files inside a job are
// processed in parallel but never across tenant boundaries.
package ingest

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/cortexa-labs/cortexa/internal/resilience"
)

// maxFetchBytes bounds one source file. Larger files fail rather than
// exhausting memory.
const maxFetchBytes = 64 << 20

// Fetcher pulls raw source bytes from local paths, HTTP(S) URLs, and FTP
// URLs. Remote fetches share a rate limiter so one job cannot flood a
// customer's file server.
type Fetcher struct {
	http    *http.Client
	limiter *rate.Limiter
	timeout time.Duration
	retry   resilience.RetryConfig
}

// NewFetcher creates a Fetcher. ratePerSec bounds remote requests per
// second; zero disables limiting.
func NewFetcher(timeout time.Duration, ratePerSec float64) *Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
	}
	retry := resilience.DefaultRetryConfig()
	retry.InitialBackoff = 250 * time.Millisecond
	retry.OnRetry = resilience.RetryLogger("source", "fetch")
	return &Fetcher{
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 1),
		timeout: timeout,
		retry:   retry,
	}
}

// Fetch returns the content of one source.
func (f *Fetcher) Fetch(ctx context.Context, source string) ([]byte, error) {
	switch {
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "ingest: rate limit wait")
		}
		return f.fetchHTTP(ctx, source)
	case strings.HasPrefix(source, "ftp://"):
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "ingest: rate limit wait")
		}
		return f.fetchFTP(ctx, source)
	default:
		return f.fetchLocal(source)
	}
}

func (f *Fetcher) fetchHTTP(ctx context.Context, source string) ([]byte, error) {
	return resilience.DoVal(ctx, f.retry, func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: create request for %s", source)
		}

		resp, err := f.http.Do(req)
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: fetch %s", source)
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode != http.StatusOK {
			err := eris.Errorf("ingest: fetch %s: status %d", source, resp.StatusCode)
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return nil, resilience.NewTransientError(err, resp.StatusCode)
			}
			return nil, err
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: read %s", source)
		}
		if len(data) > maxFetchBytes {
			return nil, eris.Errorf("ingest: %s exceeds %d bytes", source, maxFetchBytes)
		}
		return data, nil
	})
}

func (f *Fetcher) fetchFTP(ctx context.Context, source string) ([]byte, error) {
	u, err := url.Parse(source)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: parse ftp url %s", source)
	}

	host := u.Host
	if u.Port() == "" {
		host += ":21"
	}

	conn, err := ftp.Dial(host, ftp.DialWithContext(ctx), ftp.DialWithTimeout(f.timeout))
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: ftp dial %s", host)
	}
	defer conn.Quit() //nolint:errcheck

	user, pass := "anonymous", "anonymous"
	if u.User != nil {
		user = u.User.Username()
		if p, ok := u.User.Password(); ok {
			pass = p
		}
	}
	if err := conn.Login(user, pass); err != nil {
		return nil, eris.Wrapf(err, "ingest: ftp login %s", host)
	}

	r, err := conn.Retr(strings.TrimPrefix(u.Path, "/"))
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: ftp retr %s", u.Path)
	}
	defer r.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(r, maxFetchBytes+1))
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: ftp read %s", u.Path)
	}
	if len(data) > maxFetchBytes {
		return nil, eris.Errorf("ingest: %s exceeds %d bytes", source, maxFetchBytes)
	}
	return data, nil
}

func (f *Fetcher) fetchLocal(source string) ([]byte, error) {
	info, err := os.Stat(source)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: stat %s", source)
	}
	if info.Size() > maxFetchBytes {
		return nil, eris.Errorf("ingest: %s exceeds %d bytes", source, maxFetchBytes)
	}
	data, err := os.ReadFile(source)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: read %s", source)
	}
	return data, nil
}
