package manifest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

var (
	HTTPUserAgent = "epochbot patch check"

	httpClient = &http.Client{
		Transport: &http.Transport{
			DisableKeepAlives:     true,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}
)

// File is one entry of the patch manifest's file list.
type File struct {
	Path string `json:"Path"`
	Hash string `json:"Hash"`
	Size int64  `json:"Size"`
}

// Manifest is the patch server's description of the current client
// build.
type Manifest struct {
	Version string `json:"Version"`
	UID     string `json:"Uid"`
	Files   []File `json:"Files"`
}

// FailureKind distinguishes why a fetch failed. Both kinds are
// non-fatal to callers; the split exists for logging.
type FailureKind int

const (
	KindTransport FailureKind = iota
	KindDecode
)

func (k FailureKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// FetchError reports a failed manifest fetch.
type FetchError struct {
	Kind FailureKind
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch manifest: %s failure: %s", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Fetcher downloads and parses the patch manifest.
type Fetcher struct {
	URL     string
	Timeout time.Duration
}

func NewFetcher(url string, timeout time.Duration) Fetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return Fetcher{URL: url, Timeout: timeout}
}

// Fetch GETs the manifest endpoint. Errors are always *FetchError;
// a non-200 response counts as a transport failure.
func (f Fetcher) Fetch(ctx context.Context) (Manifest, error) {
	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return Manifest{}, &FetchError{Kind: KindTransport, Err: err}
	}
	req.Header.Set("User-Agent", HTTPUserAgent)

	resp, err := httpClient.Do(req)
	if err != nil {
		return Manifest{}, &FetchError{Kind: KindTransport, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Manifest{}, &FetchError{Kind: KindTransport, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Manifest{}, &FetchError{Kind: KindTransport, Err: err}
	}

	var m Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return Manifest{}, &FetchError{Kind: KindDecode, Err: err}
	}

	return m, nil
}
