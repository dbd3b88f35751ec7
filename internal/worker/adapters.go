package worker

import (
	"context"
	"net/http"
	"sync"

	collyfetcher "github.com/JakeFAU/headless-job-runner/internal/fetcher/colly"
	"github.com/JakeFAU/headless-job-runner/internal/script"
)

const screenshotExt = ".png"

// ArtifactStore persists per-job artifacts. storage.Artifacts satisfies it.
type ArtifactStore interface {
	Save(ctx context.Context, jobID, name, contentType, ext string, data []byte) (string, error)
}

// HTTPFetcher issues GET requests for scripts. collyfetcher.Fetcher satisfies it.
type HTTPFetcher interface {
	Get(ctx context.Context, rawURL string, headers http.Header) (collyfetcher.Response, error)
}

// jobArtifacts scopes an ArtifactStore to one job and remembers the URIs it wrote.
type jobArtifacts struct {
	store ArtifactStore
	jobID string

	mu   sync.Mutex
	uris []string
}

func newJobArtifacts(store ArtifactStore, jobID string) *jobArtifacts {
	if store == nil {
		return nil
	}
	return &jobArtifacts{store: store, jobID: jobID}
}

func (a *jobArtifacts) Save(ctx context.Context, name, contentType string, data []byte) (string, error) {
	uri, err := a.store.Save(ctx, a.jobID, name, contentType, screenshotExt, data)
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	a.uris = append(a.uris, uri)
	a.mu.Unlock()
	return uri, nil
}

// URIs returns a copy of the saved artifact URIs. Nil receivers report none.
func (a *jobArtifacts) URIs() []string {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.uris) == 0 {
		return nil
	}
	return append([]string(nil), a.uris...)
}

type fetcherGetter struct {
	fetcher HTTPFetcher
}

func (g fetcherGetter) Get(ctx context.Context, url string) (script.HTTPResponse, error) {
	resp, err := g.fetcher.Get(ctx, url, nil)
	if err != nil {
		return script.HTTPResponse{}, err
	}
	return script.HTTPResponse{Status: resp.Status, Headers: resp.Headers, Body: resp.Body}, nil
}
