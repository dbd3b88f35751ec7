// Package storage defines the blob store abstraction and the artifact writer that
// scripts use to persist screenshots. Concrete stores live in the memory, local
// and gcs subpackages.
package storage

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"
)

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Hasher computes content digests used to name artifacts.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Artifacts names and writes per-job artifacts below a common prefix.
type Artifacts struct {
	store  BlobStore
	hasher Hasher
	prefix string
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// NewArtifacts binds a blob store and hasher to a path prefix.
func NewArtifacts(store BlobStore, hasher Hasher, prefix string) *Artifacts {
	return &Artifacts{store: store, hasher: hasher, prefix: strings.Trim(prefix, "/")}
}

// Save writes data as <prefix>/<jobID>/<name>-<digest12><ext> and returns its URI.
// The digest suffix keeps repeated saves under the same name from colliding.
func (a *Artifacts) Save(ctx context.Context, jobID, name, contentType, ext string, data []byte) (string, error) {
	if a == nil || a.store == nil {
		return "", fmt.Errorf("artifact store is not configured")
	}
	if jobID == "" {
		return "", fmt.Errorf("job id is required")
	}
	digest, err := a.hasher.Hash(data)
	if err != nil {
		return "", fmt.Errorf("hash artifact: %w", err)
	}
	if len(digest) > 12 {
		digest = digest[:12]
	}
	base := unsafeName.ReplaceAllString(name, "_")
	if base == "" || base == "_" {
		base = "artifact"
	}
	objectPath := path.Join(a.prefix, unsafeName.ReplaceAllString(jobID, "_"), fmt.Sprintf("%s-%s%s", base, digest, ext))
	uri, err := a.store.PutObject(ctx, objectPath, contentType, data)
	if err != nil {
		return "", fmt.Errorf("put artifact: %w", err)
	}
	return uri, nil
}
