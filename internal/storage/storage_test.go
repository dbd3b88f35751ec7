package storage_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/headless-job-runner/internal/hash/sha256"
	"github.com/JakeFAU/headless-job-runner/internal/storage"
	"github.com/JakeFAU/headless-job-runner/internal/storage/memory"
)

func TestArtifactsSaveNamesByDigest(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	artifacts := storage.NewArtifacts(store, sha256.New(), "/screenshots/")

	uri, err := artifacts.Save(context.Background(), "job-1", "home page", "image/png", ".png", []byte("png-bytes"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(uri, "memory://screenshots/job-1/home_page-"), uri)
	require.True(t, strings.HasSuffix(uri, ".png"))

	path := strings.TrimPrefix(uri, "memory://")
	data, ok := store.Object(path)
	require.True(t, ok)
	require.Equal(t, []byte("png-bytes"), data)

	again, err := artifacts.Save(context.Background(), "job-1", "home page", "image/png", ".png", []byte("other"))
	require.NoError(t, err)
	require.NotEqual(t, uri, again)
}

func TestArtifactsSaveRequiresJob(t *testing.T) {
	t.Parallel()

	artifacts := storage.NewArtifacts(memory.NewBlobStore(), sha256.New(), "")
	_, err := artifacts.Save(context.Background(), "", "x", "image/png", ".png", []byte("a"))
	require.Error(t, err)

	var nilArtifacts *storage.Artifacts
	_, err = nilArtifacts.Save(context.Background(), "job", "x", "image/png", ".png", []byte("a"))
	require.Error(t, err)
}
