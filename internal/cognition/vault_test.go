package cognition

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestVault(t *testing.T, notes ...string) *Vault {
	t.Helper()
	dir := t.TempDir()
	for _, name := range notes {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+".md"), []byte("#"), 0644))
	}
	return NewVault(dir, zap.NewNop())
}

func TestVaultScanFindsEntities(t *testing.T) {
	v := newTestVault(t, "Project Alpha", "Golang")
	entities := v.Entities()
	require.Len(t, entities, 2)
	// Longest first.
	assert.Equal(t, "Project Alpha", entities[0])
	assert.Equal(t, "Golang", entities[1])
}

func TestVaultScanRecursive(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "areas")
	require.NoError(t, os.MkdirAll(sub, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "Kubernetes.md"), []byte("#"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	v := NewVault(dir, zap.NewNop())
	assert.Equal(t, []string{"Kubernetes"}, v.Entities())
}

func TestAugmentWrapsKnownEntities(t *testing.T) {
	v := newTestVault(t, "Golang")
	out := v.Augment("Working on golang services")
	assert.Equal(t, "Working on [[golang]] services", out)
}

func TestAugmentLongestFirst(t *testing.T) {
	v := newTestVault(t, "Rust", "Rust Async")
	out := v.Augment("Reading about rust async today")
	// The longer entity wins; the shorter one is not re-wrapped inside it.
	assert.Equal(t, "Reading about [[rust async]] today", out)
}

func TestAugmentPreservesMultibyteOffsets(t *testing.T) {
	v := newTestVault(t, "Rust")
	// Lowercasing "İ" grows its byte length; matching must not shift the
	// cut into the neighboring entity.
	out := v.Augment("İstanbul Rust meetup")
	assert.Equal(t, "İstanbul [[Rust]] meetup", out)
}

func TestWatchRescansOnNewNote(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Golang.md"), []byte("#"), 0644))
	v := NewVault(dir, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		v.Watch(ctx)
		close(done)
	}()

	// Give the watcher a moment to attach before the write.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Kubernetes.md"), []byte("#"), 0644))

	assert.Eventually(t, func() bool {
		for _, e := range v.Entities() {
			if e == "Kubernetes" {
				return true
			}
		}
		return false
	}, 10*time.Second, 100*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on cancellation")
	}
}

func TestAugmentSkipsBracketed(t *testing.T) {
	v := newTestVault(t, "Golang")
	out := v.Augment("Already linked [[Golang]] here")
	assert.Equal(t, "Already linked [[Golang]] here", out)
}

func TestAugmentDisabledVault(t *testing.T) {
	v := NewVault("", zap.NewNop())
	assert.False(t, v.Enabled())
	assert.Equal(t, "unchanged", v.Augment("unchanged"))
}

func TestExtractWikilinks(t *testing.T) {
	links := ExtractWikilinks("Worked on [[Project Alpha]] using [[Golang]] and [[Project Alpha]]")
	assert.Equal(t, []string{"Project Alpha", "Golang"}, links)
}

func TestExtractWikilinksNone(t *testing.T) {
	assert.Empty(t, ExtractWikilinks("no links here"))
	assert.Empty(t, ExtractWikilinks("broken [[link"))
}
