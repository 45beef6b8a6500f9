// Package cognition turns enriched events into semantic descriptions: intent
// synthesis, session summaries, concept extraction, and tiered access to the
// local language-model endpoint.
package cognition

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Vault holds the known-entity set scraped from a directory of markdown
// notes. Entity names are note filenames without the extension; Augment
// wraps their occurrences in [[wikilinks]].
type Vault struct {
	path   string
	logger *zap.Logger

	mu sync.RWMutex
	// entities sorted longest-first so nested names resolve to the longer
	// match.
	entities []string
}

// NewVault creates a vault over the given directory and performs the initial
// scan. An empty path yields a disabled vault whose Augment is a no-op.
func NewVault(path string, logger *zap.Logger) *Vault {
	v := &Vault{path: path, logger: logger.Named("vault")}
	if path != "" {
		if err := v.Scan(); err != nil {
			v.logger.Warn("vault scan failed", zap.Error(err))
		}
	}
	return v
}

// Enabled reports whether a vault directory is configured.
func (v *Vault) Enabled() bool {
	return v.path != ""
}

// Scan walks the vault recursively and rebuilds the entity set from *.md
// filenames.
func (v *Vault) Scan() error {
	if v.path == "" {
		return nil
	}

	var entities []string
	err := filepath.WalkDir(v.path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".md") {
			return nil
		}
		name := strings.TrimSuffix(d.Name(), filepath.Ext(d.Name()))
		if len(name) >= 3 {
			entities = append(entities, name)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk vault: %w", err)
	}

	sort.Slice(entities, func(i, j int) bool {
		return len(entities[i]) > len(entities[j])
	})

	v.mu.Lock()
	v.entities = entities
	v.mu.Unlock()

	v.logger.Debug("vault scanned", zap.Int("entities", len(entities)))
	return nil
}

// Entities returns a copy of the known-entity set, longest first.
func (v *Vault) Entities() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, len(v.entities))
	copy(out, v.entities)
	return out
}

// Augment wraps occurrences of known entities in [[...]]. Matching is
// case-insensitive and longest-entity-first; already-bracketed occurrences
// are left alone.
func (v *Vault) Augment(text string) string {
	if text == "" {
		return text
	}
	v.mu.RLock()
	entities := v.entities
	v.mu.RUnlock()

	for _, entity := range entities {
		text = wrapEntity(text, entity)
	}
	return text
}

// wrapEntity brackets every case-insensitive occurrence of entity in text,
// preserving the original casing of the match. Occurrences inside an
// existing [[...]] span are left alone so longer entities wrapped earlier
// are not double-bracketed.
func wrapEntity(text, entity string) string {
	spans := wikilinkSpans(text)

	var b strings.Builder
	pos := 0
	for {
		start, end := foldIndex(text, entity, pos)
		if start < 0 {
			b.WriteString(text[pos:])
			break
		}
		b.WriteString(text[pos:start])
		if insideSpan(spans, start, end) {
			b.WriteString(text[start:end])
		} else {
			b.WriteString("[[")
			b.WriteString(text[start:end])
			b.WriteString("]]")
		}
		pos = end
	}
	return b.String()
}

// foldIndex locates the first case-insensitive occurrence of needle in text
// at or after pos, returning its byte bounds or (-1, -1). Folding is
// rune-wise; strings.ToLower can change encoded length for some code points
// (U+0130 and friends), which would desynchronize byte offsets.
func foldIndex(text, needle string, pos int) (int, int) {
	needleRunes := []rune(needle)
	if len(needleRunes) == 0 || pos >= len(text) {
		return -1, -1
	}

	textRunes := []rune(text[pos:])
	offsets := make([]int, len(textRunes)+1)
	off := pos
	for i, r := range textRunes {
		offsets[i] = off
		off += utf8.RuneLen(r)
	}
	offsets[len(textRunes)] = off

	for i := 0; i+len(needleRunes) <= len(textRunes); i++ {
		matched := true
		for j, nr := range needleRunes {
			if unicode.ToLower(textRunes[i+j]) != unicode.ToLower(nr) {
				matched = false
				break
			}
		}
		if matched {
			return offsets[i], offsets[i+len(needleRunes)]
		}
	}
	return -1, -1
}

// wikilinkSpans returns the [start, end) byte ranges of existing [[...]]
// spans, brackets included.
func wikilinkSpans(text string) [][2]int {
	var spans [][2]int
	pos := 0
	for {
		start := strings.Index(text[pos:], "[[")
		if start < 0 {
			break
		}
		start += pos
		end := strings.Index(text[start+2:], "]]")
		if end < 0 {
			break
		}
		end += start + 4
		spans = append(spans, [2]int{start, end})
		pos = end
	}
	return spans
}

func insideSpan(spans [][2]int, start, end int) bool {
	for _, span := range spans {
		if start < span[1] && end > span[0] {
			return true
		}
	}
	return false
}

// Watch rescans the vault when notes are added, removed or renamed, until
// the context is canceled. Blocks; run in a goroutine.
func (v *Vault) Watch(ctx context.Context) error {
	if v.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create vault watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(v.path); err != nil {
		return fmt.Errorf("failed to watch vault: %w", err)
	}
	// fsnotify is not recursive; watch each subdirectory too.
	filepath.WalkDir(v.path, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() && path != v.path {
			watcher.Add(path)
		}
		return nil
	})

	const debounce = 2 * time.Second
	var timer *time.Timer
	rescan := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case rescan <- struct{}{}:
				default:
				}
			})
		case <-rescan:
			if err := v.Scan(); err != nil {
				v.logger.Warn("vault rescan failed", zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			v.logger.Debug("vault watcher error", zap.Error(err))
		}
	}
}

// ExtractWikilinks returns the deduplicated terms inside [[...]] in order of
// first appearance.
func ExtractWikilinks(text string) []string {
	var (
		links []string
		seen  = make(map[string]struct{})
	)
	for {
		start := strings.Index(text, "[[")
		if start < 0 {
			break
		}
		rest := text[start+2:]
		end := strings.Index(rest, "]]")
		if end < 0 {
			break
		}
		term := strings.TrimSpace(rest[:end])
		if term != "" {
			if _, dup := seen[term]; !dup {
				seen[term] = struct{}{}
				links = append(links, term)
			}
		}
		text = rest[end+2:]
	}
	return links
}
