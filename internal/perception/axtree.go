// Package perception enriches events with on-screen context: accessibility
// tree extraction, OCR fallback, and vision-model descriptions. The steps
// compose as an ordered fallback chain; each is failable and nullable.
package perception

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Tree-walk limits.
const (
	MaxTreeDepth    = 5
	MaxTreeElements = 500
)

// ErrPhantomWindow marks a window handle that no longer resolves to a live
// window. Extraction is skipped; the caller falls through to OCR.
var ErrPhantomWindow = errors.New("window handle no longer resolves")

// UINode is one accessibility-tree element. Empty fields are omitted from
// the serialized form.
type UINode struct {
	ControlType  string `json:"control_type,omitempty"`
	Name         string `json:"name,omitempty"`
	Value        string `json:"value,omitempty"`
	ClassName    string `json:"class_name,omitempty"`
	AutomationID string `json:"automation_id,omitempty"`
}

// Element is a live accessibility element.
type Element interface {
	Node() UINode
	Children() []Element
}

// ElementSource resolves window handles to accessibility elements. The real
// source binds the platform UI automation API; tests and non-Windows builds
// supply their own.
type ElementSource interface {
	WindowExists(hwnd int64) bool
	RootElement(hwnd int64) (Element, error)
}

// TreeWalker extracts a bounded accessibility tree for a window.
type TreeWalker struct {
	source ElementSource
}

// NewTreeWalker creates a walker over the given source. A nil source uses
// the platform default.
func NewTreeWalker(source ElementSource) *TreeWalker {
	if source == nil {
		source = defaultElementSource()
	}
	return &TreeWalker{source: source}
}

// ExtractTree walks the window's UI tree breadth-first and returns the
// JSON-serialized node list. Returns ErrPhantomWindow when the handle is
// stale.
func (w *TreeWalker) ExtractTree(hwnd int64) (string, error) {
	if !w.source.WindowExists(hwnd) {
		return "", ErrPhantomWindow
	}
	root, err := w.source.RootElement(hwnd)
	if err != nil {
		return "", fmt.Errorf("failed to resolve root element: %w", err)
	}

	type queued struct {
		el    Element
		depth int
	}
	queue := []queued{{root, 0}}
	var nodes []UINode

	for len(queue) > 0 && len(nodes) < MaxTreeElements {
		item := queue[0]
		queue = queue[1:]

		node := item.el.Node()
		if node != (UINode{}) {
			nodes = append(nodes, node)
		}

		if item.depth >= MaxTreeDepth {
			continue
		}
		for _, child := range item.el.Children() {
			queue = append(queue, queued{child, item.depth + 1})
		}
	}

	data, err := json.Marshal(nodes)
	if err != nil {
		return "", fmt.Errorf("failed to serialize tree: %w", err)
	}
	return string(data), nil
}

// unavailableSource is the fallback when no UI automation API exists on this
// platform. Every window reads as phantom, which routes enrichment to OCR.
type unavailableSource struct{}

func (unavailableSource) WindowExists(int64) bool            { return false }
func (unavailableSource) RootElement(int64) (Element, error) { return nil, ErrPhantomWindow }

func defaultElementSource() ElementSource {
	return unavailableSource{}
}
