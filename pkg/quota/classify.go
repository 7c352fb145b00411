package quota

import (
	"time"

	"github.com/credmux/credmux/pkg/store"
)

// Bounds are the window-length thresholds for classifying a credential's
// refresh cycle. Short windows mark scarce Pro capacity, long windows mark
// Normal capacity; the band between them is ambiguous.
type Bounds struct {
	ProMaxWindow    time.Duration
	NormalMinWindow time.Duration
}

// ClassifyWindow maps a refresh-window length to a classification.
// Windows inside the ambiguous band classify as unknown.
func ClassifyWindow(window time.Duration, b Bounds) store.Classification {
	if window <= 0 {
		return store.ClassUnknown
	}
	if window <= b.ProMaxWindow {
		return store.ClassPro
	}
	if window >= b.NormalMinWindow {
		return store.ClassNormal
	}
	return store.ClassUnknown
}

// ApplySticky folds a new reading into an existing classification. An
// ambiguous reading never flips a confident prior; a credential with no
// prior defaults to Pro so the pool reserves it until proven Normal.
func ApplySticky(prev store.Classification, window time.Duration, b Bounds) store.Classification {
	next := ClassifyWindow(window, b)
	if next != store.ClassUnknown {
		return next
	}
	if prev != store.ClassUnknown {
		return prev
	}
	return store.ClassPro
}
