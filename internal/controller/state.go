package controller

import (
	"fmt"
	"strings"

	"github.com/utafrali/catalog-screen/internal/catalog"
	"github.com/utafrali/catalog-screen/internal/query"
)

// Phase is the visible state of the product list.
type Phase int

const (
	// PhaseIdle means the screen has not been mounted yet.
	PhaseIdle Phase = iota
	// PhaseLoading means a fetch for the active criteria is outstanding.
	PhaseLoading
	// PhaseReady means the products of the latest fetch are displayed.
	PhaseReady
	// PhaseFailed is only produced under PolicySurfaceFailure.
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLoading:
		return "loading"
	case PhaseReady:
		return "ready"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// DisplayState is what the product grid shows. Products is only
// authoritative in PhaseReady, where an empty slice means zero results.
type DisplayState struct {
	Phase    Phase
	Products []catalog.Product
	Err      error
}

// Loading reports whether the loading indicator should be shown.
func (d DisplayState) Loading() bool {
	return d.Phase == PhaseLoading
}

// Count returns the number of products found, 0 unless ready.
func (d DisplayState) Count() int {
	if d.Phase != PhaseReady {
		return 0
	}
	return len(d.Products)
}

// Summary is the one-line status above the grid.
func (d DisplayState) Summary() string {
	switch d.Phase {
	case PhaseLoading:
		return "Loading..."
	case PhaseReady:
		return fmt.Sprintf("%d products found", len(d.Products))
	case PhaseFailed:
		return "Failed to load products"
	default:
		return ""
	}
}

// Token identifies one issued fetch. Tokens increase strictly per controller
// and 0 means no fetch has been issued.
type Token uint64

// Snapshot is a consistent view of a screen for the presentation surface.
type Snapshot struct {
	ScreenID string
	Mounted  bool
	Criteria query.Criteria
	// Query is the encoded criteria, suitable for the page URL.
	Query   string
	Display DisplayState
	Token   Token
}

// Stats counts fetch outcomes of one controller.
type Stats struct {
	Issued  uint64
	Applied uint64
	Stale   uint64
	Failed  uint64
}

// FailurePolicy decides what a failed current fetch does to the display.
type FailurePolicy int

const (
	// PolicyKeepLoading reports the failure and leaves the display as it was,
	// so the loading indicator stays until the next criteria change or retry.
	PolicyKeepLoading FailurePolicy = iota
	// PolicySurfaceFailure reports the failure and switches to PhaseFailed.
	PolicySurfaceFailure
)

func (p FailurePolicy) String() string {
	if p == PolicySurfaceFailure {
		return "surface"
	}
	return "keep"
}

// ParseFailurePolicy accepts "keep" and "surface".
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "keep":
		return PolicyKeepLoading, nil
	case "surface":
		return PolicySurfaceFailure, nil
	default:
		return PolicyKeepLoading, fmt.Errorf("unknown failure policy %q", s)
	}
}
