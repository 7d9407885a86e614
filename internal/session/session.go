package session

import (
	"errors"
	"sync"
	"time"

	"github.com/example/pneumoscan/internal/inference"
)

var (
	// ErrNothingStaged is returned when analysis is requested with no image staged.
	ErrNothingStaged = errors.New("no image staged for analysis")
	// ErrAnalysisInFlight is returned when analysis is requested while a
	// previous request has not settled yet.
	ErrAnalysisInFlight = errors.New("analysis already in flight")
)

// PendingImage is the staged-but-not-yet-submitted image. The ID tags every
// dispatch issued for it so late settlements for a replaced image can be
// recognized and discarded.
type PendingImage struct {
	ID        string
	Filename  string
	MediaType string
	Data      []byte
	Preview   string // data URI, derived asynchronously after staging
}

// Outcome is the settled result of one analysis cycle. Exactly one of the two
// variants is populated: a classification (Label, optional Confidence) or an
// error message.
type Outcome struct {
	Label      inference.Label
	Confidence *float64
	Err        string
}

// IsError reports whether this is the error variant.
func (o Outcome) IsError() bool {
	return o.Err != ""
}

// Session owns the interaction state for one browser session: the pending
// image, the in-flight flag and the settled outcome. All mutation goes through
// the named transitions below; the rendered view is a pure projection of the
// triplet.
type Session struct {
	mu         sync.Mutex
	pending    *PendingImage
	outcome    *Outcome
	inFlight   bool
	lastActive time.Time
}

// NewSession returns an empty session.
func NewSession() *Session {
	return &Session{lastActive: time.Now()}
}

// Stage replaces the pending image wholesale. Any prior outcome is cleared and
// any in-flight request is abandoned: its settlement will arrive tagged with
// the old image ID and be discarded by ApplyOutcome.
func (s *Session) Stage(img *PendingImage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = img
	s.outcome = nil
	s.inFlight = false
	s.lastActive = time.Now()
}

// Clear returns the session to its initial empty state.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	s.outcome = nil
	s.inFlight = false
	s.lastActive = time.Now()
}

// SetPreview attaches the derived preview to the pending image, but only if
// that image is still the one staged. A preview finishing after its image was
// replaced is dropped.
func (s *Session) SetPreview(imageID, preview string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil || s.pending.ID != imageID {
		return false
	}
	s.pending.Preview = preview
	return true
}

// BeginAnalysis flips the session into the analyzing phase and hands back what
// the dispatcher needs. Valid whenever an image is staged and nothing is in
// flight; a prior outcome (retry after failure) is cleared before dispatch so
// outcome and in-flight are never set together.
func (s *Session) BeginAnalysis() (imageID, filename string, data []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return "", "", nil, ErrNothingStaged
	}
	if s.inFlight {
		return "", "", nil, ErrAnalysisInFlight
	}
	s.outcome = nil
	s.inFlight = true
	s.lastActive = time.Now()
	return s.pending.ID, s.pending.Filename, s.pending.Data, nil
}

// ApplyOutcome settles the request dispatched for imageID. The outcome is
// applied only if that image is still staged and a request is in flight;
// otherwise the settlement is stale and dropped, and false is returned.
func (s *Session) ApplyOutcome(imageID string, outcome Outcome) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inFlight || s.pending == nil || s.pending.ID != imageID {
		return false
	}
	s.inFlight = false
	s.outcome = &outcome
	s.lastActive = time.Now()
	return true
}

// LastActive reports when the session was last touched by a transition.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}
