package session

import (
	"fmt"

	"github.com/example/pneumoscan/internal/inference"
)

// Phase is the derived, mutually exclusive view mode.
type Phase string

const (
	PhaseEmpty     Phase = "empty"
	PhaseStaged    Phase = "staged"
	PhaseAnalyzing Phase = "analyzing"
	PhaseResulted  Phase = "resulted"
)

// View is the render-ready projection of the session. It carries everything
// the page needs for its current phase and nothing it has to compute.
type View struct {
	Phase      Phase           `json:"phase"`
	Filename   string          `json:"filename,omitempty"`
	Preview    string          `json:"preview,omitempty"`
	Label      inference.Label `json:"label,omitempty"`
	Confidence string          `json:"confidence,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// View projects the session triplet into its current phase. Precedence:
// no pending image means Empty regardless of anything else; a settled outcome
// means Resulted; an in-flight request means Analyzing; otherwise Staged.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil {
		return View{Phase: PhaseEmpty}
	}

	view := View{
		Filename: s.pending.Filename,
		Preview:  s.pending.Preview,
	}

	switch {
	case s.outcome != nil:
		view.Phase = PhaseResulted
		if s.outcome.IsError() {
			view.Error = s.outcome.Err
		} else {
			view.Label = s.outcome.Label
			view.Confidence = FormatConfidence(s.outcome.Confidence)
		}
	case s.inFlight:
		view.Phase = PhaseAnalyzing
	default:
		view.Phase = PhaseStaged
	}

	return view
}

// FormatConfidence renders a [0,1] confidence as a percentage with one
// decimal, or the literal "N/A" when the service reported none.
func FormatConfidence(confidence *float64) string {
	if confidence == nil {
		return "N/A"
	}
	return fmt.Sprintf("%.1f%%", *confidence*100)
}
