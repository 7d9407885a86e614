package inference

import (
	"context"
	"fmt"
	"strings"
)

// Label is the classification outcome asserted at the service boundary.
type Label string

const (
	LabelNormal    Label = "Normal"
	LabelPneumonia Label = "Pneumonia"
)

// Prediction is a normalized, well-formed response from the inference
// endpoint. Confidence is nil when the service did not report one.
type Prediction struct {
	Label      Label
	Confidence *float64
}

// Client exposes the subset of the inference service used by the analysis flow.
type Client interface {
	Classify(ctx context.Context, filename string, image []byte) (*Prediction, error)
}

// ParseLabel maps the service's free-form label string onto the two-variant
// tag. The external service is authoritative for the wording ("Normal",
// "Pneumonia Detected", ...), so matching is by case-insensitive substring;
// anything that matches neither variant is an error rather than a silent
// default.
func ParseLabel(raw string) (Label, error) {
	lowered := strings.ToLower(raw)
	switch {
	case strings.Contains(lowered, "normal"):
		return LabelNormal, nil
	case strings.Contains(lowered, "pneumonia"):
		return LabelPneumonia, nil
	default:
		return "", fmt.Errorf("unrecognized classification label %q", raw)
	}
}
