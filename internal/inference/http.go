package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/example/pneumoscan/internal/logging"
)

const predictPath = "/api/predict"

// predictResponse mirrors the endpoint's JSON body. The error field is
// populated by the service on its own failure paths and tolerated here.
type predictResponse struct {
	Prediction string   `json:"prediction"`
	Confidence *float64 `json:"confidence"`
	Error      string   `json:"error"`
}

// HTTPClient talks to the inference endpoint over HTTP, submitting the image
// as a single multipart field and parsing the JSON classification back.
type HTTPClient struct {
	rest   *resty.Client
	logger *zap.Logger
}

// NewHTTPClient builds a client for the given base URL, e.g.
// "http://localhost:5001".
func NewHTTPClient(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	rest := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	return &HTTPClient{
		rest:   rest,
		logger: logger.Named("inference_client"),
	}
}

// Classify submits the image and normalizes the response into a Prediction.
// Every failure mode (transport error, non-2xx status, malformed body,
// unrecognized label) comes back as an error; the caller decides how to
// surface it.
func (c *HTTPClient) Classify(ctx context.Context, filename string, image []byte) (*Prediction, error) {
	resp, err := c.rest.R().
		SetContext(ctx).
		SetFileReader("image", filename, bytes.NewReader(image)).
		Post(predictPath)
	if err != nil {
		wrapped := logging.NewOperationError("inference.classify", "", err)
		c.logger.Error("inference request failed", zap.Error(wrapped))
		return nil, wrapped
	}

	if resp.IsError() {
		err := fmt.Errorf("inference endpoint returned status %d", resp.StatusCode())
		c.logger.Error("inference request rejected",
			zap.Int("status", resp.StatusCode()),
			zap.ByteString("body", truncate(resp.Body(), 512)))
		return nil, logging.NewOperationError("inference.classify", "", err)
	}

	var body predictResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		wrapped := logging.NewOperationError("inference.parse_response", "", err)
		c.logger.Error("malformed inference response", zap.Error(wrapped))
		return nil, wrapped
	}

	label, err := ParseLabel(body.Prediction)
	if err != nil {
		wrapped := logging.NewOperationError("inference.parse_label", "", err)
		c.logger.Error("unexpected label from inference endpoint", zap.Error(wrapped))
		return nil, wrapped
	}

	return &Prediction{Label: label, Confidence: body.Confidence}, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
