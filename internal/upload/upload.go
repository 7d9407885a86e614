package upload

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	"github.com/google/uuid"
	"github.com/nfnt/resize"
	"go.uber.org/zap"

	"github.com/example/pneumoscan/internal/logging"
	"github.com/example/pneumoscan/internal/session"
)

// ErrUnsupportedType is returned when the declared media type is outside the
// allow-list. The session is left untouched in that case.
var ErrUnsupportedType = errors.New("unsupported image type, expected image/jpeg or image/png")

// MaxImageBytes caps the accepted upload size.
const MaxImageBytes = 10 << 20

const (
	previewMaxWidth    = 480
	previewMaxHeight   = 480
	previewJPEGQuality = 80
)

var allowedMediaTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
}

// Controller validates and stages uploaded images and derives their previews.
type Controller struct {
	logger *zap.Logger
}

// NewController constructs an upload controller.
func NewController(logger *zap.Logger) *Controller {
	return &Controller{logger: logger.Named("upload")}
}

// Stage validates the declared media type and replaces the session's pending
// image. On an allow-list miss nothing changes and ErrUnsupportedType is
// returned. The preview is derived on a background goroutine and attached
// once ready, unless the image has been replaced in the meantime.
func (c *Controller) Stage(sess *session.Session, filename, mediaType string, data []byte) (*session.PendingImage, error) {
	if _, ok := allowedMediaTypes[mediaType]; !ok {
		c.logger.Info("rejected upload",
			zap.String("filename", filename),
			zap.String("media_type", mediaType))
		return nil, ErrUnsupportedType
	}

	img := &session.PendingImage{
		ID:        uuid.NewString(),
		Filename:  filename,
		MediaType: mediaType,
		Data:      data,
	}
	sess.Stage(img)
	c.logger.Info("image staged",
		zap.String("image_id", img.ID),
		zap.String("filename", filename),
		zap.Int("bytes", len(data)))

	go c.attachPreview(sess, img.ID, data)

	return img, nil
}

func (c *Controller) attachPreview(sess *session.Session, imageID string, data []byte) {
	preview, err := DerivePreview(data)
	if err != nil {
		logging.WithOperation(c.logger, "upload.derive_preview", imageID).
			Warn("preview derivation failed", zap.Error(err))
		return
	}
	if !sess.SetPreview(imageID, preview) {
		logging.WithOperation(c.logger, "upload.derive_preview", imageID).
			Debug("preview discarded, image no longer staged")
	}
}

// DerivePreview decodes the image, scales it down to thumbnail size and
// re-encodes it as a JPEG data URI suitable for direct embedding in the page.
func DerivePreview(data []byte) (string, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}

	thumb := resize.Thumbnail(previewMaxWidth, previewMaxHeight, img, resize.Lanczos3)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: previewJPEGQuality}); err != nil {
		return "", fmt.Errorf("encode preview: %w", err)
	}

	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
