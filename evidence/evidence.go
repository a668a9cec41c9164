// Package evidence validates image attachments and turns them into the JPEG
// blobs stored on case records.
package evidence

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"log/slog"
	"net/http"
	"strings"
	"time"

	// Decoders for formats accepted as evidence.
	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"zealot/metrics"
	"zealot/model"
	"zealot/utils"
)

const (
	DefaultMaxBytes    = 512_000
	DefaultJPEGQuality = 80
)

// AttachmentMeta is what is known about an attachment before download.
type AttachmentMeta struct {
	Filename    string
	ContentType string
	Size        int64
}

// Attachment is a downloadable attachment.
type Attachment struct {
	AttachmentMeta
	URL string
}

// Ingestor validates and transcodes evidence.
type Ingestor struct {
	maxBytes int64
	quality  int
	client   *http.Client
	log      *slog.Logger
}

// NewIngestor returns an Ingestor using cfg. Zero fields take the defaults.
func NewIngestor(cfg model.EvidenceConfig, client *http.Client, logger *slog.Logger) *Ingestor {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = DefaultJPEGQuality
	}
	if client == nil {
		timeout := cfg.FetchTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = utils.NewHTTPClient(timeout)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		maxBytes: cfg.MaxBytes,
		quality:  cfg.JPEGQuality,
		client:   client,
		log:      logger.With("module", "evidence"),
	}
}

// Validate rejects attachments that are not images or are larger than the
// configured limit.
func (in *Ingestor) Validate(meta AttachmentMeta) error {
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(meta.ContentType)), "image/") {
		return model.NewValidationError("attachment must be an image")
	}
	if meta.Size < 0 {
		return model.NewValidationError("attachment size is invalid")
	}
	if meta.Size > in.maxBytes {
		return model.NewValidationError(fmt.Sprintf("attachment is larger than %d bytes", in.maxBytes))
	}
	return nil
}

// Ingest downloads the attachment and re-encodes it as JPEG. Any failure is
// logged and yields nil; the caller records the case without evidence.
func (in *Ingestor) Ingest(ctx context.Context, att Attachment) []byte {
	data, err := utils.Download(ctx, in.client, att.URL, in.maxBytes)
	if err != nil {
		in.fail("fetch", att.Filename, err)
		return nil
	}
	return in.transcode(data, att.Filename)
}

// IngestBytes re-encodes already fetched attachment bytes.
func (in *Ingestor) IngestBytes(data []byte) []byte {
	if int64(len(data)) > in.maxBytes {
		in.fail("fetch", "", utils.ErrTooLarge)
		return nil
	}
	return in.transcode(data, "")
}

func (in *Ingestor) transcode(data []byte, filename string) []byte {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		in.fail("decode", filename, err)
		return nil
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, flatten(img), &jpeg.Options{Quality: in.quality}); err != nil {
		in.fail("encode", filename, err)
		return nil
	}

	in.log.Debug("evidence ingested", "filename", filename, "format", format, "bytes", buf.Len())
	return buf.Bytes()
}

func (in *Ingestor) fail(stage, filename string, err error) {
	metrics.EvidenceIngestFailures.WithLabelValues(stage).Inc()
	in.log.Warn("evidence discarded", "stage", stage, "filename", filename, "error", err)
}

// flatten composites img onto white so transparent regions do not turn
// black in the JPEG.
func flatten(img image.Image) image.Image {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, xdraw.Src)
	xdraw.Draw(dst, dst.Bounds(), img, b.Min, xdraw.Over)
	return dst
}
