package evidence

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"zealot/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIngestor() *Ingestor {
	return NewIngestor(model.EvidenceConfig{}, nil, nil)
}

func pngBytes(t *testing.T, transparent bool) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			c := color.NRGBA{R: 200, G: 10, B: 10, A: 255}
			if transparent {
				c.A = 0
			}
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestValidate(t *testing.T) {
	in := newTestIngestor()

	tests := []struct {
		name string
		meta AttachmentMeta
		ok   bool
	}{
		{"text rejected", AttachmentMeta{ContentType: "text/plain", Size: 100}, false},
		{"oversized rejected", AttachmentMeta{ContentType: "image/png", Size: 600_000}, false},
		{"one byte over rejected", AttachmentMeta{ContentType: "image/png", Size: 512_001}, false},
		{"exact limit accepted", AttachmentMeta{ContentType: "image/png", Size: 512_000}, true},
		{"case insensitive", AttachmentMeta{ContentType: "IMAGE/JPEG", Size: 10}, true},
		{"empty type rejected", AttachmentMeta{Size: 10}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := in.Validate(tt.meta)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, model.IsValidation(err))
			}
		})
	}
}

func TestValidate_ConfiguredLimit(t *testing.T) {
	in := NewIngestor(model.EvidenceConfig{MaxBytes: 10}, nil, nil)

	assert.NoError(t, in.Validate(AttachmentMeta{ContentType: "image/gif", Size: 10}))
	assert.Error(t, in.Validate(AttachmentMeta{ContentType: "image/gif", Size: 11}))
}

func TestIngestBytes_ReencodesAsJPEG(t *testing.T) {
	in := newTestIngestor()

	out := in.IngestBytes(pngBytes(t, false))
	require.NotNil(t, out)

	img, format, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 8, img.Bounds().Dx())
}

func TestIngestBytes_TransparencyBecomesWhite(t *testing.T) {
	in := newTestIngestor()

	out := in.IngestBytes(pngBytes(t, true))
	require.NotNil(t, out)

	img, err := jpeg.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	r, g, b, _ := img.At(4, 4).RGBA()
	assert.Greater(t, r>>8, uint32(240))
	assert.Greater(t, g>>8, uint32(240))
	assert.Greater(t, b>>8, uint32(240))
}

func TestIngestBytes_GarbageIsNil(t *testing.T) {
	in := newTestIngestor()
	assert.Nil(t, in.IngestBytes([]byte("definitely not an image")))
}

func TestIngest(t *testing.T) {
	payload := pngBytes(t, false)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/proof.png":
			w.Header().Set("Content-Type", "image/png")
			w.Write(payload)
		case "/huge.png":
			w.Write(make([]byte, 2048))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	in := NewIngestor(model.EvidenceConfig{MaxBytes: 1024}, srv.Client(), nil)
	ctx := context.Background()

	out := in.Ingest(ctx, Attachment{URL: srv.URL + "/proof.png"})
	require.NotNil(t, out)
	_, err := jpeg.Decode(bytes.NewReader(out))
	assert.NoError(t, err)

	assert.Nil(t, in.Ingest(ctx, Attachment{URL: srv.URL + "/huge.png"}))
	assert.Nil(t, in.Ingest(ctx, Attachment{URL: srv.URL + "/missing.png"}))
}
