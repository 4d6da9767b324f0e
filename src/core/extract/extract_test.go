package extract_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docrag/src/core/extract"
	"docrag/src/core/knowledge"
)

func TestKindFor(t *testing.T) {
	tests := []struct {
		mime    string
		want    extract.Kind
		wantErr bool
	}{
		{mime: "text/plain", want: extract.KindText},
		{mime: "text/html; charset=utf-8", want: extract.KindText},
		{mime: "Application/PDF", want: extract.KindPDF},
		{mime: "image/png", want: extract.KindImage},
		{mime: "image/jpeg", want: extract.KindImage},
		{mime: "application/zip", wantErr: true},
		{mime: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.mime, func(t *testing.T) {
			got, err := extract.KindFor(tt.mime)
			if tt.wantErr {
				assert.ErrorIs(t, err, extract.ErrUnsupportedMimeType)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegistryFor(t *testing.T) {
	reg := extract.NewRegistry(nil)

	ex, err := reg.For("application/pdf")
	require.NoError(t, err)
	assert.IsType(t, &extract.PDFExtractor{}, ex)

	ex, err = reg.For("image/png")
	require.NoError(t, err)
	assert.IsType(t, &extract.ImageExtractor{}, ex)

	_, err = (&extract.Registry{}).For("text/plain")
	assert.ErrorIs(t, err, extract.ErrUnsupportedMimeType)
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		in       []byte
		want     string
		encoding string
	}{
		{name: "utf-8", in: []byte("válvula"), want: "válvula", encoding: "utf-8"},
		{name: "latin-1", in: []byte{'v', 0xe1, 'l', 'v', 'u', 'l', 'a'}, want: "válvula", encoding: "latin-1"},
		{name: "cp1252 euro sign", in: []byte{0x80, ' ', '1', '0'}, want: "€ 10", encoding: "cp1252"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, enc := extract.Decode(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.encoding, enc)
		})
	}
}

func TestStripHTML(t *testing.T) {
	in := `<html><head><style>p { color: red; }</style><script type="text/javascript">alert("x")</script></head>
<body><h1>Bomba   centrífuga</h1><p>Revisar&nbsp;presión &amp; caudal</p><div>Paso&#39;1&#39;</div>linea<br/>siguiente
<span>&lt;ok&gt; &quot;fin&quot;</span></body></html>`

	got := extract.NormalizeWhitespace(extract.StripHTML(in))

	assert.NotContains(t, got, "alert")
	assert.NotContains(t, got, "color")
	assert.NotContains(t, got, "<h1>")
	assert.Contains(t, got, "Bomba centrífuga")
	assert.Contains(t, got, "Revisar presión & caudal")
	assert.Contains(t, got, "Paso'1'")
	assert.Contains(t, got, "linea\nsiguiente")
	assert.Contains(t, got, `<ok> "fin"`)
}

func TestNormalizeWhitespace(t *testing.T) {
	in := "  uno \t dos\r\n\r\n\r\n\n tres  \n\ncuatro  "
	assert.Equal(t, "uno dos\n\ntres\n\ncuatro", extract.NormalizeWhitespace(in))
}

func TestTextExtractor(t *testing.T) {
	ex := extract.NewTextExtractor()

	res := ex.Extract(context.Background(), knowledge.Document{
		ID:       1,
		MimeType: "text/html",
		Payload:  []byte("<p>Manual de la bomba</p><script>x()</script>"),
	})

	require.NoError(t, res.Err)
	require.Len(t, res.Chunks, 1)
	assert.Equal(t, "Manual de la bomba", res.Chunks[0].Content)
	assert.Equal(t, knowledge.ChunkTypeText, res.Chunks[0].Type)
	assert.Nil(t, res.Chunks[0].PageNumber)

	res = ex.Extract(context.Background(), knowledge.Document{ID: 2, MimeType: "text/plain", Payload: []byte(" \n ")})
	assert.Empty(t, res.Chunks)
}

type fakePages struct {
	pages []string
	errs  map[int]error
	panic map[int]bool
}

func (f *fakePages) NumPage() int { return len(f.pages) }

func (f *fakePages) PageText(page int) (string, error) {
	if f.panic[page] {
		panic("broken content stream")
	}
	if err := f.errs[page]; err != nil {
		return "", err
	}
	return f.pages[page-1], nil
}

func TestPDFExtractor(t *testing.T) {
	long := strings.Repeat("Procedimiento de calibración del termostato. ", 5)

	t.Run("zero pages", func(t *testing.T) {
		ex := extract.NewPDFExtractor(func([]byte) (extract.PageSource, error) {
			return &fakePages{}, nil
		})
		res := ex.Extract(context.Background(), knowledge.Document{ID: 1, Payload: []byte("%PDF")})
		assert.NoError(t, res.Err)
		assert.Empty(t, res.Chunks)
	})

	t.Run("pages tagged, short and failing pages skipped", func(t *testing.T) {
		src := &fakePages{
			pages: []string{long, "short", "", long, long},
			errs:  map[int]error{4: errors.New("bad xref")},
			panic: map[int]bool{3: true},
		}
		ex := extract.NewPDFExtractor(func([]byte) (extract.PageSource, error) { return src, nil })

		res := ex.Extract(context.Background(), knowledge.Document{ID: 9, Payload: []byte("%PDF")})

		require.NoError(t, res.Err)
		require.Len(t, res.Chunks, 2)
		assert.Equal(t, 1, *res.Chunks[0].PageNumber)
		assert.Equal(t, 5, *res.Chunks[1].PageNumber)
		for _, c := range res.Chunks {
			assert.Equal(t, 5, c.TotalPages)
			assert.Equal(t, knowledge.ChunkTypePDFPage, c.Type)
		}
		require.Len(t, res.Failures, 2)
		assert.Equal(t, 3, res.Failures[0].Page)
		assert.Equal(t, 4, res.Failures[1].Page)
	})

	t.Run("unreadable pdf", func(t *testing.T) {
		ex := extract.NewPDFExtractor(func([]byte) (extract.PageSource, error) {
			return nil, errors.New("not a pdf")
		})
		res := ex.Extract(context.Background(), knowledge.Document{ID: 1, Payload: []byte("nope")})
		assert.Error(t, res.Err)
	})
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fakeOCR struct {
	text   string
	err    error
	bounds image.Rectangle
}

func (f *fakeOCR) Recognize(ctx context.Context, filename string, data []byte) (string, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	f.bounds = img.Bounds()
	return f.text, f.err
}

func TestImageExtractorWithoutOCR(t *testing.T) {
	payload := pngBytes(t, 40, 20)
	doc := knowledge.Document{ID: 3, Name: "placa.png", MimeType: "image/png", DocumentType: "manual", Payload: payload}

	res := extract.NewImageExtractor(nil).Extract(context.Background(), doc)

	require.Len(t, res.Chunks, 1)
	c := res.Chunks[0]
	assert.Equal(t, knowledge.ChunkTypeImageDescription, c.Type)
	assert.Contains(t, c.Content, "placa.png")
	assert.Contains(t, c.Content, "image/png")
	assert.Contains(t, c.Content, "40x20")
	assert.Contains(t, c.Content, "manual")
	assert.Contains(t, c.Content, fmt.Sprintf("%d bytes", len(payload)))
	assert.Empty(t, res.Failures)
}

func TestImageExtractorOCR(t *testing.T) {
	ocrText := "PLACA DE DATOS ## modelo X200 ©\nab\nPresión máxima 10 bar, temperatura 80 C"

	t.Run("ocr text used and downscaled", func(t *testing.T) {
		ocr := &fakeOCR{text: ocrText}
		doc := knowledge.Document{ID: 4, Name: "big.png", MimeType: "image/png", Payload: pngBytes(t, 3000, 1500)}

		res := extract.NewImageExtractor(ocr).Extract(context.Background(), doc)

		require.Len(t, res.Chunks, 1)
		assert.Equal(t, knowledge.ChunkTypeImageOCR, res.Chunks[0].Type)
		assert.Equal(t, "PLACA DE DATOS modelo X200\nPresión máxima 10 bar, temperatura 80 C", res.Chunks[0].Content)
		assert.Equal(t, 2000, ocr.bounds.Dx())
		assert.Equal(t, 1000, ocr.bounds.Dy())
	})

	t.Run("short ocr output falls back", func(t *testing.T) {
		ocr := &fakeOCR{text: "x1"}
		doc := knowledge.Document{ID: 5, Name: "s.png", MimeType: "image/png", Payload: pngBytes(t, 10, 10)}

		res := extract.NewImageExtractor(ocr).Extract(context.Background(), doc)

		require.Len(t, res.Chunks, 1)
		assert.Equal(t, knowledge.ChunkTypeImageDescription, res.Chunks[0].Type)
	})

	t.Run("ocr error recorded and falls back", func(t *testing.T) {
		ocr := &fakeOCR{err: errors.New("ocr down")}
		doc := knowledge.Document{ID: 6, Name: "e.png", MimeType: "image/png", Payload: pngBytes(t, 10, 10)}

		res := extract.NewImageExtractor(ocr).Extract(context.Background(), doc)

		require.Len(t, res.Chunks, 1)
		assert.Equal(t, knowledge.ChunkTypeImageDescription, res.Chunks[0].Type)
		require.Len(t, res.Failures, 1)
	})

	t.Run("undecodable image still described", func(t *testing.T) {
		doc := knowledge.Document{ID: 7, Name: "broken.jpg", MimeType: "image/jpeg", Payload: []byte("garbage")}

		res := extract.NewImageExtractor(&fakeOCR{text: ocrText}).Extract(context.Background(), doc)

		require.Len(t, res.Chunks, 1)
		assert.Equal(t, knowledge.ChunkTypeImageDescription, res.Chunks[0].Type)
		assert.Contains(t, res.Chunks[0].Content, "7 bytes")
		assert.NotContains(t, res.Chunks[0].Content, "Dimensions")
	})
}

func TestPrepareForOCR(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 100, 50))
	gray := extract.PrepareForOCR(src, 2000)
	assert.Equal(t, image.Rect(0, 0, 100, 50), gray.Bounds())

	gray = extract.PrepareForOCR(image.NewRGBA(image.Rect(0, 0, 500, 4000)), 2000)
	assert.Equal(t, 250, gray.Bounds().Dx())
	assert.Equal(t, 2000, gray.Bounds().Dy())
}
