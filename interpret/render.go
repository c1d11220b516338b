package interpret

import (
	"bytes"
	"context"
	"fmt"
	"image/png"

	"github.com/gen2brain/go-fitz"
)

// DefaultDPI renders pages at twice the 72 DPI PDF user space
const DefaultDPI = 144

// PageRenderer converts every page of a PDF into a PNG image
type PageRenderer interface {
	Render(ctx context.Context, pdfPath string) ([][]byte, error)
}

// FitzRenderer rasterizes pages with MuPDF
type FitzRenderer struct {
	DPI float64
}

func (r FitzRenderer) Render(ctx context.Context, pdfPath string) ([][]byte, error) {
	dpi := r.DPI
	if dpi <= 0 {
		dpi = DefaultDPI
	}

	doc, err := fitz.New(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("open %s for rendering: %w", pdfPath, err)
	}
	defer doc.Close()

	images := make([][]byte, 0, doc.NumPage())
	for n := 0; n < doc.NumPage(); n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		img, err := doc.ImageDPI(n, dpi)
		if err != nil {
			return nil, fmt.Errorf("render page %d: %w", n+1, err)
		}

		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode page %d: %w", n+1, err)
		}
		images = append(images, buf.Bytes())
	}
	return images, nil
}
