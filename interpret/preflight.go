package interpret

import (
	"fmt"

	"github.com/ledongthuc/pdf"
)

// Preflight opens path as a PDF and returns its page count. Files that are
// not PDFs, or have no pages, are rejected before any model call is made.
func Preflight(path string) (pages int, err error) {
	// the reader panics on some malformed xref tables
	defer func() {
		if r := recover(); r != nil {
			pages = 0
			err = fmt.Errorf("malformed pdf %s: %v", path, r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open pdf %s: %w", path, err)
	}
	defer f.Close()

	pages = r.NumPage()
	if pages < 1 {
		return 0, fmt.Errorf("pdf %s has no pages", path)
	}
	return pages, nil
}
