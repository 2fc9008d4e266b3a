// Package pdfinfo performs a local pre-flight check on uploaded PDFs before
// any network call is spent on them.
package pdfinfo

import (
	"bytes"
	"fmt"

	"github.com/ledongthuc/pdf"
)

// Info describes a readable PDF.
type Info struct {
	Pages     int
	SizeBytes int
}

// Inspect verifies the bytes parse as a PDF and reports the page count.
func Inspect(data []byte) (Info, error) {
	if len(data) == 0 {
		return Info{}, fmt.Errorf("empty document")
	}

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Info{}, fmt.Errorf("unreadable pdf: %w", err)
	}

	pages := reader.NumPage()
	if pages <= 0 {
		return Info{}, fmt.Errorf("pdf has no pages")
	}

	return Info{Pages: pages, SizeBytes: len(data)}, nil
}
