// Package document turns uploaded files into reviewable item content.
package document

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ErrEmpty is returned when a PDF has no extractable pages.
var ErrEmpty = errors.New("document has no pages")

// Document is the text extracted from a PDF.
type Document struct {
	Filename  string `json:"filename"`
	Pages     int    `json:"pages"`
	SizeBytes int64  `json:"size_bytes"`
	Text      string `json:"text"`
}

// ExtractPDF reads the plain text of every page in data.
func ExtractPDF(filename string, data []byte) (doc Document, err error) {
	// The parser panics on some malformed inputs.
	defer func() {
		if p := recover(); p != nil {
			doc, err = Document{}, fmt.Errorf("parsing pdf: %v", p)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Document{}, fmt.Errorf("parsing pdf: %w", err)
	}
	pages := r.NumPage()
	if pages == 0 {
		return Document{}, ErrEmpty
	}

	plain, err := r.GetPlainText()
	if err != nil {
		return Document{}, fmt.Errorf("extracting text: %w", err)
	}
	var buf strings.Builder
	if _, err := io.Copy(&buf, plain); err != nil {
		return Document{}, fmt.Errorf("reading text: %w", err)
	}

	return Document{
		Filename:  filename,
		Pages:     pages,
		SizeBytes: int64(len(data)),
		Text:      strings.TrimSpace(buf.String()),
	}, nil
}
