// Package ocr extracts text from PDF documents, page by page or whole.
package ocr

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/ordolab/bdpm-sync/internal/config"
)

// Extractor extracts text content from PDF files. Pages are 1-based.
type Extractor interface {
	ExtractText(ctx context.Context, pdfPath string) (string, error)
	ExtractPage(ctx context.Context, pdfPath string, page int) (string, error)
	PageCount(ctx context.Context, pdfPath string) (int, error)
}

// NewExtractor creates an Extractor based on config.
func NewExtractor(cfg config.OCRConfig) (Extractor, error) {
	switch cfg.Provider {
	case "tesseract", "":
		return NewTesseract(cfg), nil
	case "pdftotext", "local":
		return NewPdfToText(cfg.PdfToTextPath, cfg.PdfInfoPath), nil
	case "mistral":
		if cfg.MistralKey == "" {
			return nil, eris.New("ocr: mistral provider requires mistral_api_key")
		}
		return NewMistralOCR(cfg.MistralKey, cfg.MistralModel), nil
	default:
		return nil, eris.Errorf("ocr: unknown provider %q", cfg.Provider)
	}
}
