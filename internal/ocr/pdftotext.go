package ocr

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"

	"github.com/rotisserie/eris"
)

// PdfToText extracts the embedded text layer using the pdftotext CLI tool.
// Fast path for born-digital documents; returns nothing useful for scans.
type PdfToText struct {
	binPath     string
	pdfinfoPath string
}

// NewPdfToText creates a PdfToText extractor. Empty paths fall back to the
// binary names on PATH.
func NewPdfToText(binPath, pdfinfoPath string) *PdfToText {
	if binPath == "" {
		binPath = "pdftotext"
	}
	if pdfinfoPath == "" {
		pdfinfoPath = "pdfinfo"
	}
	return &PdfToText{binPath: binPath, pdfinfoPath: pdfinfoPath}
}

// ExtractText runs pdftotext -layout on the given PDF and returns stdout.
func (p *PdfToText) ExtractText(ctx context.Context, pdfPath string) (string, error) {
	return p.run(ctx, pdfPath, "-layout", pdfPath, "-")
}

// ExtractPage extracts the text layer of a single page.
func (p *PdfToText) ExtractPage(ctx context.Context, pdfPath string, page int) (string, error) {
	if page < 1 {
		return "", eris.Errorf("ocr: invalid page %d", page)
	}
	n := strconv.Itoa(page)
	return p.run(ctx, pdfPath, "-layout", "-f", n, "-l", n, pdfPath, "-")
}

// PageCount returns the document page count via pdfinfo.
func (p *PdfToText) PageCount(ctx context.Context, pdfPath string) (int, error) {
	return pdfPageCount(ctx, p.pdfinfoPath, pdfPath)
}

func (p *PdfToText) run(ctx context.Context, pdfPath string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, p.binPath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", eris.Wrapf(err, "ocr: pdftotext failed for %s: %s", pdfPath, stderr.String())
	}

	return stdout.String(), nil
}
