package ocr

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/ordolab/bdpm-sync/internal/config"
)

// Tesseract renders pages to PNG with pdftoppm, then runs tesseract over
// the image. This is the only provider that reads scanned documents with no
// text layer.
type Tesseract struct {
	tesseractBin string
	pdftoppmBin  string
	pdfinfoBin   string
	dpi          int
	psm          int
	lang         string
}

// NewTesseract creates a Tesseract extractor from config, falling back to
// binary names on PATH when paths are unset.
func NewTesseract(cfg config.OCRConfig) *Tesseract {
	t := &Tesseract{
		tesseractBin: cfg.TesseractPath,
		pdftoppmBin:  cfg.PdfToPpmPath,
		pdfinfoBin:   cfg.PdfInfoPath,
		dpi:          cfg.DPI,
		psm:          cfg.PSM,
		lang:         cfg.Lang,
	}
	if t.tesseractBin == "" {
		t.tesseractBin = "tesseract"
	}
	if t.pdftoppmBin == "" {
		t.pdftoppmBin = "pdftoppm"
	}
	if t.pdfinfoBin == "" {
		t.pdfinfoBin = "pdfinfo"
	}
	if t.dpi <= 0 {
		t.dpi = 200
	}
	if t.lang == "" {
		t.lang = "fra"
	}
	return t
}

// PageCount returns the document page count via pdfinfo.
func (t *Tesseract) PageCount(ctx context.Context, pdfPath string) (int, error) {
	return pdfPageCount(ctx, t.pdfinfoBin, pdfPath)
}

// ExtractPage renders one page to a temporary PNG and OCRs it.
func (t *Tesseract) ExtractPage(ctx context.Context, pdfPath string, page int) (string, error) {
	if page < 1 {
		return "", eris.Errorf("ocr: invalid page %d", page)
	}

	tmpDir, err := os.MkdirTemp("", "ocr-page-")
	if err != nil {
		return "", eris.Wrap(err, "ocr: create temp dir")
	}
	defer os.RemoveAll(tmpDir) //nolint:errcheck

	prefix := filepath.Join(tmpDir, "page")
	render := exec.CommandContext(ctx, t.pdftoppmBin,
		"-png",
		"-r", strconv.Itoa(t.dpi),
		"-f", strconv.Itoa(page),
		"-l", strconv.Itoa(page),
		"-singlefile",
		pdfPath, prefix)

	var renderErr bytes.Buffer
	render.Stderr = &renderErr
	if err := render.Run(); err != nil {
		return "", eris.Wrapf(err, "ocr: pdftoppm failed for %s page %d: %s", pdfPath, page, renderErr.String())
	}

	imgPath := prefix + ".png"
	recognize := exec.CommandContext(ctx, t.tesseractBin,
		imgPath, "stdout",
		"-l", t.lang,
		"--psm", strconv.Itoa(t.psm))

	var stdout, stderr bytes.Buffer
	recognize.Stdout = &stdout
	recognize.Stderr = &stderr
	if err := recognize.Run(); err != nil {
		return "", eris.Wrapf(err, "ocr: tesseract failed for %s page %d: %s", pdfPath, page, stderr.String())
	}

	return stdout.String(), nil
}

// ExtractText OCRs every page of the document and joins the results.
func (t *Tesseract) ExtractText(ctx context.Context, pdfPath string) (string, error) {
	pages, err := t.PageCount(ctx, pdfPath)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for p := 1; p <= pages; p++ {
		text, err := t.ExtractPage(ctx, pdfPath, p)
		if err != nil {
			return "", err
		}
		if p > 1 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(text)
	}
	return sb.String(), nil
}
