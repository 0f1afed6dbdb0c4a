// Package enrich recovers missing ATC classification codes for drug records,
// probing the RCP page HTML first and falling back to page-by-page OCR of
// the RCP PDF.
package enrich

import (
	"context"
	"strconv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ordolab/bdpm-sync/internal/atc"
	"github.com/ordolab/bdpm-sync/internal/ocr"
	"github.com/ordolab/bdpm-sync/internal/report"
)

// Match is one recovered classification code, with the page it was found on.
type Match struct {
	CIS        string
	Specialite string
	ATC        string
	Page       int
}

// Resolver scans PDF pages for an ATC code, bounded by maxPages.
type Resolver struct {
	ext      ocr.Extractor
	maxPages int
	report   *report.Writer
	log      *zap.Logger
}

// NewResolver creates a Resolver. maxPages 0 means scan the whole document.
// report may be nil, in which case matches are not recorded.
func NewResolver(ext ocr.Extractor, maxPages int, rep *report.Writer) *Resolver {
	return &Resolver{
		ext:      ext,
		maxPages: maxPages,
		report:   rep,
		log:      zap.L().With(zap.String("component", "enrich")),
	}
}

// Resolve scans the PDF for an ATC code, page by page, stopping at the first
// match. A record that already carries a code must not reach the resolver.
// Per-page extraction failures are logged and skipped.
func (r *Resolver) Resolve(ctx context.Context, cis, specialite, existingATC, pdfPath string) (Match, bool, error) {
	if existingATC != "" {
		return Match{}, false, eris.Errorf("enrich: cis %s already has code %s", cis, existingATC)
	}

	bound := r.maxPages
	total, err := r.ext.PageCount(ctx, pdfPath)
	switch {
	case err != nil && bound <= 0:
		return Match{}, false, eris.Wrapf(err, "enrich: page count for %s", pdfPath)
	case err != nil:
		r.log.Warn("page count failed, scanning up to max pages",
			zap.String("pdf", pdfPath),
			zap.Error(err))
	case bound <= 0 || total < bound:
		bound = total
	}

	for page := 1; page <= bound; page++ {
		text, err := r.ext.ExtractPage(ctx, pdfPath, page)
		if err != nil {
			r.log.Warn("page extraction failed, skipping",
				zap.String("cis", cis),
				zap.String("pdf", pdfPath),
				zap.Int("page", page),
				zap.Error(err))
			continue
		}

		code, ok := atc.ExtractFromText(text)
		if !ok {
			continue
		}

		m := Match{CIS: cis, Specialite: specialite, ATC: code, Page: page}
		if r.report != nil {
			if err := r.report.Append(m.CIS, m.Specialite, m.ATC, strconv.Itoa(m.Page)); err != nil {
				return m, true, eris.Wrap(err, "enrich: write report row")
			}
		}
		r.log.Info("code recovered from pdf",
			zap.String("cis", cis),
			zap.String("atc", code),
			zap.Int("page", page))
		return m, true, nil
	}

	return Match{}, false, nil
}
