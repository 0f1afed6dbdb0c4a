package enrich

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ordolab/bdpm-sync/internal/atc"
	"github.com/ordolab/bdpm-sync/internal/fetcher"
	"github.com/ordolab/bdpm-sync/pkg/airtable"
)

// flushEvery bounds how many recovered codes can be lost if a later record
// aborts the loop.
const flushEvery = 50

// maxFollowups caps how many candidate pages are crawled per record while
// hunting for the RCP document.
const maxFollowups = 5

// Stats summarizes an enrichment pass.
type Stats struct {
	Missing  int
	HTMLHits int
	PDFHits  int
	Patched  int
	Failed   int
}

// Enricher lists records without a classification code and tries to recover
// one per record, HTML first, then PDF OCR.
type Enricher struct {
	client   airtable.Client
	fetcher  fetcher.Fetcher
	resolver *Resolver
	log      *zap.Logger
}

// NewEnricher creates an Enricher.
func NewEnricher(client airtable.Client, f fetcher.Fetcher, resolver *Resolver) *Enricher {
	return &Enricher{
		client:   client,
		fetcher:  f,
		resolver: resolver,
		log:      zap.L().With(zap.String("component", "enrich")),
	}
}

// Run enriches up to limit records (0 = all). Per-record failures are
// counted and skipped; only listing or patching failures abort.
func (e *Enricher) Run(ctx context.Context, limit int) (Stats, error) {
	var stats Stats

	records, err := e.client.ListAll(ctx, airtable.ListOptions{
		FilterByFormula: fmt.Sprintf("{%s} = ''", airtable.FieldATC),
		Fields: []string{
			airtable.FieldCIS,
			airtable.FieldATC,
			airtable.FieldRCPLink,
			airtable.FieldSpecialite,
		},
	})
	if err != nil {
		return stats, eris.Wrap(err, "enrich: list records")
	}
	stats.Missing = len(records)
	e.log.Info("records without classification code", zap.Int("count", stats.Missing))

	var updates []airtable.Update
	flush := func() error {
		if len(updates) == 0 {
			return nil
		}
		if err := e.client.UpdateBatch(ctx, updates); err != nil {
			return eris.Wrap(err, "enrich: patch recovered codes")
		}
		stats.Patched += len(updates)
		updates = updates[:0]
		return nil
	}

	processed := 0
	for _, rec := range records {
		if limit > 0 && processed >= limit {
			break
		}

		cis := fieldString(rec.Fields, airtable.FieldCIS)
		if cis == "" {
			continue
		}
		processed++

		code, fromPDF, ok := e.resolveRecord(ctx, cis, rec.Fields)
		if !ok {
			stats.Failed++
			continue
		}

		if fromPDF {
			stats.PDFHits++
		} else {
			stats.HTMLHits++
		}
		// The level-4 group is patched alongside the full code.
		updates = append(updates, airtable.Update{
			ID: rec.ID,
			Fields: airtable.Fields{
				airtable.FieldATC:   code,
				airtable.FieldATCL4: atc.Level4(code),
			},
		})

		if len(updates) >= flushEvery {
			if err := flush(); err != nil {
				return stats, err
			}
		}
	}

	if err := flush(); err != nil {
		return stats, err
	}

	e.log.Info("enrichment pass finished",
		zap.Int("missing", stats.Missing),
		zap.Int("html_hits", stats.HTMLHits),
		zap.Int("pdf_hits", stats.PDFHits),
		zap.Int("patched", stats.Patched),
		zap.Int("failed", stats.Failed))

	return stats, nil
}

// resolveRecord tries the RCP page HTML, then the PDF. fromPDF reports which
// source produced the code.
func (e *Enricher) resolveRecord(ctx context.Context, cis string, fields airtable.Fields) (code string, fromPDF, ok bool) {
	specialite := fieldString(fields, airtable.FieldSpecialite)

	if html, err := e.fetcher.DownloadBytes(ctx, RCPPageURL(cis)); err == nil {
		if code, found := ExtractATCFromHTML(string(html)); found {
			e.log.Info("code recovered from page html",
				zap.String("cis", cis),
				zap.String("atc", code))
			return code, false, true
		}
	}

	pdfURL, found := e.findPDF(ctx, cis, fieldString(fields, airtable.FieldRCPLink))
	if !found {
		return "", false, false
	}

	pdfPath, err := e.downloadPDF(ctx, cis, pdfURL)
	if err != nil {
		e.log.Warn("pdf download failed",
			zap.String("cis", cis),
			zap.String("url", pdfURL),
			zap.Error(err))
		return "", false, false
	}
	defer os.Remove(pdfPath) //nolint:errcheck

	match, found, err := e.resolver.Resolve(ctx, cis, specialite, "", pdfPath)
	if err != nil || !found {
		if err != nil {
			e.log.Warn("pdf resolution failed",
				zap.String("cis", cis),
				zap.Error(err))
		}
		return "", false, false
	}
	return match.ATC, true, true
}

// findPDF hunts for the RCP document URL: the extract pages first, then the
// record's own link, following at most a handful of candidate pages.
func (e *Enricher) findPDF(ctx context.Context, cis, recordLink string) (string, bool) {
	pages := []string{RCPPageURL(cis), NoticePageURL(cis), MedicamentPageURL(cis)}
	if recordLink != "" {
		if strings.HasPrefix(recordLink, "//") {
			recordLink = "https:" + recordLink
		}
		if strings.HasSuffix(strings.ToLower(recordLink), ".pdf") {
			return recordLink, true
		}
		pages = append(pages, recordLink)
	}

	var followups []string
	for _, page := range pages {
		html, err := e.fetcher.DownloadBytes(ctx, page)
		if err != nil {
			continue
		}
		pdfURL, more := FindPDFCandidates(page, string(html))
		if pdfURL != "" {
			return pdfURL, true
		}
		followups = append(followups, more...)
	}

	for i, page := range followups {
		if i >= maxFollowups {
			break
		}
		html, err := e.fetcher.DownloadBytes(ctx, page)
		if err != nil {
			continue
		}
		if pdfURL, _ := FindPDFCandidates(page, string(html)); pdfURL != "" {
			return pdfURL, true
		}
	}

	return "", false
}

func (e *Enricher) downloadPDF(ctx context.Context, cis, pdfURL string) (string, error) {
	f, err := os.CreateTemp("", "rcp-"+cis+"-*.pdf")
	if err != nil {
		return "", eris.Wrap(err, "enrich: create temp file")
	}
	path := f.Name()
	f.Close() //nolint:errcheck

	if _, err := e.fetcher.DownloadToFile(ctx, pdfURL, path); err != nil {
		os.Remove(path) //nolint:errcheck
		return "", err
	}
	return path, nil
}

func fieldString(fields airtable.Fields, key string) string {
	switch v := fields[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strings.TrimSpace(fmt.Sprintf("%.0f", v))
	default:
		return ""
	}
}
