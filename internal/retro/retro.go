// Package retro resolves the set of CIS codes available through hospital
// retrocession, published by ANSM as a spreadsheet linked from a reference
// page.
package retro

import (
	"context"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/ordolab/bdpm-sync/internal/fetcher"
)

var (
	absLinkRe = regexp.MustCompile(`(?i)https?://ansm\.sante\.fr/[^"\s]+?\.(?:xls|xlsx)`)
	relLinkRe = regexp.MustCompile(`(?i)(/uploads/[^"\s]+?\.(?:xls|xlsx))`)
	digitsRe  = regexp.MustCompile(`\D`)
)

// FindSpreadsheetURL locates the first .xls/.xlsx link in the ANSM page
// HTML, resolving site-relative upload paths.
func FindSpreadsheetURL(html string) (string, error) {
	if m := absLinkRe.FindString(html); m != "" {
		return m, nil
	}
	if m := relLinkRe.FindString(html); m != "" {
		return "https://ansm.sante.fr" + m, nil
	}
	return "", eris.New("retro: no spreadsheet link found on ANSM page")
}

// Lister downloads and parses the ANSM retrocession list.
type Lister struct {
	fetcher fetcher.Fetcher
	pageURL string
}

// NewLister creates a Lister scraping the given reference page.
func NewLister(f fetcher.Fetcher, pageURL string) *Lister {
	return &Lister{fetcher: f, pageURL: pageURL}
}

// Fetch returns the set of CIS codes on the current retrocession list.
func (l *Lister) Fetch(ctx context.Context) (map[string]bool, error) {
	log := zap.L().With(zap.String("component", "retro"))

	page, err := l.fetcher.DownloadBytes(ctx, l.pageURL)
	if err != nil {
		return nil, eris.Wrap(err, "retro: download ANSM page")
	}

	sheetURL, err := FindSpreadsheetURL(string(page))
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(strings.ToLower(sheetURL), ".xls") {
		return nil, eris.Errorf("retro: ANSM file is legacy .xls, no reader available: %s", sheetURL)
	}
	log.Info("found retrocession spreadsheet", zap.String("url", sheetURL))

	data, err := l.fetcher.DownloadBytes(ctx, sheetURL)
	if err != nil {
		return nil, eris.Wrap(err, "retro: download spreadsheet")
	}

	return ParseSpreadsheet(data)
}

// ParseSpreadsheet extracts CIS codes from the third column of the first
// sheet. Cells are reduced to digits; anything shorter than 6 digits is a
// header or stray value.
func ParseSpreadsheet(data []byte) (map[string]bool, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, eris.Wrap(err, "retro: open spreadsheet")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("retro: spreadsheet has no sheets")
	}

	cis := make(map[string]bool)
	for _, row := range f.Sheets[0].Rows {
		if len(row.Cells) < 3 {
			continue
		}
		v := digitsRe.ReplaceAllString(strings.TrimSpace(row.Cells[2].String()), "")
		if len(v) >= 6 {
			cis[v] = true
		}
	}

	return cis, nil
}
