package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ordolab/bdpm-sync/internal/enrich"
	"github.com/ordolab/bdpm-sync/internal/ocr"
	"github.com/ordolab/bdpm-sync/internal/report"
)

var (
	ocrBatchDir string
	ocrBatchOut string
)

var ocrBatchCmd = &cobra.Command{
	Use:   "ocr-batch",
	Short: "Extract ATC codes from a directory of PDFs",
	Long:  "Runs the page-bounded OCR resolver over every PDF in a directory and writes the extracted codes to a TSV report. The medication name is taken from the file name.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("ocr-batch"); err != nil {
			return err
		}

		pdfs, err := listPDFs(ocrBatchDir)
		if err != nil {
			return err
		}
		if len(pdfs) == 0 {
			fmt.Fprintln(os.Stderr, "No PDF files found.")
			return nil
		}

		ext, err := ocr.NewExtractor(cfg.OCR)
		if err != nil {
			return err
		}
		resolver := enrich.NewResolver(ext, cfg.OCR.MaxPages, nil)

		rep := report.NewWriter(ocrBatchOut, "pdf_path", "med_name", "atc", "page")
		defer rep.Close() //nolint:errcheck

		var found, missed int
		for _, path := range pdfs {
			name := medName(path)

			match, ok, err := resolver.Resolve(ctx, name, name, "", path)
			if err != nil {
				zap.L().Warn("pdf resolution failed",
					zap.String("pdf", path),
					zap.Error(err))
				missed++
				continue
			}
			if !ok {
				missed++
				continue
			}

			if err := rep.Append(path, name, match.ATC, strconv.Itoa(match.Page)); err != nil {
				return eris.Wrap(err, "write report row")
			}
			found++
		}

		zap.L().Info("batch finished",
			zap.Int("pdfs", len(pdfs)),
			zap.Int("found", found),
			zap.Int("missed", missed),
			zap.String("report", rep.Path()))
		return nil
	},
}

func init() {
	ocrBatchCmd.Flags().StringVar(&ocrBatchDir, "pdf-dir", "", "directory of PDF files to scan (required)")
	ocrBatchCmd.Flags().StringVar(&ocrBatchOut, "out", "atc_ocr_batch.tsv", "output TSV path")
	_ = ocrBatchCmd.MarkFlagRequired("pdf-dir")
	rootCmd.AddCommand(ocrBatchCmd)
}

// listPDFs walks dir recursively and returns the .pdf files found, sorted by
// path.
func listPDFs(dir string) ([]string, error) {
	var pdfs []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ".pdf") {
			pdfs = append(pdfs, path)
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "walk pdf dir %s", dir)
	}
	sort.Strings(pdfs)
	return pdfs, nil
}

// medName derives the medication name from a PDF file name.
func medName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
