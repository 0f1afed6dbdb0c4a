package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ordolab/bdpm-sync/internal/config"
	"github.com/ordolab/bdpm-sync/internal/enrich"
	"github.com/ordolab/bdpm-sync/internal/fetcher"
	"github.com/ordolab/bdpm-sync/internal/ocr"
	"github.com/ordolab/bdpm-sync/internal/report"
	"github.com/ordolab/bdpm-sync/internal/store"
	"github.com/ordolab/bdpm-sync/pkg/airtable"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "bdpm-sync",
	Short: "Monthly BDPM registry to Airtable synchronization",
	Long:  "Downloads the French public drug registry, reconciles it against an Airtable table, and recovers missing ATC classification codes from RCP documents via OCR.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// initStore opens and migrates the run-log store configured in cfg.
func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.NewStore(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

func initFetcher() fetcher.Fetcher {
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{})
}

func initAirtable() airtable.Client {
	return airtable.NewClient(cfg.Airtable.Token, cfg.Airtable.BaseID, cfg.Airtable.Table)
}

// initEnricher wires the OCR extractor, the dated recovery report and the
// resolver into an enrichment pass.
func initEnricher(client airtable.Client, f fetcher.Fetcher) (*enrich.Enricher, *report.Writer, error) {
	ext, err := ocr.NewExtractor(cfg.OCR)
	if err != nil {
		return nil, nil, err
	}
	rep := report.NewDatedWriter(cfg.Report.Dir, "atc_ocr", time.Now(),
		"cis", "specialite", "atc", "page")
	resolver := enrich.NewResolver(ext, cfg.OCR.MaxPages, rep)
	return enrich.NewEnricher(client, f, resolver), rep, nil
}
