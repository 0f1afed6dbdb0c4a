package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ordolab/bdpm-sync/internal/retro"
	syncpkg "github.com/ordolab/bdpm-sync/internal/sync"
)

var (
	syncForce      bool
	syncDryRun     bool
	syncSkipEnrich bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run the full registry synchronization pipeline",
	Long:  "Downloads the registry files, diffs them against the Airtable table, applies creates, updates and deletes, then optionally runs the classification-code enrichment pass.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("sync"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		f := initFetcher()
		client := initAirtable()
		lister := retro.NewLister(f, cfg.BDPM.RetroPage)

		var enricher syncpkg.EnrichRunner
		if cfg.OCR.Enable && !syncSkipEnrich {
			e, rep, err := initEnricher(client, f)
			if err != nil {
				return eris.Wrap(err, "init enricher")
			}
			defer rep.Close() //nolint:errcheck
			enricher = e
		}

		engine := syncpkg.NewEngine(cfg, f, client, st, lister, enricher)
		res, err := engine.Run(ctx, syncpkg.Options{
			Force:      syncForce,
			DryRun:     syncDryRun,
			SkipEnrich: syncSkipEnrich,
		})
		if err != nil {
			return eris.Wrap(err, "sync run")
		}

		zap.L().Info("sync finished", zap.String("run_id", res.RunID))

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res.Counts)
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncForce, "force", false, "download the registry even when the source is unchanged")
	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "compute the plan without touching the remote table")
	syncCmd.Flags().BoolVar(&syncSkipEnrich, "skip-enrich", false, "skip the classification-code enrichment pass")
	rootCmd.AddCommand(syncCmd)
}
