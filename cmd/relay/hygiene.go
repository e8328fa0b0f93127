package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/nexushq/relay/internal/config"
	"github.com/nexushq/relay/internal/hygiene"
	"github.com/nexushq/relay/internal/observability"
	"github.com/nexushq/relay/internal/store"
)

// runHygiene executes one hygiene pass against the configured store and
// prints the report as JSON. Retitling is disabled here: offline runs have no
// provider gateway, and the pass must not depend on upstream availability.
func runHygiene(ctx context.Context, configPath string, dryRun bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})

	st, err := store.Open(cfg.Persistence.URL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	svc := hygiene.New(st, nil, logger, hygiene.Config{
		PruneEmptyAfter:  cfg.Hygiene.PruneEmptyAfter,
		PruneShortAfter:  cfg.Hygiene.PruneShortAfter,
		DedupeWindow:     cfg.Hygiene.DedupeWindow,
		RetitleBatchSize: cfg.Hygiene.RetitleBatchSize,
		GenericTitles:    cfg.Hygiene.GenericTitles,
	})

	report, err := svc.Run(ctx, dryRun)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
