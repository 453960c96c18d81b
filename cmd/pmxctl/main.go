package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/pmx/economy-engine/internal/app"
	"github.com/pmx/economy-engine/internal/config"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          "pmxctl",
		Short:        "Operator tool for the PMX economy engine",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("PMX_CONFIG"), "path to a TOML config file")

	root.AddCommand(
		newAccountCmd(&configPath),
		newWaveCmd(&configPath),
		newSettleCmd(&configPath),
		newIncentiveCmd(&configPath),
		newEventsCmd(&configPath),
		newConfigCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// withEngine builds the engine for one command. Logs go to stderr so stdout
// stays parseable.
func withEngine(ctx context.Context, configPath string, fn func(*app.App) error) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	eng, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer eng.Close()
	return fn(eng)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
