// Command shopscout searches retail storefronts for purchasable
// products matching a descriptor and prints only links it has verified
// end to end.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shopscout/shopscout/internal/aggregator"
	"github.com/shopscout/shopscout/internal/browser"
	"github.com/shopscout/shopscout/internal/cache"
	"github.com/shopscout/shopscout/internal/cache/postgres"
	"github.com/shopscout/shopscout/internal/cache/sqlite"
	"github.com/shopscout/shopscout/internal/harden"
	"github.com/shopscout/shopscout/internal/harvest"
	"github.com/shopscout/shopscout/internal/metrics"
	"github.com/shopscout/shopscout/internal/prefilter"
	"github.com/shopscout/shopscout/internal/rank"
	"github.com/shopscout/shopscout/internal/search"
	"github.com/shopscout/shopscout/internal/storefront"
	"github.com/shopscout/shopscout/internal/verify"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "shopscout",
		Short:         "Verified product link search",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.AddCommand(newSearchCmd())

	return root
}

func newSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search [descriptor...]",
		Short: "Search for purchasable products matching a descriptor",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSearch,
	}

	flags := cmd.Flags()
	flags.String("aggregator-url", "http://127.0.0.1:7000", "search aggregator base URL")
	flags.StringSlice("engines", []string{"google", "bing", "duckduckgo"}, "aggregator engines")
	flags.StringSlice("aggregator-cmd", nil, "aggregator sidecar command to supervise (argv)")
	flags.Float64("soft", 0, "soft budget cap (comfortable spend)")
	flags.Float64("hard", 0, "hard budget cap (absolute ceiling)")
	flags.Int("k", search.DefaultK, "number of products to return")
	flags.StringSlice("retailers", nil, "restrict results to these retailer domains")
	flags.String("brand", "", "required brand")
	flags.String("size", "", "desired size")
	flags.String("color", "", "desired color")
	flags.String("cache", "memory", `cache backend: "memory", "sqlite:<path>", or a postgres DSN`)
	flags.Duration("cache-ttl", cache.DefaultTTL, "how long verified links stay trusted")
	flags.Int("metrics-port", 0, "serve Prometheus metrics on this port (0 = off)")
	flags.Bool("verify", true, "run browser verification (false returns unverified links)")
	flags.Int("browsers", 3, "browser processes in the verification pool")
	flags.Int("contexts", 5, "contexts per browser process")
	flags.Bool("headless", true, "run browsers headless")
	flags.Duration("timeout", 5*time.Minute, "overall search deadline")

	viper.SetEnvPrefix("SHOPSCOUT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlags(flags)

	return cmd
}

func runSearch(cmd *cobra.Command, args []string) error {
	logger := newLogger(viper.GetString("log-level"))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, viper.GetDuration("timeout"))
	defer cancel()

	if port := viper.GetInt("metrics-port"); port > 0 {
		srv := metrics.Start(port)
		defer func() { _ = srv.Stop(context.Background()) }()
	}

	store, err := openCache(ctx, viper.GetString("cache"))
	if err != nil {
		return err
	}
	defer store.Close()

	client, err := aggregator.New(aggregator.Config{
		BaseURL: viper.GetString("aggregator-url"),
		Engines: viper.GetStringSlice("engines"),
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	if sidecar := viper.GetStringSlice("aggregator-cmd"); len(sidecar) > 0 {
		sup, err := aggregator.NewSupervisor(aggregator.SupervisorConfig{
			Command: sidecar,
			Health:  client,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		if err := sup.Start(ctx); err != nil {
			return err
		}
		defer sup.Stop()
	}

	harvester, err := harvest.New(harvest.Config{
		Searcher: client,
		Allow:    viper.GetStringSlice("retailers"),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	pipeline, cleanup, err := buildPipeline(logger)
	if err != nil {
		return err
	}
	defer cleanup()

	orch, err := search.New(search.Config{
		Sources:  []search.Source{search.NewHarvestSource(harvester)},
		Pipeline: pipeline,
		Cache:    store,
		Ranker:   rank.New(rank.Weights{}),
		CacheTTL: viper.GetDuration("cache-ttl"),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	resp, err := orch.Search(ctx, search.Query{
		Descriptor: strings.Join(args, " "),
		Budget: rank.Budget{
			SoftCap: viper.GetFloat64("soft"),
			HardCap: viper.GetFloat64("hard"),
		},
		Filters: search.Filters{
			Brand: viper.GetString("brand"),
			Size:  viper.GetString("size"),
			Color: viper.GetString("color"),
		},
		Retailers: viper.GetStringSlice("retailers"),
		K:         viper.GetInt("k"),
	})
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

// buildPipeline assembles the verification stages. The browser pool is
// only launched when verification is on; unverified runs stay cheap.
func buildPipeline(logger *slog.Logger) (*search.Pipeline, func(), error) {
	pre, err := prefilter.New(prefilter.Config{
		RequiredBrand: viper.GetString("brand"),
		MaxPrice:      optionalFloat(viper.GetFloat64("hard")),
		Logger:        logger,
	})
	if err != nil {
		return nil, nil, err
	}

	hardener, err := harden.New(harden.Config{Logger: logger})
	if err != nil {
		return nil, nil, err
	}

	connector, err := storefront.New(storefront.Config{Logger: logger})
	if err != nil {
		return nil, nil, err
	}

	pipeline := &search.Pipeline{
		Prefilter:  pre,
		Storefront: connector,
		Hardener:   hardener,
	}
	cleanup := func() {}

	if viper.GetBool("verify") {
		pool, err := browser.New(browser.Config{
			Browsers:           viper.GetInt("browsers"),
			ContextsPerBrowser: viper.GetInt("contexts"),
			Headless:           viper.GetBool("headless"),
			Logger:             logger,
		})
		if err != nil {
			return nil, nil, err
		}
		verifier, err := verify.New(verify.Config{Pool: pool, Logger: logger})
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		pipeline.Verifier = verifier
		cleanup = pool.Close
	}

	return pipeline, cleanup, nil
}

func optionalFloat(v float64) *float64 {
	if v <= 0 {
		return nil
	}
	return &v
}

func openCache(ctx context.Context, dsn string) (cache.Store, error) {
	switch {
	case dsn == "" || dsn == "memory":
		return cache.NewMemory(), nil
	case strings.HasPrefix(dsn, "sqlite:"):
		return sqlite.New(strings.TrimPrefix(dsn, "sqlite:"))
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return postgres.New(ctx, dsn)
	default:
		return nil, fmt.Errorf("unrecognized cache backend %q", dsn)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
