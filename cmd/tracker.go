package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/pixperk/pixtracker/config"
	"github.com/pixperk/pixtracker/tracker"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	trackerConfig    string
	trackerAddr      string
	trackerRedis     string
	trackerRedisDB   int
	trackerRedisPwd  string
	trackerWhitelist string
	trackerPrivate   bool
	trackerDebug     bool
)

var trackerCmd = &cobra.Command{
	Use:   "tracker",
	Short: "Start the BitTorrent tracker",
	Long:  `Start an HTTP BitTorrent tracker backed by the in-memory torrent database.`,
	RunE:  runTracker,
}

func init() {
	trackerCmd.Flags().StringVarP(&trackerConfig, "config", "c", "", "YAML config file")
	trackerCmd.Flags().StringVarP(&trackerAddr, "addr", "a", ":8080", "Address to listen on")
	trackerCmd.Flags().StringVarP(&trackerRedis, "redis", "r", "", "Redis address for stats export (empty disables it)")
	trackerCmd.Flags().IntVarP(&trackerRedisDB, "redis-db", "d", 0, "Redis database number")
	trackerCmd.Flags().StringVarP(&trackerRedisPwd, "redis-password", "P", "", "Redis password")
	trackerCmd.Flags().StringVarP(&trackerWhitelist, "whitelist", "w", "", "Whitelist file of hex info-hashes")
	trackerCmd.Flags().BoolVar(&trackerPrivate, "private", false, "Only serve registered torrents")
	trackerCmd.Flags().BoolVar(&trackerDebug, "debug", false, "Enable debug logs")

	rootCmd.AddCommand(trackerCmd)
}

// loadTrackerConfig reads the config file, then applies flags the user set
// explicitly.
func loadTrackerConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if trackerConfig != "" {
		var err error
		if cfg, err = config.ReadConfigFromFile(trackerConfig); err != nil {
			return nil, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Listen = trackerAddr
	}
	if flags.Changed("redis") {
		cfg.Redis.Addr = trackerRedis
	}
	if flags.Changed("redis-db") {
		cfg.Redis.DB = trackerRedisDB
	}
	if flags.Changed("redis-password") {
		cfg.Redis.Password = trackerRedisPwd
	}
	if flags.Changed("whitelist") {
		cfg.Whitelist = trackerWhitelist
	}
	if trackerPrivate {
		cfg.AutoRegister = false
	}
	if trackerDebug {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func databaseOptions(cfg *config.Config) tracker.Options {
	return tracker.Options{
		AnnounceInterval:    cfg.AnnounceInterval.Std(),
		MinAnnounceInterval: cfg.MinAnnounceInterval.Std(),
		ScrapeInterval:      cfg.ScrapeInterval.Std(),
		PeerTimeout:         cfg.PeerTimeout.Std(),
		SweepInterval:       cfg.SweepInterval.Std(),
		SweepChunk:          cfg.SweepChunk,
		DefaultNumWant:      cfg.DefaultNumWant,
		MaxNumWant:          cfg.MaxNumWant,
		AutoRegister:        cfg.AutoRegister,
		FullScrape:          cfg.FullScrape,
	}
}

func runTracker(cmd *cobra.Command, args []string) error {
	cfg, err := loadTrackerConfig(cmd)
	if err != nil {
		return err
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return errors.Wrap(err, "log_level")
	}
	logrus.SetLevel(level)

	db := tracker.NewDatabase(databaseOptions(cfg))
	defer db.Release()
	defer db.Stop()

	srv := tracker.NewServer(db, tracker.ServerOptions{
		Addr:       cfg.Listen,
		TrustProxy: cfg.TrustProxy,
		RateLimit:  cfg.RateLimit,
		RateBurst:  cfg.RateBurst,
	})

	reporter := tracker.NewReporter(db.Privileged(), cfg.StatsInterval.Std(), tracker.LogSink{})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storage := "off"
	if cfg.Redis.Addr != "" {
		sink := tracker.NewRedisSink(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL.Std())
		defer sink.Close()
		if err := sink.Ping(ctx); err != nil {
			return errors.Wrapf(err, "connect to redis at %s", cfg.Redis.Addr)
		}
		reporter.AddSink(sink)
		storage = fmt.Sprintf("redis://%s/%d", cfg.Redis.Addr, cfg.Redis.DB)
	}

	PrintBanner()
	server := newPanel("tracker").
		highlight("address", cfg.Listen).
		add("announce", FormatDuration(cfg.AnnounceInterval.Std())).
		add("peer ttl", FormatDuration(cfg.PeerTimeout.Std())).
		add("stats", storage).
		status("private", !cfg.AutoRegister)
	if cfg.Whitelist != "" {
		server.add("whitelist", cfg.Whitelist)
	}
	for _, path := range []string{"announce", "scrape", "stats"} {
		server.note("GET http://%s/%s", cfg.Listen, path)
	}
	server.flush()
	PrintDivider()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return reporter.Run(gctx) })
	if cfg.Whitelist != "" {
		wl := tracker.NewWhitelist(cfg.Whitelist, db, cfg.WhitelistRefresh.Std())
		g.Go(func() error { return wl.Run(gctx) })
	}

	err = g.Wait()
	logrus.Info("tracker stopped")
	return err
}
