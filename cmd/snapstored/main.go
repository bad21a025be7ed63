package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quaydisk/snapstore/pkg/config"
	"github.com/quaydisk/snapstore/pkg/imagesvc"
	"github.com/quaydisk/snapstore/pkg/log"
	"github.com/quaydisk/snapstore/pkg/metrics"
	"github.com/quaydisk/snapstore/pkg/recycler"
	"github.com/quaydisk/snapstore/pkg/rpc"
	"github.com/quaydisk/snapstore/pkg/service"
	"github.com/quaydisk/snapstore/pkg/store"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "snapstored",
	Short: "snapstored manages layered snapshot storage and recycling",
	Long: `snapstored orchestrates create/destroy/open/close snapshot
operations against an external image service, persisting a journal and
snapshot_storage table in bbolt and recycling deleted nodes in the
background.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory for the bbolt database (overrides config)")
	rootCmd.PersistentFlags().String("listen-addr", "", "RPC HTTP listen address (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format (overrides config)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(recycleOnceCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	if level == "" {
		level = "info"
	}
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

// loadConfig merges the YAML file named by --config with whichever
// persistent flags the caller explicitly set, flags taking priority.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return cfg, err
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("listen-addr"); v != "" {
		cfg.ListenAddr = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v, _ := cmd.Flags().GetBool("log-json"); v {
		cfg.LogJSON = v
	}
	return cfg, nil
}

func openStore(cfg config.Config) (store.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir %s: %w", cfg.DataDir, err)
	}
	return store.NewBoltStore(cfg.DataDir)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the snapstore RPC server and background recycler",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		st, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer st.Close()

		images := imagesvc.NewHTTPClient(cfg.ImageServiceRead, cfg.ImageServiceWrite, cfg.ImageServiceCDP)
		svc := service.New(st, images)

		rec := recycler.New(svc.Store, svc.Locks, svc.RefMgr, svc.Images, cfg.RecycleInterval)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		rec.Start(ctx)
		defer rec.Stop()

		collector := metrics.NewCollector(st)
		collector.Start()
		defer collector.Stop()

		server := rpc.NewServer(rpc.New(svc))
		errCh := make(chan error, 1)
		go func() {
			log.Logger.Info().Str("addr", cfg.ListenAddr).Msg("rpc server listening")
			if err := server.ListenAndServe(cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Logger.Info().Msg("shutting down")
		case err := <-errCh:
			return fmt.Errorf("rpc server error: %w", err)
		}
		return nil
	},
}

var recycleOnceCmd = &cobra.Command{
	Use:   "recycle-once",
	Short: "Run a single recycling pass over every tree and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		st, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer st.Close()

		images := imagesvc.NewHTTPClient(cfg.ImageServiceRead, cfg.ImageServiceWrite, cfg.ImageServiceCDP)
		svc := service.New(st, images)
		rec := recycler.New(svc.Store, svc.Locks, svc.RefMgr, svc.Images, cfg.RecycleInterval)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		return rec.RunOnce(ctx)
	},
}
