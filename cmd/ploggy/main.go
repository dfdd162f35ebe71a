// Command ploggy runs the sharing engine against a local data
// directory. The process stays in the foreground until interrupted.
package main

import (
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mak2salazarjr/ploggy"
	"github.com/mak2salazarjr/ploggy/events"
	"github.com/mak2salazarjr/ploggy/prefs"
	"github.com/mak2salazarjr/ploggy/resources"
	"github.com/mak2salazarjr/ploggy/store"
)

func main() {
	var dataDir string
	var metricsAddr string
	var verbose bool

	root := &cobra.Command{
		Use:   "ploggy",
		Short: "Peer-to-peer social sharing over hidden services",
	}
	root.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDataDir(), "data directory")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable debug logging")

	run := &cobra.Command{
		Use:   "run",
		Short: "Run the sharing engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
			return runEngine(dataDir, metricsAddr)
		},
	}
	run.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this loopback address")
	root.AddCommand(run)

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("ploggy failed")
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ploggy"
	}
	return filepath.Join(home, ".ploggy")
}

func runEngine(dataDir, metricsAddr string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return err
	}

	dataStore, err := store.Open(filepath.Join(dataDir, "ploggy.db"))
	if err != nil {
		return err
	}
	defer dataStore.Close()

	preferences, err := prefs.Open(filepath.Join(dataDir, "preferences.yaml"))
	if err != nil {
		return err
	}

	resourceManager, err := resources.NewManager(filepath.Join(dataDir, "resources"))
	if err != nil {
		return err
	}

	engine, err := ploggy.NewEngine(ploggy.Config{
		Store:       dataStore,
		Preferences: preferences,
		Resources:   resourceManager,
		Events:      events.NewRouter(),
		TorDataDir:  filepath.Join(dataDir, "tor"),
	})
	if err != nil {
		return err
	}
	if err := engine.Start(); err != nil {
		return err
	}
	defer engine.Stop()

	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logrus.WithError(err).Warn("Metrics server terminated")
			}
		}()
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt
	logrus.Info("Shutting down")
	return nil
}
