package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	serverrun "github.com/voltaic-io/telemux/internal/cmd/server"
	cfgpkg "github.com/voltaic-io/telemux/internal/config"
	pebblestore "github.com/voltaic-io/telemux/internal/storage/pebble"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "telemux",
		Short: "Telemux node CLI",
		Long:  "Telemux routes real-time device telemetry updates across a cluster of nodes. This CLI manages a node and basic operations.",
	}

	// server start
	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start a telemux node",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			dataDir, _ := cmd.Flags().GetString("data-dir")
			bind, _ := cmd.Flags().GetString("bind")
			advertise, _ := cmd.Flags().GetString("advertise")
			peers, _ := cmd.Flags().GetString("peers")
			fsyncMode, _ := cmd.Flags().GetString("fsync")
			logLevel, _ := cmd.Flags().GetString("log-level")
			logFormat, _ := cmd.Flags().GetString("log-format")

			cfg := cfgpkg.Default()
			if configPath != "" {
				loaded, err := cfgpkg.Load(configPath)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				cfg = loaded
			}
			cfgpkg.FromEnv(&cfg)
			if bind != "" {
				cfg.BindAddr = bind
			}
			if advertise != "" {
				cfg.AdvertiseAddr = advertise
			}
			if peers != "" {
				cfg.Peers = splitPeers(peers)
			}
			if fsyncMode != "" {
				cfg.Fsync = fsyncMode
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			if logFormat != "" {
				cfg.LogFormat = logFormat
			}
			cfg.Finish()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := serverrun.Run(ctx, serverrun.Options{
				DataDir: dataDir,
				Fsync:   pebblestore.ParseFsyncMode(cfg.Fsync),
				Config:  cfg,
			}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			// brief delay to allow logs flush
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	}
	serverStartCmd.Flags().String("config", "", "Path to JSON config file")
	serverStartCmd.Flags().String("data-dir", "", "Data directory (defaults to the OS application data directory)")
	serverStartCmd.Flags().String("bind", "", "HTTP listen address (default :8090)")
	serverStartCmd.Flags().String("advertise", "", "Address peers reach this node at (defaults to bind address)")
	serverStartCmd.Flags().String("peers", "", "Comma-separated peer advertise addresses")
	serverStartCmd.Flags().String("fsync", "", "Fsync mode: always|interval|never")
	serverStartCmd.Flags().String("log-level", os.Getenv("TMX_LOG_LEVEL"), "Log level: debug|info|warn|error")
	serverStartCmd.Flags().String("log-format", os.Getenv("TMX_LOG_FORMAT"), "Log format: text|json (default text)")
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	// health
	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Probe a node's health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(apiURL() + "/v1/healthz")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			var body map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				io.Copy(io.Discard, resp.Body)
				return fmt.Errorf("decode health response: %w", err)
			}
			fmt.Println("status:", resp.Status)
			for k, v := range body {
				fmt.Printf("%s: %v\n", k, v)
			}
			return nil
		},
	}
	rootCmd.AddCommand(healthCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func splitPeers(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func apiURL() string {
	if v := os.Getenv("TMX_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8090"
}
