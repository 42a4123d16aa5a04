package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dmaltsev/tgmirror/internal/dashboard"
	"github.com/dmaltsev/tgmirror/internal/store"
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "maintenance",
	Short:   "Serve a live WebSocket view of the mirror",
	Long: `Start an HTTP server exposing mirror statistics and a WebSocket feed.

Connected clients receive a stats snapshot on connect and a refresh whenever
a sync run (or merge) writes to the database file. Endpoints:

  /        basic landing page
  /stats   current statistics as JSON
  /health  server health and client count
  /ws      WebSocket feed`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadRuntime(cmd)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.DashboardAddr = addr
		}

		db, err := store.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()

		srv := dashboard.NewServer(cfg.DashboardAddr, db, logger)
		if err := srv.Start(); err != nil {
			return err
		}

		watcher, err := dashboard.NewWatcher(srv, db.Path(), logger)
		if err != nil {
			srv.Stop()
			return err
		}

		fmt.Printf("Dashboard on http://%s (ws://%s/ws)\n", srv.Addr(), srv.Addr())
		fmt.Println("Press Ctrl+C to stop")

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		err = watcher.Run(ctx)
		if stopErr := srv.Stop(); stopErr != nil {
			return stopErr
		}
		if err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

func init() {
	dashboardCmd.Flags().String("addr", "", "Listen address (host:port)")
	rootCmd.AddCommand(dashboardCmd)
}
