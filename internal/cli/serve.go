package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/connpro/orchestrator/internal/analytics"
	"github.com/connpro/orchestrator/internal/api"
	"github.com/connpro/orchestrator/internal/browser"
	"github.com/connpro/orchestrator/internal/config"
	"github.com/connpro/orchestrator/internal/db"
	"github.com/connpro/orchestrator/internal/job"
	"github.com/connpro/orchestrator/internal/notify"
	"github.com/connpro/orchestrator/internal/profile"
	"github.com/connpro/orchestrator/internal/templates"
	"github.com/connpro/orchestrator/internal/ws"
)

const (
	agentCheckInterval = 30 * time.Second
	agentTimeout       = 90 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator: HTTP API, agent bridge and job controller",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cfg, logger)
	},
}

func init() { rootCmd.AddCommand(serveCmd) }

// node is a fully wired orchestrator.
type node struct {
	store      *db.Store
	controller *job.Controller
	agents     *browser.Manager
	bridge     *ws.Bridge
	handler    http.Handler
}

func timings(c *config.Config) job.Timings {
	return job.Timings{
		Deadline:       c.ItemDeadline,
		Settle:         c.SettleDelay,
		Heartbeat:      c.HeartbeatInterval,
		Watchdog:       c.WatchdogInterval,
		StaleAfter:     c.StaleAfter,
		Reopen:         c.ReopenDelay,
		MilestoneEvery: c.MilestoneEvery,
	}
}

func newNode(c *config.Config, log *slog.Logger) (*node, error) {
	store, err := db.NewStore(c.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	rec, err := analytics.NewRecorder(store)
	if err != nil {
		store.Close()
		return nil, err
	}
	tpls := templates.NewRegistry(store)
	profiles := profile.NewStore(store)

	agents := browser.NewManager(log)
	bridge := ws.NewBridge(agents, log)
	hub := ws.NewHub(nil, log)

	notifiers := notify.Multi{notify.NewLogNotifier(log), hub}
	if c.SMTP.Enabled() {
		notifiers = append(notifiers, notify.NewEmailNotifier(c.SMTP))
		log.Info("email notifications enabled", "to", c.SMTP.To)
	}

	controller := job.NewController(job.Deps{
		Store:       job.NewPersistentStore(store),
		Surface:     bridge,
		Clock:       job.RealClock(),
		Notifier:    notifiers,
		Broadcaster: hub,
		Recorder:    rec,
		Profiles:    profiles,
		Logger:      log,
		Timings:     timings(c),
	})
	bridge.SetReporter(controller)
	hub.SetCurrent(controller.Status)

	router := api.NewRouter(api.Deps{
		Config:     c,
		Controller: controller,
		Agents:     agents,
		Bridge:     bridge,
		Hub:        hub,
		Analytics:  rec,
		Templates:  tpls,
		Profiles:   profiles,
	})

	return &node{store: store, controller: controller, agents: agents, bridge: bridge, handler: router}, nil
}

func (n *node) Close() error {
	n.controller.Close()
	return n.store.Close()
}

func runServe(c *config.Config, log *slog.Logger) error {
	log.Info("starting orchestrator", "node", c.NodeID, "port", c.HTTPPort, "data", c.DataDir)

	n, err := newNode(c, log)
	if err != nil {
		return err
	}
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.bridge.MonitorAgents(ctx, agentCheckInterval, agentTimeout)

	if err := n.controller.Restore(); err != nil {
		log.Error("restore failed", "err", err)
	}

	server := &http.Server{
		Addr:        c.Addr(),
		Handler:     n.handler,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", c.Addr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-done:
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}
