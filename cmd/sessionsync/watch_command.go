package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/pspitzner/beetsflask-sync/internal/logging"
	"github.com/pspitzner/beetsflask-sync/internal/metrics"
	"github.com/pspitzner/beetsflask-sync/pkg/cache"
	"github.com/pspitzner/beetsflask-sync/pkg/models"
	"github.com/pspitzner/beetsflask-sync/pkg/push"
)

func newWatchCommand(ctx *commandContext) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "watch [FOLDER...]",
		Short: "Follow push events and print session changes",
		Long: `Follow push events and print session changes.

Watched folders are fetched once and refetched whenever the backend reports a
change. Without folders, every routed push event is printed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := parseFolders(args)
			if err != nil {
				return err
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			st, err := ctx.newStack()
			if err != nil {
				return err
			}
			defer st.Close()

			if metricsAddr == "" {
				metricsAddr = cfg.Metrics.Addr
			}
			if metricsAddr != "" {
				stopMetrics := serveMetrics(metricsAddr)
				defer stopMetrics()
			}

			out := cmd.OutOrStdout()
			listener := st.newListener(cfg,
				push.WithStateHook(func(s push.State) {
					logging.Info("push state", logging.String("state", s.String()))
				}),
				push.WithEventHook(func(ev models.StatusEvent, n int) {
					if len(keys) == 0 {
						fmt.Fprintf(out, "%s\t%s\t%s\t%s\tinvalidated=%d\n",
							ev.Kind, valueOr(ev.Folder().String(), "-"), valueOr(ev.JobID, "-"), ev.NewStatus, n)
					}
				}),
			)
			if listener == nil {
				return errors.New("push transport is disabled; nothing to watch")
			}

			runCtx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			runCtx = logging.WithFields(runCtx,
				logging.String("transport", cfg.Push.Transport),
				logging.String("push_url", cfg.Push.URL))

			if err := st.client.Ping(runCtx); err != nil {
				logging.Warn("backend not reachable, waiting for push", logging.Err(err))
			}

			updates := make(chan models.FolderKey, 16)
			for _, key := range keys {
				sub := st.service.Watch(key)
				defer sub.Close()
				go forwardUpdates(runCtx, sub, updates)

				r := st.service.Session(runCtx, key)
				if r.IsError {
					cmd.PrintErrf("%s: %s\n", key, describeError(r.Err))
					continue
				}
				printSession(cmd, key, r.Data, false)
			}

			done := make(chan error, 1)
			go func() { done <- listener.Run(runCtx) }()

			for {
				select {
				case key := <-updates:
					r := st.service.Peek(key)
					switch {
					case r.IsError:
						cmd.PrintErrf("%s: %s\n", key, describeError(r.Err))
					case r.Data != nil || r.NotFound:
						printSession(cmd, key, r.Data, false)
					}
				case err := <-done:
					return err
				}
			}
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	return cmd
}

// forwardUpdates reports the subscription's key on every update.
func forwardUpdates(ctx context.Context, sub *cache.Subscription, updates chan<- models.FolderKey) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-sub.C():
			if !ok {
				return
			}
			if n.Kind != cache.Updated {
				continue
			}
			select {
			case updates <- sub.Key():
			case <-ctx.Done():
				return
			}
		}
	}
}

// serveMetrics starts the metrics listener and returns its shutdown func.
func serveMetrics(addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.Info("metrics server listening", logging.String("addr", addr))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", logging.Err(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}
