package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pspitzner/beetsflask-sync/internal/fakebackend"
	"github.com/pspitzner/beetsflask-sync/internal/logging"
	"github.com/pspitzner/beetsflask-sync/pkg/models"
)

func newDevServerCommand(ctx *commandContext) *cobra.Command {
	var (
		addr     string
		prefix   string
		token    string
		jobDelay time.Duration
		seeds    []string
	)

	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run an in-memory backend for local development",
		Long: `Run an in-memory backend for local development.

Each --seed is <hash>@<path>[=<status>]. Enqueued jobs complete after
--job-delay and publish folder and job status events on /ws and /events.`,
		Annotations: map[string]string{"skipConfig": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logging.Init(logging.Config{Level: "info", Format: "console", OutputPath: "stderr"}); err != nil {
				return err
			}
			defer logging.Sync()
			if ctx.flags.logLevel != "" {
				logging.SetLevel(ctx.flags.logLevel)
			}

			backend := fakebackend.New(fakebackend.Options{Token: token, JobDelay: jobDelay})
			for _, seed := range seeds {
				s, err := parseSeed(seed)
				if err != nil {
					return err
				}
				backend.PutSession(s)
			}

			prefix = "/" + strings.Trim(prefix, "/")
			mux := http.NewServeMux()
			if prefix == "/" {
				mux.Handle("/", backend.Handler())
			} else {
				mux.Handle(prefix+"/", http.StripPrefix(prefix, backend.Handler()))
			}

			srv := &http.Server{Addr: addr, Handler: mux}
			errCh := make(chan error, 1)
			go func() {
				logging.Info("devserver listening",
					logging.String("addr", addr),
					logging.String("prefix", prefix),
					logging.Int("sessions", len(seeds)))
				if err := srv.ListenAndServe(); err != http.ErrServerClosed {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				return err
			case <-cmd.Context().Done():
			}

			logging.Info("shutting down...")
			backend.DisconnectPush()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			backend.Wait()
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":5001", "Listen address")
	cmd.Flags().StringVar(&prefix, "prefix", "/api_v1", "Path prefix of the API")
	cmd.Flags().StringVar(&token, "require-token", "", "Require this bearer token on every request")
	cmd.Flags().DurationVar(&jobDelay, "job-delay", 2*time.Second, "Time until an enqueued job completes (0 disables completion)")
	cmd.Flags().StringArrayVar(&seeds, "seed", nil, "Preloaded session <hash>@<path>[=<status>] (repeatable)")
	return cmd
}

// parseSeed reads <hash>@<path>[=<status>].
func parseSeed(seed string) (models.SessionState, error) {
	ident, status, _ := strings.Cut(seed, "=")
	hash, path, ok := strings.Cut(ident, "@")
	if !ok || hash == "" || path == "" {
		return models.SessionState{}, fmt.Errorf("seed %q: want <hash>@<path>[=<status>]", seed)
	}
	if status == "" {
		status = "pending"
	}
	return models.SessionState{FolderHash: hash, FolderPath: path, Status: status}, nil
}
