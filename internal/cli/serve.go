// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/helmsman-ai/helmsman/internal/container"
	"github.com/helmsman-ai/helmsman/internal/log"
	"github.com/helmsman-ai/helmsman/internal/secrets"
	"github.com/helmsman-ai/helmsman/internal/toolserver"
)

type serveFlags struct {
	metricsAddr string
	watch       bool
}

func newServeCommand() *cobra.Command {
	var sf serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tool-server supervisor",
		Long: `Provision the configured tool server and keep it supervised until
interrupted. Lifecycle events are logged; with --metrics-addr a Prometheus
endpoint is exposed, and with --watch configuration changes are applied
without restarting.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), sf)
		},
	}

	cmd.Flags().StringVar(&sf.metricsAddr, "metrics-addr", "",
		"address for the Prometheus /metrics endpoint (disabled when empty)")
	cmd.Flags().BoolVar(&sf.watch, "watch", false,
		"reload the configuration file when it changes")

	return cmd
}

func runServe(ctx context.Context, sf serveFlags) error {
	logger := newLogger()

	cfg, err := toolserver.LoadConfig(flags.configPath)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	server := toolserver.NewServer(toolserver.Options{
		Logger:     logger,
		Registerer: registry,
		Secrets:    newSecretResolver(),
	})
	if err := server.SetConfig(*cfg); err != nil {
		return err
	}
	server.SetProvider(&container.LocalProvider{}, &container.LocalEngine{})

	server.OnEvent("", func(e toolserver.Event) {
		logger.Info("lifecycle event",
			slog.String(log.EventKey, string(e.Type)),
			slog.String(log.ServerKey, e.Namespace))
	})
	server.OnStatusChange(func(st toolserver.ProvisionStatus) {
		logger.Info("status change",
			slog.String("state", string(st.State)),
			slog.Int("tools", st.ToolCount))
	})

	if sf.metricsAddr != "" {
		go serveMetrics(logger, sf.metricsAddr, registry)
	}

	if sf.watch {
		watcher, err := toolserver.NewConfigWatcher(toolserver.WatcherConfig{
			Server: server,
			Path:   flags.configPath,
			Logger: logger,
		})
		if err != nil {
			return err
		}
		defer watcher.Close()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Provision(ctx); err != nil {
		return err
	}

	status := server.Status()
	logger.Info("supervisor running",
		slog.String(log.ServerKey, cfg.Namespace),
		slog.Int("tools", status.ToolCount))

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Destroy(shutdownCtx)
}

func serveMetrics(logger *slog.Logger, addr string, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("metrics endpoint listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics endpoint failed", log.Error(err))
	}
}

// newSecretResolver picks the vault-reference resolver for this host: the
// system keychain when reachable, environment variables otherwise.
func newSecretResolver() secrets.Resolver {
	keychain := secrets.NewKeychainResolver("helmsman")
	_, err := keychain.GetSecret(context.Background(), secrets.Ref{Mount: "probe", Key: "probe"})
	if errors.Is(err, secrets.ErrResolverUnavailable) {
		return &secrets.EnvResolver{Prefix: "HELMSMAN"}
	}
	return keychain
}
