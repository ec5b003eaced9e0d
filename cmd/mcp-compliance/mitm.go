package main

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

	compliance "github.com/MegaGrindStone/go-mcp-compliance"
	"github.com/MegaGrindStone/go-mcp-compliance/pkg/scenario"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

type mitmOptions struct {
	logPath     string
	host        string
	port        int
	clientID    string
	serverID    string
	scenarioID  int
	scenarios   string
	metricsAddr string
	redisAddr   string
	redisKey    string
}

func newMITMCmd(root *rootOptions) *cobra.Command {
	opts := &mitmOptions{}

	cmd := &cobra.Command{
		Use:   "mitm <stdio|sse|streamable-http> [flags] -- <command [args...] | url>",
		Short: "Relay traffic between a client and a server and record every message",
		Example: `  mcp-compliance mitm stdio --log test.jsonl -- node server.js
  mcp-compliance mitm sse --port 8080 --log test.jsonl -- http://localhost:3000
  mcp-compliance mitm streamable-http --port 8080 --log test.jsonl -- http://localhost:3000/mcp`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config(args, cmd.ArgsLenAtDash())
			if err != nil {
				return err
			}
			return runMITM(cmd.Context(), root.logger, cfg, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.logPath, "log", getEnv("LOG", ""), "write the capture to this JSONL file")
	f.StringVar(&opts.host, "host", getEnv("HOST", "127.0.0.1"), "host to listen on (sse, streamable-http)")
	f.IntVar(&opts.port, "port", getEnvInt("PORT", 0), "port to listen on (sse, streamable-http)")
	f.StringVar(&opts.clientID, "client-id", getEnv("CLIENT_ID", "client"), "client identifier")
	f.StringVar(&opts.serverID, "server-id", getEnv("SERVER_ID", "server"), "server identifier")
	f.IntVar(&opts.scenarioID, "scenario-id", 0, "scenario whose description heads the capture")
	f.StringVar(&opts.scenarios, "scenarios", getEnv("SCENARIOS", "scenarios/data.json"), "scenario catalog")
	f.StringVar(&opts.metricsAddr, "metrics-addr", getEnv("METRICS_ADDR", ""), "serve Prometheus metrics on this address (disabled when empty)")
	f.StringVar(&opts.redisAddr, "redis-addr", getEnv("REDIS_ADDR", ""), "also push every message to Redis at this address or URL")
	f.StringVar(&opts.redisKey, "redis-key", getEnv("REDIS_KEY", "mcp-compliance:capture"), "Redis list receiving the messages")
	return cmd
}

// config builds the interceptor configuration from the positional arguments: the transport,
// then after "--" the command line or the target URL.
func (o *mitmOptions) config(args []string, dash int) (compliance.Config, error) {
	if dash < 0 {
		return compliance.Config{}, errors.New("missing -- separator before command or URL")
	}
	if dash != 1 {
		return compliance.Config{}, errors.New("exactly one transport must precede --")
	}
	target := args[dash:]
	if len(target) == 0 {
		return compliance.Config{}, errors.New("missing command or URL after --")
	}

	cfg := compliance.Config{
		Transport:  compliance.Transport(args[0]),
		LogPath:    o.logPath,
		ClientID:   o.clientID,
		ServerID:   o.serverID,
		ListenHost: o.host,
		ListenPort: o.port,
	}
	if cfg.Transport == compliance.TransportStdio {
		cfg.Command = target[0]
		cfg.Args = target[1:]
	} else {
		cfg.TargetURL = target[0]
	}
	return cfg, cfg.Validate()
}

func (o *mitmOptions) description() (string, error) {
	if o.scenarioID == 0 {
		return "", nil
	}
	catalog, err := scenario.LoadCatalog(o.scenarios)
	if err != nil {
		return "", err
	}
	sc, ok := catalog.Lookup(o.scenarioID)
	if !ok {
		return "", fmt.Errorf("scenario with ID %d not found", o.scenarioID)
	}
	return sc.Description, nil
}

func runMITM(ctx context.Context, logger *slog.Logger, cfg compliance.Config, opts *mitmOptions) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	observers := []compliance.Observer{compliance.LogObserver(logger)}

	var capture *compliance.CaptureWriter
	if cfg.LogPath != "" {
		description, err := opts.description()
		if err != nil {
			return err
		}
		capture, err = compliance.CreateCapture(cfg.LogPath, description)
		if err != nil {
			return err
		}
		defer capture.Close()
		observers = append(observers, capture)
	}

	if opts.redisAddr != "" {
		client, err := compliance.DialRedis(ctx, opts.redisAddr)
		if err != nil {
			return err
		}
		defer client.Close()
		observers = append(observers, compliance.NewRedisObserver(client, opts.redisKey, logger))
	}

	var metrics *compliance.Metrics
	if opts.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		metrics = compliance.NewMetrics(reg)
		srv := serveMetrics(logger, opts.metricsAddr, reg)
		defer srv.Close()
	}

	ic, err := compliance.New(cfg, compliance.Observers(observers...),
		compliance.WithLogger(logger),
		compliance.WithMetrics(metrics))
	if err != nil {
		return err
	}
	if err := ic.Start(ctx); err != nil {
		return err
	}
	defer ic.Close()

	if s, ok := ic.(*compliance.StdioInterceptor); ok {
		select {
		case <-s.Done():
			if err := s.Err(); err != nil {
				logger.Warn("server exited", "err", err)
			}
		case <-ctx.Done():
		}
	} else {
		<-ctx.Done()
	}

	// Stop traffic before the capture is flushed and closed.
	if err := ic.Close(); err != nil {
		logger.Warn("failed to close interceptor", "err", err)
	}
	if capture != nil {
		return capture.Close()
	}
	return nil
}

func serveMetrics(logger *slog.Logger, addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "err", err)
		}
	}()
	logger.Info("serving metrics", slog.String("addr", addr))
	return srv
}
