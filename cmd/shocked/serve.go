package main

import (
	"fmt"
	"os"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/vango-dev/shocked/internal/config"
	"github.com/vango-dev/shocked/internal/demo"
	"github.com/vango-dev/shocked/internal/errors"
	"github.com/vango-dev/shocked/pkg/channel"
	"github.com/vango-dev/shocked/pkg/server"
)

// serveFlags holds command-line overrides for the configuration file.
type serveFlags struct {
	configPath  string
	address     string
	codec       string
	url         string
	metricsPath string
	maxTrackers int
	queueSize   int
	logLevel    string
	demos       []string
}

func serveCmd() *cobra.Command {
	var f serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the tracker server",
		Long: `Start the WebSocket tracker server with the demo trackers.

Configuration is read from --config when given. Flags override
values from the file.

Examples:
  shocked serve
  shocked serve --address=:9000 --codec=cbor
  shocked serve --config=shocked.yaml --demo=todo`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags(), f)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}

	f.register(cmd.Flags())

	return cmd
}

func (f *serveFlags) register(flags *pflag.FlagSet) {
	flags.StringVarP(&f.configPath, "config", "c", "", "Path to a YAML configuration file")
	flags.StringVarP(&f.address, "address", "a", "", "Address to listen on (default :8080)")
	flags.StringVar(&f.codec, "codec", "", "Wire codec: json or cbor")
	flags.StringVar(&f.url, "url", "", "chi path pattern the service answers on")
	flags.StringVar(&f.metricsPath, "metrics-path", "", `Prometheus endpoint, "-" disables it`)
	flags.IntVar(&f.maxTrackers, "max-trackers", 0, "Maximum trackers per session (0 = no limit)")
	flags.IntVar(&f.queueSize, "queue-size", 0, "Per-subscriber channel queue size")
	flags.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.StringSliceVar(&f.demos, "demo", nil, "Demo trackers to serve (counter, todo)")
}

// loadConfig loads the configuration file, if any, and applies the flags
// the user set explicitly.
func loadConfig(flags *pflag.FlagSet, f serveFlags) (*config.Config, error) {
	cfg := config.New()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return nil, err
		}
	}

	if flags.Changed("address") {
		cfg.Server.Address = f.address
	}
	if flags.Changed("codec") {
		cfg.Server.Codec = f.codec
	}
	if flags.Changed("url") {
		cfg.Service.URL = f.url
	}
	if flags.Changed("metrics-path") {
		cfg.Server.MetricsPath = f.metricsPath
	}
	if flags.Changed("max-trackers") {
		if f.maxTrackers < 0 {
			return nil, errors.New(errors.CodeInvalidFlag).
				WithField("--max-trackers").
				WithDetail("The value must not be negative.")
		}
		cfg.Session.MaxTrackers = f.maxTrackers
	}
	if flags.Changed("queue-size") {
		if f.queueSize <= 0 {
			return nil, errors.New(errors.CodeInvalidFlag).
				WithField("--queue-size").
				WithDetail("The value must be positive.")
		}
		cfg.Channel.QueueSize = f.queueSize
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if flags.Changed("demo") {
		cfg.Demos = f.demos
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildServer wires the service, channel driver, metrics and server
// described by cfg.
func buildServer(cfg *config.Config) (*server.Server, *server.Service, error) {
	logger := cfg.Logger(os.Stderr)

	codec, err := cfg.Codec()
	if err != nil {
		return nil, nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := server.NewMetrics(server.WithRegistry(reg))

	chCfg := cfg.ChannelOptions()
	chCfg.Logger = logger
	chCfg.OnDrop = metrics.ObserveDrop
	driver := channel.NewMemoryDriver(chCfg)

	svc := server.NewService(server.Options{
		Name:    cfg.Service.Name,
		URL:     cfg.Service.URL,
		Host:    cfg.Service.Host,
		Codec:   codec,
		Driver:  driver,
		Logger:  logger,
		Metrics: metrics,
		Session: cfg.SessionOptions(),
	})
	if err := demo.Register(svc, cfg.Demos...); err != nil {
		return nil, nil, err
	}
	svc.OnStart(func(s *server.Session) error {
		if r := s.Match.Request; r != nil {
			s.Logger().Info("session upgraded",
				"request_id", middleware.GetReqID(r.Context()),
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path)
		}
		return nil
	})

	srvCfg := cfg.ServerOptions().
		WithGatherer(reg).
		WithMiddleware(middleware.RequestID, middleware.Recoverer)
	srv := server.New(srvCfg, svc)
	srv.SetLogger(logger)
	return srv, svc, nil
}

func runServe(cfg *config.Config) error {
	srv, svc, err := buildServer(cfg)
	if err != nil {
		return err
	}

	printBanner()
	fmt.Println("  serve")
	fmt.Println()
	success("Listening on %s (%s)", cfg.Server.Address, cfg.Server.Codec)
	for _, name := range svc.TrackerNames() {
		info("tracker %s %v", name, svc.TrackerAPIs(name))
	}
	if path := srv.Config().MetricsPath; path != "" {
		info("metrics at %s", path)
	}
	fmt.Println()

	if err := srv.Run(); err != nil {
		return errors.New(errors.CodeListen).Wrap(err)
	}
	return nil
}
