package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HKUDS/mediagen-go/pkg/bus"
	"github.com/HKUDS/mediagen-go/pkg/channels"
	"github.com/HKUDS/mediagen-go/pkg/cron"
	"github.com/HKUDS/mediagen-go/pkg/mediaproviders"
	"github.com/HKUDS/mediagen-go/pkg/runner"
)

func runServe(args []string) error {
	fs := newFlagSet("serve")
	configPath := fs.String("c", "", "Path to config file")
	metricsAddr := fs.String("metrics", "", "Metrics listen address; overrides serve.metricsAddr")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := mediaproviders.NewMetrics(reg)

	a, err := setup(ctx, *configPath, metrics)
	if err != nil {
		return err
	}
	// Chat results are always delivered as files.
	a.cfg.Output.Save = true
	if *metricsAddr != "" {
		a.cfg.Serve.MetricsAddr = *metricsAddr
	}

	messageBus := bus.NewMessageBus(a.log)
	defer messageBus.Stop()

	mgr := channels.NewManager(&a.cfg.Channels, messageBus, a.log)
	mgr.Attach(messageBus)
	mgr.Start(ctx)
	defer mgr.Stop()

	r := runner.New(messageBus, runner.FactorySource(a.factory), map[mediaproviders.Operation]string{
		mediaproviders.OpImage: a.cfg.Serve.ImageProvider,
		mediaproviders.OpTTS:   a.cfg.Serve.TTSProvider,
		mediaproviders.OpSTT:   a.cfg.Serve.STTProvider,
	}, a.cfg.Serve.Workers, a.log)

	cronService := cron.NewService(cronStorePath(a.cfg), func(job cron.Job) error {
		return r.RunJob(ctx, job)
	}, a.log)
	if err := cronService.Start(); err != nil {
		return err
	}
	defer cronService.Stop()

	go messageBus.DispatchOutbound()

	var srv *http.Server
	if a.cfg.Serve.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("ok"))
		})
		srv = &http.Server{Addr: a.cfg.Serve.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			a.log.Info().Str("addr", srv.Addr).Msg("Metrics server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	a.log.Info().Strs("channels", mgr.Names()).Msg("Serving. Press Ctrl+C to stop.")
	r.Run(ctx)

	if srv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
	}
	return nil
}
