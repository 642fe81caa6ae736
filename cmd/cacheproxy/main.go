package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"cacheproxy/internal/cacheproxy"
)

func main() {
	var (
		configPath   string
		logFile      string
		traceLogging bool
	)
	flag.StringVar(&configPath, "config", getenvDefault("CACHEPROXY_CONFIG", ""), "path to cacheproxy.yaml")
	flag.StringVar(&logFile, "log-file", "", "also write logs to this file")
	flag.BoolVar(&traceLogging, "vv", false, "trace logging")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <host> <port>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg := cacheproxy.DefaultConfig()
	if configPath != "" {
		var err error
		cfg, err = cacheproxy.LoadConfig(configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("load config")
		}
	}
	if flag.NArg() >= 2 {
		port, err := strconv.Atoi(flag.Arg(1))
		if err != nil {
			log.Fatal().Str("port", flag.Arg(1)).Msg("port must be a number")
		}
		cfg.Server.Host = flag.Arg(0)
		cfg.Server.Port = port
	} else if configPath == "" {
		flag.Usage()
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	level := cfg.LogLevel()
	if traceLogging {
		level = zerolog.TraceLevel
	}
	outputs := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
		if err != nil {
			log.Fatal().Err(err).Msg("open log file")
		}
		defer f.Close()
		outputs = append(outputs, f)
	}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(outputs...)).
		Level(level).
		With().Timestamp().Logger()

	svc, err := cacheproxy.NewService(cfg, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("init service")
	}

	addr := cfg.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		_ = svc.Close()
		log.Fatal().Err(err).Str("addr", addr).Msg("listen")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", addr).Str("backend", cfg.Cache.Backend).Msg("cacheproxy listening")
		if err := svc.Serve(ln); err != nil {
			log.Error().Err(err).Msg("accept loop")
			stop()
		}
	}()

	var admin *http.Server
	if cfg.Admin.Addr != "" {
		admin = &http.Server{
			Addr:              cfg.Admin.Addr,
			Handler:           svc.AdminHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Str("addr", cfg.Admin.Addr).Msg("admin listening")
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("admin server")
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	if admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = admin.Shutdown(shutdownCtx)
		cancel()
	}
	if err := svc.Close(); err != nil {
		log.Error().Err(err).Msg("close store")
	}
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
