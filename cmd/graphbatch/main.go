package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hanmaum/graphbatch/internal/engine"
	"github.com/hanmaum/graphbatch/internal/eventbus"
	"github.com/hanmaum/graphbatch/internal/logging"
	"github.com/hanmaum/graphbatch/internal/otel"
	"github.com/hanmaum/graphbatch/internal/resultcache"
	"github.com/hanmaum/graphbatch/internal/server"
	"github.com/hanmaum/graphbatch/internal/services"
)

const rootUsage = `graphbatch — batching & caching GraphQL gateway

USAGE:
  graphbatch <command> [flags]

COMMANDS:
  serve            Run the HTTP gateway in front of an upstream GraphQL endpoint
  help             Show help for any command
`

const serveUsage = `serve FLAGS:
  -upstream.url <url>                 Upstream GraphQL endpoint (required)
  -server.addr <addr>                 HTTP listen address (default: :8080)
  -server.pretty                      Pretty-print JSON responses
  -server.timeout <duration>          Per-request timeout, e.g. 10s (default: 10s)
  -server.max-body <bytes>            Max request body size (default: 1048576)
  -server.metadata-header <name>      Forward HTTP header to the upstream. Repeatable
  -server.cors-origin <origin>        Allowed CORS origin. Repeatable
  -cache.max-bytes <n>                Result cache size; 0 disables (default: 0)
  -cache.permanent-ttl <duration>     Lifetime cap for permanent entries (default: 1h)
  -otel.endpoint <addr>               OTLP collector endpoint
  -otel.service <name>                OpenTelemetry service name (default: graphbatch)
  -log.level <level>                  Log level: trace|debug|info|warn (default: info)
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal().Err(err).Msg("exiting")
	}
}

func run(args []string) error {
	global := flag.NewFlagSet("graphbatch", flag.ContinueOnError)
	global.SetOutput(new(bytes.Buffer)) // silence automatic output
	if err := global.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, rootUsage)
		return err
	}
	remaining := global.Args()
	if len(remaining) == 0 {
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("missing command")
	}

	cmd := remaining[0]
	cmdArgs := remaining[1:]
	switch cmd {
	case "serve":
		return cmdServe(cmdArgs)
	case "help":
		return cmdHelp(cmdArgs)
	default:
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdHelp(args []string) error {
	if len(args) == 0 {
		fmt.Print(rootUsage)
		return nil
	}
	switch args[0] {
	case "serve":
		fmt.Print(serveUsage)
	default:
		return fmt.Errorf("unknown help topic %q", args[0])
	}
	return nil
}

type stringListFlag []string

func (s *stringListFlag) String() string { return "" }

func (s *stringListFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func cmdServe(args []string) error {
	upstreamURL := ""
	addr := ":8080"
	pretty := false
	timeout := 10 * time.Second
	maxBody := int64(1 << 20)
	cacheMaxBytes := int64(0)
	permanentTTL := time.Hour
	otelEndpoint := ""
	otelService := "graphbatch"
	logLevel := "info"
	var metadataHeaders stringListFlag
	var corsOrigins stringListFlag

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&upstreamURL, "upstream.url", upstreamURL, "Upstream GraphQL endpoint")
	fs.StringVar(&addr, "server.addr", addr, "HTTP listen address")
	fs.BoolVar(&pretty, "server.pretty", pretty, "Pretty-print JSON responses")
	fs.DurationVar(&timeout, "server.timeout", timeout, "Per-request timeout")
	fs.Int64Var(&maxBody, "server.max-body", maxBody, "Max request body size")
	fs.Var(&metadataHeaders, "server.metadata-header", "Forward HTTP header to the upstream")
	fs.Var(&corsOrigins, "server.cors-origin", "Allowed CORS origin")
	fs.Int64Var(&cacheMaxBytes, "cache.max-bytes", cacheMaxBytes, "Result cache size; 0 disables")
	fs.DurationVar(&permanentTTL, "cache.permanent-ttl", permanentTTL, "Lifetime cap for permanent entries")
	fs.StringVar(&otelEndpoint, "otel.endpoint", otelEndpoint, "OTLP collector endpoint")
	fs.StringVar(&otelService, "otel.service", otelService, "OpenTelemetry service name")
	fs.StringVar(&logLevel, "log.level", logLevel, "Log level")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, serveUsage)
		return err
	}
	if upstreamURL == "" {
		fmt.Fprint(os.Stderr, serveUsage)
		return fmt.Errorf("-upstream.url is required")
	}

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(level).With().Timestamp().Logger()
	log.Logger = logger

	eventbus.Use(eventbus.New())
	logging.Setup(logger)
	shutdown, err := otel.Setup(otelEndpoint, otelService)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	eng := engine.NewRemote(upstreamURL, engine.WithHTTPClient(&http.Client{Timeout: timeout}))
	svcs := services.New(map[string]any{"upstream": upstreamURL})

	sopts := []server.Option{
		server.WithMaxBodyBytes(maxBody),
	}
	if pretty {
		sopts = append(sopts, server.WithPretty())
	}
	if timeout > 0 {
		sopts = append(sopts, server.WithTimeout(timeout))
	}
	if len(metadataHeaders) > 0 {
		sopts = append(sopts, server.WithMetadataHeaders(metadataHeaders...))
	}
	if len(corsOrigins) > 0 {
		sopts = append(sopts, server.WithCORS(corsOrigins...))
	}

	var cache *resultcache.Cache
	if cacheMaxBytes > 0 {
		cache, err = resultcache.New(cacheMaxBytes, permanentTTL)
		if err != nil {
			return fmt.Errorf("result cache: %w", err)
		}
		defer cache.Close()
		sopts = append(sopts, server.WithResultCache(cache))
	}

	h, err := server.New(eng, svcs, sopts...)
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/graphql", h)
	if cache != nil {
		r.Post("/invalidate/{tag}", func(w http.ResponseWriter, req *http.Request) {
			tag := chi.URLParam(req, "tag")
			n := cache.Invalidate(req.Context(), tag)
			fmt.Fprintf(w, `{"tag":%q,"entries":%d}`, tag, n)
		})
	}

	logger.Info().Str("addr", addr).Str("upstream", upstreamURL).Msg("gateway listening")
	return http.ListenAndServe(addr, r)
}
