package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/ironsheep/pillcount/internal/config"
	"github.com/ironsheep/pillcount/internal/detection"
	"github.com/ironsheep/pillcount/internal/failure"
	"github.com/ironsheep/pillcount/internal/imaging"
	"github.com/ironsheep/pillcount/internal/log"
	"github.com/ironsheep/pillcount/internal/pipeline"
	"github.com/ironsheep/pillcount/internal/present"
	"github.com/ironsheep/pillcount/internal/render"
	"github.com/ironsheep/pillcount/internal/server"
	"github.com/ironsheep/pillcount/internal/web"
)

// Version information - set by ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	mode := ""
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}

	switch mode {
	case "--version", "-v", "version":
		fmt.Printf("pillcount %s\n", Version)
		fmt.Printf("  Build time: %s\n", BuildTime)
		fmt.Printf("  Git commit: %s\n", GitCommit)
		return
	case "--help", "-h", "help":
		printHelp()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}
	log.Init(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := build(cfg)
	if err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}

	switch mode {
	case "":
		err = runMCP(ctx, cfg, app)
	case "serve":
		err = runHTTP(ctx, cfg, app)
	case "count":
		err = runCount(ctx, app, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", mode)
		printHelp()
		os.Exit(2)
	}
	if err != nil {
		log.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Println("pillcount - count pills in a photo with a hosted detection model")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  pillcount                      Run the MCP server on stdin/stdout")
	fmt.Println("  pillcount serve                Run the HTTP server")
	fmt.Println("  pillcount count <image> [min]  Count one image and save the annotated JPEG")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --version, -v    Print version information")
	fmt.Println("  --help, -h       Print this help message")
	fmt.Println()
	fmt.Println("Environment variables:")
	fmt.Println("  PILLCOUNT_API_KEY            Detection service API key (required)")
	fmt.Println("  PILLCOUNT_ENDPOINT           Model URL (default https://detect.roboflow.com/pill-detection/1)")
	fmt.Println("  PILLCOUNT_PAYLOAD            base64 | multipart (default base64)")
	fmt.Println("  PILLCOUNT_CONFIDENCE         Minimum confidence, 0-1 (default 0.50)")
	fmt.Println("  PILLCOUNT_MAX_BYTES          Largest accepted image (default 10485760)")
	fmt.Println("  PILLCOUNT_MAX_DIMENSION      Longest side sent for detection (default 1024)")
	fmt.Println("  PILLCOUNT_LOAD_TIMEOUT       Decode budget (default 30s)")
	fmt.Println("  PILLCOUNT_DETECT_TIMEOUT     Detection request timeout (default 30s)")
	fmt.Println("  PILLCOUNT_MAX_RETRIES        Retries for 429/5xx/transport failures (default 0)")
	fmt.Println("  PILLCOUNT_STYLE              classic | contrast | minimal (default classic)")
	fmt.Println("  PILLCOUNT_OUTPUT_DIR         Where saved images go (default .)")
	fmt.Println("  PILLCOUNT_FILE_PREFIX        Saved file name prefix (default pills)")
	fmt.Println("  PILLCOUNT_SHARE_URL          Webhook that receives shared images")
	fmt.Println("  PILLCOUNT_HTTP_ADDR          HTTP listen address (default :8080)")
	fmt.Println("  PILLCOUNT_LOG_LEVEL=debug    Enable debug logging (logs go to stderr)")
	fmt.Println()
	fmt.Println("In MCP mode the server communicates over stdin/stdout.")
	fmt.Println("Configure it in your MCP client (e.g., Claude Desktop).")
}

// components are the shared pieces every mode is built from.
type components struct {
	client   *detection.Client
	pipeline *pipeline.Pipeline
	registry *present.Registry
	sharer   present.Sharer
	present  present.Options
	maxBytes int64
}

func build(cfg *config.Config) (*components, error) {
	client, err := detection.NewClient(cfg.Detection())
	if err != nil {
		return nil, err
	}
	style, err := cfg.RenderStyle()
	if err != nil {
		return nil, err
	}
	renderer, err := render.NewRenderer(style)
	if err != nil {
		return nil, err
	}

	log.Debug("pillcount starting",
		"version", Version, "commit", GitCommit,
		"endpoint", cfg.Endpoint, "payload", cfg.Payload, "style", style.Name)

	return &components{
		client:   client,
		pipeline: pipeline.New(cfg.Pipeline(), client, renderer),
		registry: present.NewRegistry(),
		sharer:   cfg.Sharer(),
		present:  cfg.Present(),
		maxBytes: cfg.MaxBytes,
	}, nil
}

func (c *components) newSession(id string) *pipeline.Session {
	return pipeline.NewSession(id, c.pipeline, present.NewPresenter(c.registry, c.sharer, c.present), nil)
}

func runMCP(ctx context.Context, cfg *config.Config, c *components) error {
	session := c.newSession("mcp")
	defer session.Close()

	srv := server.New(session, c.client, server.Options{
		Version:  Version,
		MaxBytes: cfg.MaxBytes,
	})
	return srv.Run(ctx)
}

func runHTTP(ctx context.Context, cfg *config.Config, c *components) error {
	sessions := pipeline.NewSessions(c.newSession)
	srv := web.New(sessions, c.registry, c.client, web.Options{
		Addr:     cfg.HTTPAddr,
		MaxBytes: cfg.MaxBytes,
		Version:  Version,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Listen() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info("shutting down")
		return srv.Shutdown()
	}
}

func runCount(ctx context.Context, c *components, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: pillcount count <image> [min-confidence]")
	}

	var params pipeline.Params
	if len(args) > 1 {
		t, err := strconv.ParseFloat(args[1], 64)
		if err != nil || t < 0 || t > 1 {
			return fmt.Errorf("min-confidence must be a number within 0-1, got %q", args[1])
		}
		params.Threshold = &t
	}

	data, err := imaging.ReadFile(args[0], c.maxBytes)
	if err != nil {
		fmt.Fprintln(os.Stderr, failure.MessageFor(err))
		return err
	}

	session := c.newSession("cli")
	defer session.Close()

	out, err := session.Capture(ctx, data, params, func(percent int, message string) {
		log.Debug("progress", "percent", percent, "message", message)
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, failure.MessageFor(err))
		return err
	}

	path, err := session.Presenter().Save("")
	if err != nil {
		return err
	}

	fmt.Printf("%d pills (%dx%d, threshold %.2f)\n", out.Count, out.OriginalWidth, out.OriginalHeight, out.Threshold)
	fmt.Printf("saved %s\n", path)
	return nil
}
