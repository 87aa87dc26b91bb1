package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/ganglionhq/ganglion/internal/config"
	"github.com/ganglionhq/ganglion/internal/download"
	"github.com/ganglionhq/ganglion/internal/server"
	"github.com/ganglionhq/ganglion/internal/session"
)

func main() {
	cmd := &cli.Command{
		Name:      "ganglion",
		Usage:     "serve a terminal application in the browser",
		Version:   config.Version,
		ArgsUsage: "<command>",
		Flags:     flags(),
		Action:    run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "path to a YAML config file",
		},
		&cli.StringFlag{
			Name:    "host",
			Aliases: []string{"H"},
			Usage:   "host to bind",
		},
		&cli.IntFlag{
			Name:    "port",
			Aliases: []string{"p"},
			Usage:   "port to bind",
		},
		&cli.StringFlag{
			Name:    "title",
			Aliases: []string{"t"},
			Usage:   "landing page title (defaults to the command)",
		},
		&cli.StringFlag{
			Name:    "public-url",
			Aliases: []string{"u"},
			Usage:   "public URL the browser connects to, if not the bind address",
		},
		&cli.StringFlag{
			Name:  "static-root",
			Usage: "directory with the terminal client assets",
		},
		&cli.BoolFlag{
			Name:  "debug",
			Usage: "enable the app's debug mode and devtools",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "debug, info, warn, or error",
		},
		&cli.StringFlag{
			Name:  "log-format",
			Usage: "text or json",
		},
		&cli.StringFlag{
			Name:  "log-output",
			Usage: "stdout, stderr, or a file path",
		},
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := buildConfig(cmd)
	if err != nil {
		return err
	}

	logger, logCloser := setupLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	if logCloser != nil {
		defer logCloser.Close()
	}
	logger.Info("ganglion starting", "version", config.Version)

	downloads := download.NewManager(logger)
	sessions := session.NewRegistry()
	srv := server.New(cfg, downloads, sessions, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			quit <- syscall.SIGTERM
		}
	}()

	fmt.Printf("Serving %q on %s\n", cfg.App.Command, cfg.Server.ResolvedPublicURL())
	fmt.Println("Press Ctrl+C to quit")

	<-quit
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	sessions.StopAll()

	logger.Info("ganglion stopped")
	return nil
}

// buildConfig layers CLI flags over the optional config file.
func buildConfig(cmd *cli.Command) (*config.Config, error) {
	var cfg *config.Config
	if path := cmd.String("config"); path != "" {
		parsed, err := config.Parse(path)
		if err != nil {
			return nil, err
		}
		cfg = parsed
	} else {
		cfg = config.Default()
	}

	if cmd.IsSet("host") {
		cfg.Server.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Server.Port = int(cmd.Int("port"))
	}
	if cmd.IsSet("public-url") {
		cfg.Server.PublicURL = cmd.String("public-url")
	}
	if cmd.IsSet("title") {
		cfg.App.Title = cmd.String("title")
	}
	if cmd.IsSet("static-root") {
		cfg.Static.Root = cmd.String("static-root")
	}
	if cmd.IsSet("debug") {
		cfg.App.Debug = cmd.Bool("debug")
		if cfg.App.Debug {
			cfg.Logging.Level = "debug"
		}
	}
	if cmd.IsSet("log-level") {
		cfg.Logging.Level = cmd.String("log-level")
	}
	if cmd.IsSet("log-format") {
		cfg.Logging.Format = cmd.String("log-format")
	}
	if cmd.IsSet("log-output") {
		cfg.Logging.Output = cmd.String("log-output")
	}

	if command := cmd.Args().First(); command != "" {
		cfg.App.Command = command
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogger(level, format, output string) (*slog.Logger, io.Closer) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	writer, closer := resolveLogOutput(output)
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}

	return slog.New(handler), closer
}

func resolveLogOutput(output string) (io.Writer, io.Closer) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return os.Stderr, nil
		}
		return f, f
	}
}
