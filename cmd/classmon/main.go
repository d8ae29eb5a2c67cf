package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"classmon/internal/app"
	"classmon/internal/config"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "classmon: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = flag.StringP("config", "c", "", "path to a YAML configuration file")
		debug       = flag.Bool("debug", false, "enable debug logging")
		addUser     = flag.String("add-user", "", "create an account (username:password:role) and exit")
		showVersion = flag.BoolP("version", "v", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *debug {
		cfg.Debug = true
	}

	log := newLogger(cfg.Debug)
	log.Info().Str("version", Version).Msg("classmon starting")

	application, err := app.New(cfg, log)
	if err != nil {
		return err
	}

	if *addUser != "" {
		defer func() { _ = application.Stop(context.Background()) }()
		return createUser(application, *addUser)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := application.Start(ctx); err != nil {
		_ = application.Stop(context.Background())
		return err
	}

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	return application.Stop(stopCtx)
}

func newLogger(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// createUser seeds one account from a username:password:role triple.
func createUser(application *app.Application, spec string) error {
	parts := strings.SplitN(spec, ":", 3)
	if len(parts) != 3 {
		return fmt.Errorf("expected username:password:role, got %q", spec)
	}
	username, password, role := parts[0], parts[1], parts[2]

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := application.Store().CreateUser(ctx, username, password, role)
	if err != nil {
		return fmt.Errorf("create user %s: %w", username, err)
	}
	fmt.Printf("created %s %s with id %d\n", role, username, id)
	return nil
}
