// Command mjgen runs one generation end to end: send the prompt, wait
// for the grid, upscale all four variants and store everything.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/enricoaquilina/ss-automation/midjourney"
	"github.com/enricoaquilina/ss-automation/storage"
	"github.com/enricoaquilina/ss-automation/stream"
)

// Exit codes, so wrapping scripts can tell failure classes apart.
const (
	exitOK         = 0
	exitAuth       = 1
	exitGeneration = 2
	exitStorage    = 3
	exitUsage      = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	prompt := flag.String("prompt", "", "prompt text to generate")
	aspectRatio := flag.String("ar", "", "aspect ratio flag, e.g. 16:9")
	version := flag.String("version", "", "model version flag")
	skipUpscale := flag.Bool("skip-upscale", false, "stop after the grid, do not upscale")
	flag.Parse()

	if *prompt == "" && flag.NArg() > 0 {
		p := strings.Join(flag.Args(), " ")
		prompt = &p
	}
	if *prompt == "" {
		fmt.Fprintln(os.Stderr, "usage: mjgen -prompt \"text\" [-ar 16:9] [-version 6] [-skip-upscale]")
		return exitUsage
	}

	// Missing .env is fine, the environment may be set directly.
	_ = godotenv.Load()

	cfg, err := midjourney.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return exitUsage
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Stamp}).
		Level(level).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics")
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Warn().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	opts, err := buildOptions(ctx, cfg, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "setup:", err)
		return exitStorage
	}

	client, err := midjourney.New(cfg, log, opts...)
	if err != nil {
		fmt.Fprintln(os.Stderr, "client:", err)
		return exitUsage
	}
	defer client.Close()

	if err := client.Initialize(ctx); err != nil {
		log.Error().Err(err).Msg("initialization failed")
		if errors.Is(err, midjourney.ErrAuth) {
			return exitAuth
		}
		return exitGeneration
	}

	genOpts := &midjourney.GenerateOptions{
		AspectRatio: *aspectRatio,
		Version:     *version,
	}

	result, err := client.Generate(ctx, *prompt, genOpts)
	if err != nil {
		log.Error().Err(err).Msg("generation failed")
		if errors.Is(err, midjourney.ErrAuth) {
			return exitAuth
		}
		return exitGeneration
	}
	log.Info().Str("grid", result.GridMessageID).Str("storage", result.StorageID).
		Dur("elapsed", result.Elapsed).Msg("grid complete")

	if *skipUpscale {
		return exitOK
	}

	variants, err := client.UpscaleAll(ctx, result.GridMessageID)
	if err != nil {
		log.Error().Err(err).Msg("upscaling failed")
		return exitGeneration
	}

	failed := 0
	for _, v := range variants {
		if v.Err != nil {
			failed++
			log.Error().Err(v.Err).Int("variant", v.VariantIndex+1).Msg("variant failed")
			continue
		}
		log.Info().Int("variant", v.VariantIndex+1).Str("storage", v.StorageID).Msg("variant complete")
	}
	if failed == len(variants) {
		return exitGeneration
	}
	return exitOK
}

// buildOptions wires the optional integrations that have addresses
// configured.
func buildOptions(ctx context.Context, cfg *midjourney.Config, log zerolog.Logger) ([]midjourney.Option, error) {
	var opts []midjourney.Option

	if cfg.S3Endpoint != "" {
		store, err := storage.NewObjectStore(ctx, storage.ObjectConfig{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		}, log.With().Str("component", "s3").Logger())
		if err != nil {
			return nil, fmt.Errorf("s3: %w", err)
		}
		opts = append(opts, midjourney.WithStore(store))
	}

	if cfg.RedisAddress != "" {
		index, err := storage.NewIndex(ctx, cfg.RedisAddress, cfg.RedisPassword, cfg.RedisDB,
			cfg.RedisPrefix, log.With().Str("component", "index").Logger())
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		opts = append(opts, midjourney.WithIndex(index))
	}

	if cfg.NATSAddress != "" {
		publisher, err := stream.NewPublisher(cfg.NATSAddress, cfg.NATSSubjectPrefix,
			log.With().Str("component", "stream").Logger())
		if err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		opts = append(opts, midjourney.WithPublisher(publisher))
	}

	return opts, nil
}
