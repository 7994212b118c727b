package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/beda-software/fhir-tbs/internal/config"
	"github.com/beda-software/fhir-tbs/internal/platform/fhirclient"
	"github.com/beda-software/fhir-tbs/internal/platform/middleware"
	"github.com/beda-software/fhir-tbs/internal/tbs"
	"github.com/beda-software/fhir-tbs/internal/tbs/r4b"
	"github.com/beda-software/fhir-tbs/internal/tbs/r5"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tbs-server",
		Short: "FHIR topic-based subscription webhook server",
	}

	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Register subscriptions and serve their webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	specs, err := config.LoadSubscriptions(cfg.SubscriptionsFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load subscription declarations")
	}
	if len(specs) == 0 {
		logger.Warn().Str("file", cfg.SubscriptionsFile).Msg("no subscriptions declared")
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	// FHIR client
	var client fhirclient.Client
	if cfg.FHIRBaseURL != "" {
		opts := []fhirclient.Option{fhirclient.WithLogger(logger)}
		if cfg.FHIRAccessToken != "" {
			opts = append(opts, fhirclient.WithBearerToken(cfg.FHIRAccessToken))
		}
		client = fhirclient.NewRESTClient(cfg.FHIRBaseURL, opts...)
	}

	var protocol tbs.ProtocolClient
	switch cfg.FHIRVersion {
	case config.FHIRVersionR5:
		protocol = r5.Client{}
	default:
		protocol = r4b.Client{}
	}

	manager := tbs.NewManager(
		protocol,
		definitionsFromSpecs(specs, logger),
		tbs.WithDefaults(tbs.SubscriptionDefaults{
			PayloadContent:  cfg.DefaultPayloadContent,
			HeartbeatPeriod: cfg.DefaultHeartbeatPeriod,
			Timeout:         cfg.DefaultTimeout,
		}),
		tbs.WithLogger(logger),
	)

	setupCtx, cancelSetup := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancelSetup()
	err = manager.Setup(setupCtx, e, tbs.SetupConfig{
		AppBaseURL:           cfg.AppBaseURL,
		WebhookPathPrefix:    cfg.WebhookPathPrefix,
		WebhookToken:         cfg.WebhookToken,
		ManageSubscriptions:  cfg.ManageSubscriptions,
		HandleDeliveryErrors: cfg.HandleDeliveryErrors,
		GenerateTokens:       cfg.GenerateTokens,
		Client:               client,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up subscriptions")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := manager.Teardown(ctx); err != nil {
		logger.Error().Err(err).Msg("subscription teardown incomplete")
	}
	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// definitionsFromSpecs maps declared subscription specs onto definitions
// with a logging handler. Applications embedding the tbs package supply
// their own handlers instead.
func definitionsFromSpecs(specs []config.SubscriptionSpec, logger zerolog.Logger) []tbs.SubscriptionDefinition {
	definitions := make([]tbs.SubscriptionDefinition, 0, len(specs))
	for _, spec := range specs {
		spec := spec
		filters := make([]tbs.FilterBy, 0, len(spec.FilterBy))
		for _, f := range spec.FilterBy {
			filters = append(filters, tbs.FilterBy{
				ResourceType:    f.ResourceType,
				FilterParameter: f.FilterParameter,
				Value:           f.Value,
				Comparator:      f.Comparator,
				Modifier:        f.Modifier,
			})
		}
		definitions = append(definitions, tbs.SubscriptionDefinition{
			Topic:           spec.Topic,
			WebhookID:       spec.WebhookID,
			FilterBy:        filters,
			PayloadContent:  spec.PayloadContent,
			HeartbeatPeriod: spec.HeartbeatPeriod,
			Timeout:         spec.Timeout,
			Handler: func(ctx context.Context, event tbs.SubscriptionEvent) error {
				logger.Info().
					Str("topic", spec.Topic).
					Str("reference", event.Reference).
					Int64("event_number", event.EventNumber).
					Int("included", len(event.IncludedResources)).
					Msg("subscription event received")
				return nil
			},
		})
	}
	return definitions
}
