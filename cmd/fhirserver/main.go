package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/FHIR/fhir-candle-sub000/internal/auth"
	"github.com/FHIR/fhir-candle-sub000/internal/capability"
	"github.com/FHIR/fhir-candle-sub000/internal/config"
	"github.com/FHIR/fhir-candle-sub000/internal/loader"
	"github.com/FHIR/fhir-candle-sub000/internal/logging"
	"github.com/FHIR/fhir-candle-sub000/internal/tenant"
	"github.com/FHIR/fhir-candle-sub000/internal/transport"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fhirserver",
		Short: "In-memory FHIR facade server",
	}
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the FHIR server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// tenantName is the one façade this command wires up; spec.md's
// multi-tenant routing (§6, internal/transport's /:tenant/fhir group) is
// built to host more than one, but this binary loads a single process-wide
// Config the way the teacher's single-schema deployment does, so it only
// ever registers one.
const tenantName = "default"

func runServer() error {
	logger := logging.New(os.Getenv("ENV") == "development")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	facade, err := tenant.New(tenant.Options{
		Config:           cfg,
		Kinds:            builtinKinds(),
		Compartments:     patientCompartment(),
		SystemOperations: []string{"$everything"},
		ReferencePolicy:  "literal",
		Security:         capability.SecurityBlock{},
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build tenant facade")
	}
	facade.Start()
	defer facade.Stop()
	logger.Info().Str("tenant", tenantName).Msg("tenant facade started")

	if cfg.LoadDirectory != "" {
		result, err := loader.Load(context.Background(), facade, loader.Options{
			Directory: cfg.LoadDirectory,
			Protect:   cfg.ProtectLoadedContent,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("load-directory failed")
		}
		for _, e := range result.Errors {
			logger.Warn().Err(e).Msg("load-directory: resource skipped")
		}
		logger.Info().
			Int("files", result.FilesScanned).
			Int("resources", result.ResourcesLoaded).
			Msg("load-directory complete")
	}

	var verifier *auth.Verifier
	if cfg.SmartRequired {
		verifier = auth.NewVerifier(auth.VerifierConfig{
			Issuer:   os.Getenv("OIDC_ISSUER"),
			Audience: cfg.BaseURL,
			JWKSURL:  os.Getenv("OIDC_JWKS_URL"),
		})
	}

	binding := transport.NewBinding(facade)
	resolver := func(name string) (*transport.Binding, bool) {
		if name != tenantName {
			return nil, false
		}
		return binding, true
	}

	server := transport.New(resolver, verifier, logger)

	addr := ":" + cfg.Port
	go func() {
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := server.Echo.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Echo.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
