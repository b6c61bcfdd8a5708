package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kirogw/kirogw/pkg/admin"
	"github.com/kirogw/kirogw/pkg/credpool"
	"github.com/kirogw/kirogw/pkg/gwconfig"
	"github.com/kirogw/kirogw/pkg/tokencount"
	"github.com/kirogw/kirogw/pkg/upstream"
	"github.com/kirogw/kirogw/pkg/web"
)

// set at build time
var KirogwVersion = "0.0.0"
var BuildTime = "0"

const DefaultCredentialsPath = "credentials.json"

// ReadHeaderTimeout is the only server-side timeout: streaming responses
// follow the upstream 720 s budget, so write deadlines stay disabled and
// handlers manage their own.
const ReadHeaderTimeout = 10 * time.Second

var (
	configPath      string
	credentialsPath string
)

var rootCmd = &cobra.Command{
	Use:          "kirogw",
	Short:        "Anthropic-compatible API gateway for Kiro accounts",
	Long:         `kirogw accepts Anthropic Messages API requests and serves them through a pool of Kiro accounts, translating between the two protocols on the fly.`,
	SilenceUsage: true,
	RunE:         runGateway,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", gwconfig.DefaultConfigPath, "path to the config file")
	rootCmd.PersistentFlags().StringVar(&credentialsPath, "credentials", DefaultCredentialsPath, "path to the credentials file")
	rootCmd.Version = fmt.Sprintf("%s (build %s)", KirogwVersion, BuildTime)
}

var shutdownOnce sync.Once

func installShutdownSignalHandlers(server *http.Server, pool *credpool.Pool) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		for sig := range sigCh {
			doShutdown(fmt.Sprintf("got signal %v", sig), server, pool)
			break
		}
	}()
}

func doShutdown(reason string, server *http.Server, pool *credpool.Pool) {
	shutdownOnce.Do(func() {
		log.Printf("[kirogw] shutting down: %s", reason)
		ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelFn()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("[kirogw] server shutdown: %v", err)
		}
		pool.Close()
		log.Printf("[kirogw] shutdown complete")
	})
}

func runGateway(cmd *cobra.Command, args []string) error {
	// .env values become visible to config loading (proxy settings etc).
	if err := godotenv.Load(); err == nil {
		log.Printf("[kirogw] loaded environment from .env")
	}

	cfg, err := gwconfig.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.APIKey == "" {
		return fmt.Errorf("apiKey is not set in %s; refusing to start an unauthenticated gateway", configPath)
	}

	pool, err := credpool.NewPool(cfg, credentialsPath)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}

	client := upstream.New(cfg, pool)
	counter := tokencount.NewCounter(tokencount.Config{
		APIURL:   cfg.CountTokensAPIURL,
		APIKey:   cfg.CountTokensAPIKey,
		AuthType: cfg.CountTokensAuthType,
	})

	r := mux.NewRouter()
	web.NewServer(cfg, client, counter).Register(r)
	if cfg.AdminAPIKey != "" {
		admin.NewServer(cfg, pool).Register(r)
		log.Printf("[kirogw] admin API enabled at /api/admin")
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           web.CORS(r),
		ReadHeaderTimeout: ReadHeaderTimeout,
	}
	installShutdownSignalHandlers(server, pool)

	snap := pool.Snapshot()
	log.Printf("[kirogw] %d credential(s) loaded, %d available", snap.Total, snap.Available)
	log.Printf("[kirogw] listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func main() {
	log.SetFlags(log.LstdFlags)
	if err := rootCmd.Execute(); err != nil {
		log.Printf("[kirogw] %v", err)
		os.Exit(1)
	}
}
