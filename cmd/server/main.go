package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/huddlechat/huddle/internal/api"
	"github.com/huddlechat/huddle/internal/config"
	"github.com/huddlechat/huddle/internal/database"
	"github.com/huddlechat/huddle/internal/membership"
	"github.com/huddlechat/huddle/internal/messages"
	"github.com/huddlechat/huddle/internal/presence"
	"github.com/huddlechat/huddle/internal/server"
	"github.com/huddlechat/huddle/internal/stats"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

var (
	addr           string
	dsn            string
	signingKey     string
	runMigrations  bool
	allowedOrigins stringSliceFlag
)

func main() {
	// .env is optional; flags and real environment take precedence
	_ = godotenv.Load()

	flag.StringVar(&addr, "addr", envOr("HUDDLE_ADDR", "localhost:8000"), "server address")
	flag.StringVar(&dsn, "dsn", envOr("HUDDLE_DSN", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"), "database connection string")
	flag.StringVar(&signingKey, "signing-key", os.Getenv("HUDDLE_SIGNING_KEY"), "base64 encoded signing key")
	flag.BoolVar(&runMigrations, "migrate", false, "run database migrations on startup")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	logger := log.New(os.Stderr, "[huddle] ", log.LstdFlags)

	cfg, err := config.NewConfig(addr, dsn, signingKey, allowedOrigins)
	if err != nil {
		logger.Fatal("config:", err)
	}

	if runMigrations {
		if err := database.Migrate(cfg.DatabaseDSN); err != nil {
			logger.Fatal("migrate:", err)
		}
		logger.Println("database migrations applied")
	}

	dbConn, err := database.NewPgChatRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Fatal("db close:", err)
		}
	}()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	tracker := presence.NewTracker()

	ms, err := membership.NewService(logger, dbConn, tracker)
	if err != nil {
		logger.Fatal("membership service:", err)
	}

	store := messages.NewStore(logger, dbConn)

	chatServer, err := server.NewChatServer(logger, dbConn, ms, store, tracker, statsUpdater)
	if err != nil {
		logger.Fatal("new chat server:", err)
	}

	srv := api.NewHuddleApp(mux, logger, chatServer, dbConn, ms, store, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	logger.Println("shutting down chat server...")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("chat server shutdown:", err)
	}

	logger.Println("shutdown complete")
}
