package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/omochice/duo-chat/internal/config"
	"github.com/omochice/duo-chat/internal/logging"
	"github.com/omochice/duo-chat/internal/server"
	"github.com/omochice/duo-chat/internal/server/userdb"
)

func main() {
	cfg := config.LoadServer()
	addr := flag.String("addr", cfg.Addr, "Address to listen on (e.g. :5000)")
	dbPath := flag.String("db", cfg.DBPath, "Path to the accounts database")
	verbose := flag.Bool("v", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(logging.NewHandler(os.Stderr, &logging.Options{Level: level, Color: true}))
	slog.SetDefault(logger)

	users, err := userdb.Open(*dbPath)
	if err != nil {
		logger.Error("failed to open accounts database", "path", *dbPath, "error", err)
		os.Exit(1)
	}
	defer users.Close()

	srv := server.New(*addr, users, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	select {
	case err := <-errChan:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	case sig := <-sigChan:
		logger.Info("shutting down", "signal", sig.String())
		srv.Stop()
	}
}
