package main

import (
	"context"
	"log/slog"
	"os"

	httpapi "github.com/immxrtalbeast/meetsignal/internal/api/http"
	"github.com/immxrtalbeast/meetsignal/internal/auth"
	"github.com/immxrtalbeast/meetsignal/internal/config"
	"github.com/immxrtalbeast/meetsignal/internal/repository"
	"github.com/immxrtalbeast/meetsignal/internal/service"
	"github.com/immxrtalbeast/meetsignal/lib/logger/sl"
	"github.com/immxrtalbeast/meetsignal/lib/logger/slogpretty"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load(".env")

	cfg := config.MustLoad()
	log := setupLogger(cfg.Env)

	authenticator, err := auth.New(cfg.Auth)
	if err != nil {
		log.Error("failed to configure auth", sl.Err(err))
		os.Exit(1)
	}

	registry := service.NewConnectionRegistry(repository.NewInMemoryUserRepository(), authenticator, log)
	router := service.NewSignalRouter(registry, log)
	directory := service.NewRoomDirectory(repository.NewInMemoryRoomRepository(), registry, router, log)
	registry.OnUserRemoved(func(ctx context.Context, userID string) {
		if err := directory.DisconnectCleanup(ctx, userID); err != nil {
			log.Warn("disconnect cleanup failed", slog.String("user_id", userID), sl.Err(err))
		}
	})

	for _, seed := range cfg.Rooms.Protected {
		if err := directory.Seed(context.Background(), seed.ID, seed.Name); err != nil {
			log.Error("failed to seed room", slog.String("room_id", seed.ID), sl.Err(err))
			os.Exit(1)
		}
	}

	signalingController := httpapi.NewSignalingController(registry, directory, router, cfg.Signaling, cfg.HTTP.AllowedOrigins, log)
	roomController := httpapi.NewRoomController(directory)
	userController := httpapi.NewUserController(registry)

	engine := httpapi.SetupRouter(cfg.HTTP, signalingController, roomController, userController)

	log.Info("starting application",
		slog.String("addr", cfg.HTTP.Address),
		slog.String("auth_mode", cfg.Auth.Mode),
		slog.Int("protected_rooms", len(cfg.Rooms.Protected)),
	)
	if err := engine.Run(cfg.HTTP.Address); err != nil {
		log.Error("http server stopped", sl.Err(err))
		os.Exit(1)
	}
}

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = setupPrettySlog()
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default:
		log = setupPrettySlog()
	}

	return log
}

func setupPrettySlog() *slog.Logger {
	opts := slogpretty.PrettyHandlerOptions{
		SlogOpts: &slog.HandlerOptions{
			Level: slog.LevelDebug,
		},
	}

	handler := opts.NewPrettyHandler(os.Stdout)

	return slog.New(handler)
}
