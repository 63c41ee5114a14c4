package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/immxrtalbeast/meetsignal/internal/config"
	"github.com/immxrtalbeast/meetsignal/lib/logger/slogpretty"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	flagServer   string
	flagConfig   string
	flagName     string
	flagPassword string
	flagRoom     string
	flagAudio    bool
	flagVideo    bool
)

var rootCmd = &cobra.Command{
	Use:   "roomcall",
	Short: "Headless participant for a signaling room",
	Long: `roomcall logs in to a signaling server, joins a room and negotiates a
WebRTC connection with every other participant using synthetic media.

Examples:
  roomcall --name alice --room roomA
  roomcall --server ws://example.com:8080/ws --name bob --room room1 --video`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runCall(cmd.Context(), cfg, setupLogger(cfg.Env))
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&flagServer, "server", "s", "ws://localhost:8080/ws", "signaling websocket url")
	flags.StringVarP(&flagConfig, "config", "c", "", "path to config file")
	flags.StringVarP(&flagName, "name", "n", "", "display name")
	flags.StringVarP(&flagPassword, "password", "p", "", "shared secret, when the server requires one")
	flags.StringVarP(&flagRoom, "room", "r", "roomA", "room to join")
	flags.BoolVar(&flagAudio, "audio", true, "send a synthetic audio track")
	flags.BoolVar(&flagVideo, "video", false, "send a synthetic video track")
	_ = rootCmd.MarkFlagRequired("name")
}

func main() {
	_ = godotenv.Load(".env")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := flagConfig
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		return config.Default()
	}
	return config.MustLoadPath(path), nil
}

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

// Logs go to stderr so the call summary on stdout stays readable.
func setupLogger(env string) *slog.Logger {
	switch env {
	case envDev:
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	case envProd:
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	default:
		opts := slogpretty.PrettyHandlerOptions{
			SlogOpts: &slog.HandlerOptions{Level: slog.LevelDebug},
		}
		return slog.New(opts.NewPrettyHandler(os.Stderr))
	}
}
