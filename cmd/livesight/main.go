// Command livesight runs a real-time voice and screen-sharing session with a
// multimodal live model.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/MrWong99/livesight/internal/app"
	"github.com/MrWong99/livesight/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = ""

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "livesight",
		Short:         "Talk to a live multimodal model with your microphone and screen",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(*cobra.Command, []string) {
			// A missing .env is fine; real environment variables win.
			_ = godotenv.Load()
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringP("config", "c", "livesight.yaml", "path to the YAML configuration file")

	root.AddCommand(newRunCmd(), newCheckCmd(), newVersionCmd())
	return root
}

// loadConfig reads the config named by --config and fills a missing API key
// from the environment.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	if cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = apiKeyFromEnv(cfg.Provider.Name)
	}
	return cfg, path, nil
}

func apiKeyFromEnv(provider string) string {
	var names []string
	switch provider {
	case "openai":
		names = []string{"OPENAI_API_KEY"}
	default:
		names = []string{"GEMINI_API_KEY", "API_KEY"}
	}
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}

// newLogger installs a text logger on stderr whose level can change at
// runtime through the returned LevelVar.
func newLogger(level config.LogLevel) *slog.LevelVar {
	lv := new(slog.LevelVar)
	lv.Set(app.SlogLevel(level))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})))
	return lv
}

func buildVersion() string {
	if version != "" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "(devel)"
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the livesight version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "livesight %s\n", buildVersion())
		},
	}
}
