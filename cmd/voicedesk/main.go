// Command voicedesk runs the real-time voice support server.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/teslashibe/go-voicedesk/internal/config"
	"github.com/teslashibe/go-voicedesk/internal/log"
)

var (
	configPath string
	logLevel   string

	cfg *config.Config
)

// Set by the build via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

var rootCmd = &cobra.Command{
	Use:   "voicedesk",
	Short: "Real-time voice support agent",
	Long: `voicedesk answers support calls over a websocket: caller audio is
transcribed, answered by a language model and spoken back, with retry,
reconnection and human handoff handled per session.

Configuration is read from --config (YAML) and the environment. A .env
file in the working directory is loaded first when present.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		_ = godotenv.Load()

		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			c.Log.Level = logLevel
		}
		cfg = c

		log.Init(cfg.Log.Level)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		log.Sync()
	},
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "voicedesk %s (%s)\n", version, commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
