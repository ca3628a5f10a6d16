package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/cobra"

	"github.com/marketscope/core/internal/agent/model"
	"github.com/marketscope/core/internal/core"
	logx "github.com/marketscope/core/pkg/logger"
	pkgredis "github.com/marketscope/core/pkg/redis"
)

// AppConfig defines all configurable parameters of the CLI, sourced from
// environment variables (loaded from .env for local runs).
type AppConfig struct {
	Environment string `envconfig:"APP_ENV" default:"development"`

	// Infrastructure
	Redis pkgredis.Config

	// Research backend
	API model.APIConfig

	// Agent configs
	Session      model.SessionConfig
	Progress     model.ProgressConfig
	Chat         model.ChatConfig
	Guided       model.GuidedConfig
	Grounded     model.GroundedConfig
	Conversation model.ConversationConfig
}

var (
	envFile string
	verbose bool
	cfg     AppConfig
)

var rootCmd = &cobra.Command{
	Use:   "marketscope",
	Short: "Run product market research and chat about the results",
	Long: `marketscope submits a research query to the analysis backend, shows
progress while results stream in, and then answers follow-up questions
grounded in the committed result set.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(envFile); err != nil && cmd.Flags().Changed("env-file") {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
		if err := envconfig.Process("", &cfg); err != nil {
			return fmt.Errorf("process environment config: %w", err)
		}
		logx.Init(logx.LoggerOpts{
			Environment: core.ParseEnvironment(cfg.Environment),
			Output:      os.Stderr,
		})
		if !verbose {
			logx.Silence()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "write debug logs to stderr")
	rootCmd.AddCommand(researchCmd, chatCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
