package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/logging"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mailsync",
	Short: "Mailbox sync and reply tracking for Google and Outlook accounts",
	Long:  "Sends mail as connected users and reconciles replies into application-originated threads from Graph webhooks and periodic polling",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.SetLevel(viper.GetString("log.level"))
	},
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default ./config.yaml)")
	flags.String("database.path", "data/mailsync.db", "SQLite database path")
	flags.String("nats.url", "nats://127.0.0.1:4222", "NATS server URL")
	flags.String("log.level", "info", "Log level")
	flags.String("http.addr", ":8080", "HTTP listen address")

	for _, name := range []string{"database.path", "nats.url", "log.level", "http.addr"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}

	rootCmd.AddCommand(serveCmd, workerCmd, pollCmd, migrateCmd, subscribeCmd, unsubscribeCmd, renewCmd, statusCmd, threadCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logging.SetLevel(cfg.LogLevel)
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
