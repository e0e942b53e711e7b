package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/MarcoPoloResearchLab/labpresence/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "labpresence",
		Short:         "Laboratory presence tracker for the DeiLabs portal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		newServeCommand(),
		newPunchCommand(),
		newExitCommand(),
		newStatusCommand(),
		newSetLabCommand(),
		newLabsCommand(),
		newTriggerJobCommand(),
		newListStatusCommand(),
		newEventsCommand(),
		newUploadSessionCommand(),
		newRebuildCommand(),
		newAdminTokenCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.StringVar(&envFile, "env-file", ".env", "Path to a .env file loaded before configuration")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("database-dsn", defaults.GetString("database.dsn"), "PostgreSQL connection string")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-file", defaults.GetString("log.file"), "Additional JSON log file")
	flags.String("signing-secret", "", "Admin token signing secret (overrides env)")
	flags.String("labs-file", defaults.GetString("labs.file"), "TOML lab catalog")
	flags.String("default-lab", defaults.GetString("labs.default"), "Lab used when a user has no preference")
	flags.String("sessions-dir", defaults.GetString("sessions.dir"), "Directory of per-user session files")
	flags.String("gateway-base-url", defaults.GetString("gateway.base_url"), "DeiLabs portal base URL")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
	bindFlag(cmd, "admin.signing_secret", "signing-secret")
	bindFlag(cmd, "labs.file", "labs-file")
	bindFlag(cmd, "labs.default", "default-lab")
	bindFlag(cmd, "sessions.dir", "sessions-dir")
	bindFlag(cmd, "gateway.base_url", "gateway-base-url")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("labpresence")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
