package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/liftsync/meetserver/cmd/server/internal/commands"
	"github.com/liftsync/meetserver/internal/auth"
	"github.com/liftsync/meetserver/internal/config"
)

var (
	version = "dev"
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "meetserver",
		Short:   "Powerlifting meet coordination WebSocket server",
		Version: version,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(genKeyCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// genKeyCmd writes a freshly generated raw session-persistence key to
// --out, in the exact format auth.LoadPersistenceKey expects
// (session.persistence_key_file: 32 raw bytes, not base64/hex encoded).
func genKeyCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "genkey",
		Short: "Generate a session persistence key",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := auth.GeneratePersistenceKey()
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, key, 0o600); err != nil {
				return fmt.Errorf("write key file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d-byte session persistence key to %s\n", len(key), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "session.key", "Path to write the generated key")
	return cmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("bind-addr", defaults.GetString("bind_addr"), "HTTP listen address")
	cmd.PersistentFlags().String("data-dir", defaults.GetString("data_dir"), "Per-meet durable storage root")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log_level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Bool("dev", defaults.GetBool("dev"), "Enable human-readable console logging")
	cmd.PersistentFlags().String("session-persistence-key-file", defaults.GetString("session.persistence_key_file"), "Path to the AES-256 session persistence key; empty disables persistence")
	cmd.PersistentFlags().Int("idle-unload-secs", defaults.GetInt("idle_unload_secs"), "Seconds an active meet with no subscribers and no activity waits before unloading")

	bindFlag(cmd, "bind_addr", "bind-addr")
	bindFlag(cmd, "data_dir", "data-dir")
	bindFlag(cmd, "log_level", "log-level")
	bindFlag(cmd, "dev", "dev")
	bindFlag(cmd, "session.persistence_key_file", "session-persistence-key-file")
	bindFlag(cmd, "idle_unload_secs", "idle-unload-secs")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func runServer(ctx context.Context) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	return commands.Run(ctx, cfg)
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
