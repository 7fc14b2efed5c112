package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/vonshlovens/capture-sync/internal/config"
)

func prompt(reader *bufio.Reader, label, def string) string {
	if def != "" {
		fmt.Printf("%s [%s]: ", label, def)
	} else {
		fmt.Printf("%s: ", label)
	}
	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return def
	}
	return line
}

func promptSecret(label string) (string, error) {
	fmt.Printf("%s: ", label)
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", strings.ToLower(label), err)
	}
	return strings.TrimSpace(string(secret)), nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive setup to create the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			reader := bufio.NewReader(os.Stdin)
			cfg := config.DefaultConfig()

			fmt.Println("=== capsync setup ===")
			fmt.Println()

			cfg.ServerURL = prompt(reader, "Server URL", "http://"+cfg.Server.Listen)
			cfg.DataDir = prompt(reader, "Data directory", cfg.DataDir)

			inbox := prompt(reader, "Capture inbox directory (empty to disable)", "")
			if inbox != "" {
				if info, err := os.Stat(inbox); err != nil || !info.IsDir() {
					return fmt.Errorf("inbox path is not a directory: %s", inbox)
				}
				cfg.Inbox.Path = inbox
			}

			token, err := promptSecret("Device token (empty to set later)")
			if err != nil {
				return err
			}
			if token != "" {
				cfg.TokenFile = filepath.Join(cfg.DataDir, "token")
				if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
					return fmt.Errorf("failed to create data directory: %w", err)
				}
				if err := os.WriteFile(cfg.TokenFile, []byte(token+"\n"), 0600); err != nil {
					return fmt.Errorf("failed to write token file: %w", err)
				}
			}

			if strings.EqualFold(prompt(reader, "Also configure the sync server on this machine? (y/n)", "n"), "y") {
				cfg.Server.Listen = prompt(reader, "  Listen address", cfg.Server.Listen)
				cfg.Server.Storage = prompt(reader, "  Storage (memory/postgres)", cfg.Server.Storage)
				if cfg.Server.Storage == "postgres" {
					db := &cfg.Server.Database
					db.Host = prompt(reader, "  Postgres host", "localhost")
					fmt.Sscanf(prompt(reader, "  Postgres port", fmt.Sprint(db.Port)), "%d", &db.Port)
					db.User = prompt(reader, "  Postgres user", "")
					db.Database = prompt(reader, "  Postgres database", "")
					db.Schema = config.SanitizeIdentifier(prompt(reader, "  Schema", db.Schema))
					db.SSLMode = prompt(reader, "  SSL mode", "require")
					db.Password = "${DB_PASSWORD}"
				}
				cfg.Server.JWTSecret = "${CAPSYNC_JWT_SECRET}"
			}

			if err := cfg.Validate(); err != nil {
				return err
			}

			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}

			configDir := config.ConfigDir()
			if err := os.MkdirAll(configDir, 0700); err != nil {
				return fmt.Errorf("failed to create config directory: %w", err)
			}
			configPath := filepath.Join(configDir, "config.yaml")
			if err := os.WriteFile(configPath, data, 0600); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}

			fmt.Printf("\nConfig file written to: %s\n", configPath)
			if cfg.Server.JWTSecret != "" {
				fmt.Println("\nIMPORTANT: set the server secret before running capsync serve:")
				fmt.Println("  export CAPSYNC_JWT_SECRET='<random secret>'")
				if cfg.Server.Storage == "postgres" {
					fmt.Println("  export DB_PASSWORD='<database password>'")
				}
			}
			if token == "" {
				fmt.Println("\nNo token stored. Issue one on the server with: capsync token <device> -o <file>")
			}
			fmt.Println("To check the connection, run: capsync status")
			fmt.Println("To start syncing, run: capsync daemon")
			return nil
		},
	}
}
