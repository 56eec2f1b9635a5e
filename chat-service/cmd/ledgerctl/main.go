package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/weiawesome/incident-chat/chat-service/internal/audit"
	"github.com/weiawesome/incident-chat/chat-service/internal/config"
	"github.com/weiawesome/incident-chat/chat-service/internal/crypto"
	"github.com/weiawesome/incident-chat/chat-service/internal/ledger"
	"github.com/weiawesome/incident-chat/pkg/database"
	"github.com/weiawesome/incident-chat/pkg/log"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Administer the incident chat ledger",
	Long: `ledgerctl verifies and exports incident message chains, runs SLA
scans and mints development credentials against the configured database.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		level := "warn"
		if verbose {
			level = "debug"
		}
		log.Init(log.Config{Level: level, Pretty: true, Output: os.Stderr})
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (default ./config/config.yaml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.LoadFile(configFile)
	}
	return config.Load()
}

// env is the storage stack shared by the commands.
type env struct {
	cfg    *config.Config
	db     *gorm.DB
	audit  *audit.Writer
	ledger *ledger.Engine
}

func openEnv() (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	db, err := database.New(&cfg.Database)
	if err != nil {
		return nil, err
	}
	cipher, err := crypto.New(cfg.Ledger.AgeIdentityFile)
	if err != nil {
		return nil, err
	}
	writer := audit.NewWriter(db, cipher)
	return &env{
		cfg:    cfg,
		db:     db,
		audit:  writer,
		ledger: ledger.NewEngine(db, cipher, writer),
	}, nil
}
