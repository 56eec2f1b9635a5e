package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/weiawesome/incident-chat/chat-service/internal/crypto"
	"github.com/weiawesome/incident-chat/chat-service/internal/domain"
	"github.com/weiawesome/incident-chat/chat-service/internal/eventbus"
	"github.com/weiawesome/incident-chat/chat-service/internal/notify"
	"github.com/weiawesome/incident-chat/chat-service/internal/repository"
	"github.com/weiawesome/incident-chat/chat-service/internal/sla"
	"github.com/weiawesome/incident-chat/pkg/database"
	"github.com/weiawesome/incident-chat/pkg/jwt"
)

func init() {
	exportCmd.Flags().StringP("format", "f", "json", "export format: json or csv")
	exportCmd.Flags().StringP("out", "o", "", "write to file instead of stdout")
	slaReportCmd.Flags().Int("days", 30, "report period in days")
	tokenCmd.Flags().Duration("ttl", time.Hour, "token lifetime")
	keygenCmd.Flags().StringP("out", "o", "", "write the identity to file instead of stdout")

	slaCmd.AddCommand(slaScanCmd, slaReportCmd)
	rootCmd.AddCommand(migrateCmd, verifyCmd, exportCmd, slaCmd, tokenCmd, keygenCmd)
}

func parseID(s, what string) (uint, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid %s id: %s", what, s)
	}
	return uint(id), nil
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return err
		}
		if err := database.AutoMigrate(e.db, domain.Models()...); err != nil {
			return err
		}
		fmt.Println("schema up to date")
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify [thread-id]",
	Short: "Verify the hash chain of a thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		threadID, err := parseID(args[0], "thread")
		if err != nil {
			return err
		}
		e, err := openEnv()
		if err != nil {
			return err
		}

		report, err := e.ledger.VerifyChain(cmd.Context(), threadID)
		if err != nil {
			return err
		}
		if report.Valid {
			fmt.Printf("thread %d: chain valid, %s messages checked\n", threadID, humanize.Comma(int64(report.Checked)))
			return nil
		}
		fmt.Printf("thread %d: chain BROKEN at message %d: %s\n", threadID, *report.BrokenAt, report.Reason)
		return report.Err()
	},
}

var exportCmd = &cobra.Command{
	Use:   "export [thread-id]",
	Short: "Export the audit log of a thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		threadID, err := parseID(args[0], "thread")
		if err != nil {
			return err
		}
		format, _ := cmd.Flags().GetString("format")
		out, _ := cmd.Flags().GetString("out")

		e, err := openEnv()
		if err != nil {
			return err
		}
		body, f, err := e.audit.Export(cmd.Context(), threadID, format)
		if err != nil {
			return err
		}

		if out == "" {
			_, err = os.Stdout.Write(body)
			return err
		}
		if err := os.WriteFile(out, body, 0o640); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "wrote %s %s export to %s\n", humanize.Bytes(uint64(len(body))), f, out)
		return nil
	},
}

var slaCmd = &cobra.Command{
	Use:   "sla",
	Short: "SLA checks and reports",
}

var slaScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one SLA pass over all open threads",
	Long: `scan evaluates every open thread once and applies the escalation side
effects: system messages, events and push notifications.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return err
		}
		checker, stop, err := newChecker(e)
		if err != nil {
			return err
		}
		defer stop()

		report, err := checker.CheckAllViolations(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("checked %s threads\n", humanize.Comma(int64(report.Checked)))
		for _, f := range report.Violations {
			fmt.Printf("  BREACHED %-12s deadline %s (%.1fh overdue)\n",
				f.Thread.IncidentID, humanize.Time(f.Result.Deadline), f.Result.HoursOverdue)
		}
		for _, f := range report.Warnings {
			fmt.Printf("  AT RISK  %-12s deadline %s escalated=%t\n",
				f.Thread.IncidentID, humanize.Time(f.Result.Deadline), f.Escalated)
		}
		return nil
	},
}

var slaReportCmd = &cobra.Command{
	Use:   "report [tenant-id]",
	Short: "Print the SLA compliance of a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantID, err := parseID(args[0], "tenant")
		if err != nil {
			return err
		}
		days, _ := cmd.Flags().GetInt("days")

		e, err := openEnv()
		if err != nil {
			return err
		}
		checker, stop, err := newChecker(e)
		if err != nil {
			return err
		}
		defer stop()

		report, err := checker.TenantReport(cmd.Context(), tenantID, days)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

// newChecker wires the checker to the configured event bus. The returned
// func drains pending collaborator calls.
func newChecker(e *env) (*sla.Checker, func(), error) {
	var rdb *redis.Client
	if e.cfg.EventBus.Driver == "redis" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     e.cfg.Redis.Address,
			Password: e.cfg.Redis.Password,
			DB:       e.cfg.Redis.DB,
		})
	}
	bus, err := eventbus.New(eventbus.Config{
		Driver:     e.cfg.EventBus.Driver,
		Brokers:    e.cfg.Kafka.Brokers,
		Partitions: e.cfg.Kafka.Partitions,
		Topics:     []string{e.cfg.EventBus.SLATopic},
	}, rdb)
	if err != nil {
		return nil, nil, err
	}

	var pusher notify.Pusher
	if e.cfg.Push.Enabled {
		pusher = notify.NewFCMPusher(e.cfg.Push.Endpoint, e.cfg.Push.ServerKey, e.cfg.Push.Timeout)
	}
	dispatcher := notify.NewDispatcher(notify.DispatcherConfig{
		Workers:   1,
		QueueSize: e.cfg.Notify.QueueSize,
		Timeout:   e.cfg.Push.Timeout,
	}, bus, pusher, nil)
	dispatcher.Start()

	checker := sla.NewChecker(sla.CheckerConfig{
		FallbackHours: e.cfg.SLA.DefaultHours,
		Topic:         e.cfg.EventBus.SLATopic,
	},
		repository.NewGormThreadRepository(e.db),
		repository.NewGormTenantRepository(e.db),
		repository.NewGormUserRepository(e.db),
		e.ledger, dispatcher)

	stop := func() {
		dispatcher.Stop()
		bus.Close()
		if rdb != nil {
			rdb.Close()
		}
	}
	return checker, stop, nil
}

var tokenCmd = &cobra.Command{
	Use:   "token [username]",
	Short: "Mint an access token for a user",
	Long:  `token signs an access token with the configured private key, for local testing of the websocket and REST endpoints.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl, _ := cmd.Flags().GetDuration("ttl")

		e, err := openEnv()
		if err != nil {
			return err
		}
		if e.cfg.Auth.PrivateKeyFile == "" {
			return fmt.Errorf("auth.private_key_file is not configured")
		}
		priv, err := os.ReadFile(e.cfg.Auth.PrivateKeyFile)
		if err != nil {
			return err
		}
		tokens, err := jwt.NewManagerFromPEM(priv, nil, e.cfg.Auth.AccessTTL, e.cfg.Auth.RefreshTTL, e.cfg.Auth.Issuer)
		if err != nil {
			return err
		}

		user, err := repository.NewGormUserRepository(e.db).GetByUsername(context.Background(), args[0])
		if err != nil {
			return err
		}
		token, err := tokens.GenerateAccessToken(jwt.Identity{
			UserID:    user.ID,
			Username:  user.Username,
			TenantID:  user.TenantID,
			Staff:     user.IsStaff,
			Superuser: user.IsSuperuser,
		}, ttl)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an age identity for sealing message content",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")

		secret, recipient, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		body := fmt.Sprintf("# created: %s\n# public key: %s\n%s\n", time.Now().UTC().Format(time.RFC3339), recipient, secret)

		if out == "" {
			fmt.Print(body)
			return nil
		}
		if err := os.WriteFile(out, []byte(body), 0o600); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "public key: %s\n", recipient)
		return nil
	},
}
