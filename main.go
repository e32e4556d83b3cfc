package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/util"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var logLevel string

func main() {
	rootCmd := &cobra.Command{
		Use:   util.Name,
		Short: "ActivityPub federation server",
		Long: `fedcore verifies, deduplicates and applies inbound ActivityPub activities
and delivers outbound activities to remote inboxes with retries.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "Override the configured log level")

	rootCmd.AddCommand(
		serveCmd(),
		createAccountCmd(),
		followCmd(),
		postCmd(),
		deadLettersCmd(),
		requeueCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup reads the configuration and builds the logger every command uses.
func setup() (*util.AppConfig, *zap.Logger, error) {
	conf, err := util.ReadConf()
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		conf.Conf.LogLevel = logLevel
	}
	logger, err := util.NewLogger(conf.Conf.LogLevel, conf.Conf.Development)
	if err != nil {
		return nil, nil, err
	}
	return conf, logger, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(util.GetNameAndVersion())
		},
	}
}

func createAccountCmd() *cobra.Command {
	var displayName string
	var manual bool

	cmd := &cobra.Command{
		Use:   "create-account <username>",
		Short: "Create a local actor with a fresh RSA key pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			c, err := openCore(cmd.Context(), conf, logger, nil)
			if err != nil {
				return err
			}
			defer c.Close()

			acc, err := c.db.CreateAccount(cmd.Context(), args[0], displayName, manual)
			if err != nil {
				return fmt.Errorf("failed to create account: %w", err)
			}
			fmt.Printf("Created %s\n", acc.ActorURI(conf.Conf.Domain))
			return nil
		},
	}

	cmd.Flags().StringVarP(&displayName, "name", "n", "", "Display name")
	cmd.Flags().BoolVar(&manual, "manual", false, "Require manual approval of followers")
	return cmd
}

func followCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "follow <username> <actor-id>",
		Short: "Send a Follow from a local account to a remote actor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			c, err := openCore(cmd.Context(), conf, logger, nil)
			if err != nil {
				return err
			}
			defer c.Close()

			actor, err := c.localActor(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			follow, err := c.outbox.SendFollow(cmd.Context(), actor, args[1])
			if err != nil {
				return err
			}
			fmt.Printf("Queued follow %s (%s)\n", follow.ActivityURI, follow.State)
			return nil
		},
	}
}

func postCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "post <username> <content>",
		Short: "Publish a public note to the followers of a local account",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			c, err := openCore(cmd.Context(), conf, logger, nil)
			if err != nil {
				return err
			}
			defer c.Close()

			actor, err := c.localActor(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			note, err := c.outbox.SendCreate(cmd.Context(), actor, strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Printf("Published %s\n", note.ObjectURI)
			return nil
		},
	}
}

func deadLettersCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List deliveries that exhausted their attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			c, err := openCore(cmd.Context(), conf, logger, nil)
			if err != nil {
				return err
			}
			defer c.Close()

			jobs, err := c.queue.DeadLetters(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("No dead deliveries")
				return nil
			}
			fmt.Println(deadLettersTable(jobs))
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of jobs to list")
	return cmd
}

func deadLettersTable(jobs []domain.DeliveryJob) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#7571f9"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return lipgloss.NewStyle().Foreground(lipgloss.Color("#ffffff")).Bold(true).Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers("ID", "INBOX", "ATTEMPTS", "UPDATED", "LAST ERROR")

	for _, job := range jobs {
		lastErr := job.LastError
		if len(lastErr) > 60 {
			lastErr = lastErr[:57] + "..."
		}
		t.Row(
			job.Id.String(),
			job.TargetInbox,
			fmt.Sprintf("%d", job.AttemptCount),
			job.UpdatedAt.Local().Format(util.DateTimeFormat()),
			lastErr,
		)
	}
	return t.String()
}

func requeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <job-id>",
		Short: "Return a dead delivery to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id %q: %w", args[0], err)
			}

			conf, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			c, err := openCore(cmd.Context(), conf, logger, nil)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if err := c.queue.Requeue(ctx, id); err != nil {
				return err
			}
			fmt.Printf("Requeued %s\n", id)
			return nil
		},
	}
}
