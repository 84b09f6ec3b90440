package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/finchley/autoreply/internal/config"
	"github.com/finchley/autoreply/internal/retention"
	"github.com/finchley/autoreply/internal/service"
	"github.com/finchley/autoreply/internal/store"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "autoreplyd",
		Short: "Auto-reply daemon for a watched chat application",
		Long: `autoreplyd reads UI events from a host bridge on stdin, replies to
incoming chat messages through a pluggable text-generation backend, writes
the replies back as UI actions on stdout, and keeps per-peer history in
SQLite.

Examples:
  ui-bridge | autoreplyd serve --config autoreply.yaml | ui-bridge --actions
  autoreplyd conversations list
  autoreplyd persona set "Alice" "Reply in short rhymes."
  autoreplyd sweep --max-inactive 168h`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newConversationsCmd(),
		newPersonaCmd(),
		newSweepCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "autoreply.yaml", "path to the config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	return config.Load(path)
}

func newLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func openStore(cmd *cobra.Command) (*store.Store, *sql.DB, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return store.NewStore(db), db, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the reply pipeline against the host UI bridge",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cmd)
			slog.SetDefault(logger)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			// Events in on stdin, actions out on stdout; logs go to stderr.
			svc := service.New(cfg, os.Stdin, os.Stdout, service.WithLogger(logger))
			return svc.Run(ctx)
		},
	}
}

func newConversationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conversations",
		Short: "Inspect stored conversations",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List conversations by most recent activity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, db, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			limit, _ := cmd.Flags().GetInt("limit")
			convs, err := st.ListConversations(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PEER\tLAST ACTIVE\tID")
			for _, c := range convs {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", c.PeerName, c.LastActive.Format(time.RFC3339), c.ID)
			}
			return tw.Flush()
		},
	}
	listCmd.Flags().Int("limit", 50, "maximum conversations to list")

	historyCmd := &cobra.Command{
		Use:   "history <peer>",
		Short: "Print a conversation's messages in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, db, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			history, err := st.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, m := range history {
				fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s: %s\n", m.Timestamp.Format(time.RFC3339), m.Sender, m.Content)
			}
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <peer>",
		Short: "Delete a conversation and all its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, db, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := st.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted conversation with %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(listCmd, historyCmd, deleteCmd)
	return cmd
}

func newPersonaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "persona",
		Short: "Read or change the reply persona for a peer",
	}

	getCmd := &cobra.Command{
		Use:   "get <peer>",
		Short: "Show the persona used when replying to a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, db, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			persona, err := st.GetPersona(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), persona)
			return nil
		},
	}

	setCmd := &cobra.Command{
		Use:   "set <peer> <persona>",
		Short: "Set the persona used when replying to a peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, db, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := st.SetPersona(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "persona updated for %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(getCmd, setCmd)
	return cmd
}

func newSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove conversations inactive for longer than the cutoff",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, db, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			maxInactive, _ := cmd.Flags().GetDuration("max-inactive")
			sweeper := retention.NewSweeper(st, retention.WithMaxInactive(maxInactive), retention.WithLogger(newLogger(cmd)))
			removed, err := sweeper.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d conversations\n", removed)
			return nil
		},
	}
	cmd.Flags().Duration("max-inactive", retention.DefaultMaxInactive, "inactivity cutoff")
	return cmd
}
