package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"libraryhub/internal/util"
	"libraryhub/services/library/internal/bootstrap"
	"libraryhub/services/library/internal/config"
)

// env is what the commands need from the outside world.
type env struct {
	open         func(ctx context.Context, cfg config.FileConfig) (*bootstrap.Runtime, error)
	readPassword func(prompt string) (string, error)
	now          func() time.Time
	out          io.Writer
}

func defaultEnv() env {
	return env{
		open:         bootstrap.Open,
		readPassword: readPassword,
		now:          time.Now,
		out:          os.Stdout,
	}
}

// readPassword reads a password from the terminal without echo.
func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

func newRootCmd(e env) *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "libctl",
		Short:         "Operator tasks for the library service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (defaults to LIBRARY_CONFIG or config.yaml)")

	withRuntime := func(cmd *cobra.Command, fn func(context.Context, *bootstrap.Runtime) error) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		util.InitLogger("libctl", cfg.LogLevel, os.Stderr)
		ctx := cmd.Context()
		rt, err := e.open(ctx, cfg)
		if err != nil {
			return err
		}
		defer rt.Close()
		return fn(ctx, rt)
	}

	root.AddCommand(newCreateAdminCmd(e, withRuntime), newSweepCmd(e, withRuntime))
	return root
}

type runtimeRunner func(*cobra.Command, func(context.Context, *bootstrap.Runtime) error) error

func newCreateAdminCmd(e env, run runtimeRunner) *cobra.Command {
	var email, fullName string
	cmd := &cobra.Command{
		Use:   "create-admin",
		Short: "Create a superuser account if the email is not taken",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(email) == "" {
				return fmt.Errorf("--email is required")
			}
			password, err := e.readPassword(fmt.Sprintf("Password for %s: ", email))
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}
			if password == "" {
				return fmt.Errorf("password cannot be empty")
			}
			return run(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				created, err := rt.App.EnsureSuperuser(ctx, email, password, fullName)
				if err != nil {
					return err
				}
				if created {
					fmt.Fprintf(e.out, "Superuser %s created\n", email)
				} else {
					fmt.Fprintf(e.out, "User %s already exists; nothing to do\n", email)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "admin email address")
	cmd.Flags().StringVar(&fullName, "name", "Library Admin", "admin full name")
	return cmd
}

func newSweepCmd(e env, run runtimeRunner) *cobra.Command {
	var cutoffRaw string
	cmd := &cobra.Command{
		Use:   "sweep-schedules",
		Short: "Expire active schedules created before the cutoff",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cutoff := e.now().UTC()
			if cutoffRaw != "" {
				parsed, err := time.Parse(time.RFC3339, cutoffRaw)
				if err != nil {
					return fmt.Errorf("invalid --cutoff: %w", err)
				}
				cutoff = parsed.UTC()
			}
			return run(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				n, err := rt.App.ExpireStaleSchedules(ctx, cutoff)
				if err != nil {
					return err
				}
				fmt.Fprintf(e.out, "Expired %d schedule(s) created before %s\n", n, cutoff.Format(time.RFC3339))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&cutoffRaw, "cutoff", "", "RFC3339 cutoff (defaults to now)")
	return cmd
}
