package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/Strob0t/omnitask/internal/adapter/postgres"
	"github.com/Strob0t/omnitask/internal/config"
	"github.com/Strob0t/omnitask/internal/domain/ledger"
	"github.com/Strob0t/omnitask/internal/service"
)

// runAdmin dispatches admin subcommands (credit, balance, migrate, health).
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "credit":
		return runAdminCredit(args[1:])
	case "balance":
		return runAdminBalance(args[1:])
	case "migrate":
		return runAdminMigrate(args[1:])
	case "health":
		return runAdminHealth(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: omnitask admin <command> [options]

Commands:
  credit    Top up a user's balance
  balance   Show a user's balance and recent ledger entries
  migrate   Apply, roll back or inspect database migrations
  health    Check every AI provider
  help      Show this help message

Examples:
  omnitask admin credit --user u-123 --amount 25
  omnitask admin balance --user u-123 --entries 10
  omnitask admin migrate
  omnitask admin migrate --rollback 1
  omnitask admin migrate --status
  omnitask admin health
`)
}

// loadAdminStore connects to the database without running migrations.
func loadAdminStore(ctx context.Context) (*postgres.Store, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	return postgres.NewStore(pool), pool.Close, nil
}

func runAdminCredit(args []string) error {
	fs := flag.NewFlagSet("credit", flag.ContinueOnError)
	userID := fs.String("user", "", "user id (required)")
	amount := fs.Float64("amount", 0, "amount to credit (required, positive)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID == "" {
		return fmt.Errorf("--user is required")
	}
	if *amount <= 0 {
		return fmt.Errorf("--amount must be positive")
	}

	ctx := context.Background()
	store, cleanup, err := loadAdminStore(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	acct, err := store.Credit(ctx, *userID, *amount, ledger.KindTopUp)
	if err != nil {
		return fmt.Errorf("credit: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Credited %.2f to %s, balance now %.2f\n", *amount, acct.UserID, acct.Balance)
	return nil
}

func runAdminBalance(args []string) error {
	fs := flag.NewFlagSet("balance", flag.ContinueOnError)
	userID := fs.String("user", "", "user id (required)")
	limit := fs.Int("entries", 20, "number of recent ledger entries to show")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID == "" {
		return fmt.Errorf("--user is required")
	}

	ctx := context.Background()
	store, cleanup, err := loadAdminStore(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	acct, err := store.Account(ctx, *userID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	entries, err := store.Entries(ctx, *userID, *limit)
	if err != nil {
		return fmt.Errorf("load entries: %w", err)
	}

	if !isTerminal(os.Stdout) {
		return json.NewEncoder(os.Stdout).Encode(struct {
			Account *ledger.Account `json:"account"`
			Entries []ledger.Entry  `json:"entries"`
		}{acct, entries})
	}

	fmt.Printf("User:          %s\nPlan:          %s\nBalance:       %.2f\nMonthly usage: %.2f / %.2f\n\n",
		acct.UserID, acct.Plan, acct.Balance, acct.MonthlyUsage, acct.MonthlyLimit)
	if len(entries) == 0 {
		fmt.Println("No ledger entries.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CREATED\tKIND\tAMOUNT\tTASK")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%+.4f\t%s\n", e.CreatedAt.Format(time.RFC3339), e.Kind, e.Amount, e.TaskID)
	}
	return w.Flush()
}

func runAdminMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	rollback := fs.Int("rollback", 0, "roll back this many migrations instead of applying")
	status := fs.Bool("status", false, "list migrations and whether they are applied")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := context.Background()

	if *status {
		states, err := postgres.MigrationStatus(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		return printMigrations(os.Stdout, states)
	}

	if *rollback > 0 {
		err = postgres.RollbackMigrations(ctx, cfg.Postgres.DSN, *rollback)
	} else {
		err = postgres.RunMigrations(ctx, cfg.Postgres.DSN)
	}
	if err != nil {
		return err
	}

	version, err := postgres.MigrationVersion(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Schema version: %d\n", version)
	return nil
}

func printMigrations(out io.Writer, states []postgres.MigrationState) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tSTATE\tAPPLIED AT\tFILE")
	for _, st := range states {
		state, at := "pending", "-"
		if st.Applied {
			state, at = "applied", st.AppliedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", st.Version, state, at, st.Path)
	}
	return w.Flush()
}

func runAdminHealth(args []string) error {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	timeout := fs.Duration("timeout", 0, "per-provider health check timeout (default from config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *timeout <= 0 {
		*timeout = cfg.Orchestrator.HealthTimeout
	}

	selector := service.NewSelector(newProviderRegistry(cfg), nil, 0, *timeout)
	status := selector.HealthCheckAll(context.Background())
	return printHealth(os.Stdout, status, isTerminal(os.Stdout))
}

func printHealth(out io.Writer, status map[string]bool, table bool) error {
	if !table {
		return json.NewEncoder(out).Encode(status)
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PROVIDER\tSTATUS")
	for _, id := range sortedKeys(status) {
		state := "down"
		if status[id] {
			state = "ok"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\n", id, state)
	}
	return w.Flush()
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd())) //nolint:gosec // fd fits in int
}
