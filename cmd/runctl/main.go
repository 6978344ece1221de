package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"storyrun-backend/internal/app"
	"storyrun-backend/internal/config"
)

var (
	userFlag  string
	tokenFlag string
)

var rootCmd = &cobra.Command{
	Use:           "runctl",
	Short:         "Operate story runs from the command line.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&userFlag, "user", os.Getenv("RUNCTL_USER_ID"), "User id to act as (default $RUNCTL_USER_ID)")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", os.Getenv("RUNCTL_ACCESS_TOKEN"), "Access token forwarded to the video build service")
}

// loadApp wires the full orchestrator from the server's configuration.
func loadApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return app.New(cmd.Context(), cfg)
}

func userID() (uuid.UUID, error) {
	if userFlag == "" {
		return uuid.Nil, fmt.Errorf("--user is required")
	}
	id, err := uuid.Parse(userFlag)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid --user: %w", err)
	}
	return id, nil
}

func projectArg(args []string) (uuid.UUID, error) {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid project id %q: %w", args[0], err)
	}
	return id, nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
