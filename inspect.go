package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"namecard/pkg/config"
	"namecard/pkg/identity"
	"namecard/pkg/storage"
)

var inspectUser string

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print what the stored identity snapshot contains",
	RunE:  runInspect,
}

func init() {
	inspectCmd.Flags().StringVarP(&inspectUser, "user", "u", "", "only show this user id")
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	c := identity.NewCache(cfg.Identity.MaxNicknames, nil)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "storage: %s\n", store.Location())

	snap, err := store.Load(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		fmt.Fprintln(out, "no snapshot has been saved yet")
		return nil
	}
	if err != nil {
		return err
	}

	report, err := c.Deserialize(snap)
	if err != nil {
		fmt.Fprintf(out, "warning: %v\n", err)
	}
	fmt.Fprintf(out, "users: %d, skipped: %d, legacy: %d\n\n", report.Users, report.Skipped, report.Legacy)

	return printRecords(out, c, inspectUser)
}

func printRecords(out io.Writer, c *identity.Cache, only string) error {
	users := c.Users()
	if only != "" {
		users = []string{only}
	}
	for _, id := range users {
		rec, ok := c.Get(id)
		if !ok {
			return fmt.Errorf("user %s is not in the snapshot", id)
		}
		best, _ := rec.BestAddress()
		fmt.Fprintf(out, "%s  gender=%s (%s)  address=%q  updated=%s\n",
			id, rec.Gender, rec.GenderSource, best, rec.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"))
		for _, n := range rec.Nicknames {
			fmt.Fprintf(out, "    %-12s tier=%d source=%s uses=%d\n", n.Text, n.Tier, n.Source, n.UseCount)
		}
	}
	if len(users) == 0 {
		fmt.Fprintln(out, "(empty)")
	}
	return nil
}
