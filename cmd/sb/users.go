package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newUsersCmd() *cobra.Command {
	var (
		flags      configFlags
		linkedOnly bool
	)

	cmd := &cobra.Command{
		Use:   "users",
		Short: "List known users and their chat links",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUsers(cmd, &flags, linkedOnly)
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&linkedOnly, "linked", false, "only show users with a linked chat account")
	return cmd
}

func runUsers(cmd *cobra.Command, flags *configFlags, linkedOnly bool) error {
	out := cmd.OutOrStdout()

	cfg, err := flags.load()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	if sqlDB, err := st.DB().DB(); err == nil {
		defer sqlDB.Close()
	}

	ctx := context.Background()
	list := st.ListUsers
	if linkedOnly {
		list = st.LinkedUsers
	}
	users, err := list(ctx)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		fmt.Fprintln(out, "No users.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tEMAIL\tPOSITION\tCHAT\tTIMEZONE")
	for _, u := range users {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			u.ExternalID, dash(u.DisplayName()), dash(u.Email), dash(u.Position), dash(u.ChatHandle), dash(u.TimeZone))
	}
	w.Flush()
	fmt.Fprintf(out, "\n%d user(s)\n", len(users))
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
