package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/window"
)

func newWindowCmd() *cobra.Command {
	var (
		flags configFlags
		at    string
	)

	cmd := &cobra.Command{
		Use:   "window",
		Short: "Show the working window state in every zone",
		Long: `Prints each configured zone's local time and whether it is inside working
hours, followed by the overall decision. Use --at to evaluate another moment
(RFC 3339).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWindow(cmd, &flags, at)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&at, "at", "", "evaluate at this RFC 3339 time instead of now")
	return cmd
}

func runWindow(cmd *cobra.Command, flags *configFlags, at string) error {
	out := cmd.OutOrStdout()

	now := time.Now()
	if at != "" {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return fmt.Errorf("invalid --at: %w", err)
		}
		now = t
	}

	cfg, err := flags.load()
	if err != nil {
		return err
	}
	policy, err := window.FromConfig(cfg.Schedule)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ZONE\tLOCATION\tLOCAL TIME\tWORKING")
	for _, st := range policy.Status(now) {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			st.Zone.Name, st.Zone.Location, st.Local.Format("Mon 15:04"), yesNo(st.Working))
	}
	w.Flush()

	if policy.IsWorkingTime(now) {
		fmt.Fprintln(out, "\nWorking time: requests stay in Mattermost.")
	} else {
		fmt.Fprintln(out, "\nOff hours: requests are relayed to chat.")
	}
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
