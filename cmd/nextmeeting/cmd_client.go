package main

import (
	"fmt"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/nextmeeting/internal/client"
	"github.com/user/nextmeeting/internal/lifecycle"
	"github.com/user/nextmeeting/internal/protocol"
)

var (
	noSpawn        bool
	requestTimeout time.Duration

	filter       protocol.MeetingsFilter
	afterFlag    string
	beforeFlag   string
	refreshForce bool
	refreshName  string
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&noSpawn, "no-spawn", false, "do not start the daemon when it is not running")
	rootCmd.PersistentFlags().DurationVar(&requestTimeout, "timeout", 5*time.Second, "request timeout")

	f := meetingsCmd.Flags()
	f.BoolVar(&filter.TodayOnly, "today", false, "only meetings starting today")
	f.IntVarP(&filter.Limit, "limit", "n", 0, "maximum number of meetings")
	f.BoolVar(&filter.SkipAllDay, "skip-all-day", false, "hide all-day events")
	f.StringSliceVar(&filter.IncludeTitles, "include-title", nil, "only titles containing this text")
	f.StringSliceVar(&filter.ExcludeTitles, "exclude-title", nil, "hide titles containing this text")
	f.StringSliceVar(&filter.IncludeCalendars, "include-calendar", nil, "only calendars or providers matching this text")
	f.StringSliceVar(&filter.ExcludeCalendars, "exclude-calendar", nil, "hide calendars or providers matching this text")
	f.IntVar(&filter.WithinMinutes, "within", 0, "only meetings starting within N minutes")
	f.StringVar(&afterFlag, "after", "", "only meetings ending after this RFC3339 time")
	f.StringVar(&beforeFlag, "before", "", "only meetings starting before this RFC3339 time")
	f.StringVar(&filter.WorkHours, "work-hours", "", "only meetings inside HH:MM-HH:MM")
	f.BoolVar(&filter.OnlyWithLink, "only-with-link", false, "only meetings with a conference link")
	f.BoolVar(&filter.Privacy, "privacy", false, "replace titles with a placeholder")
	f.StringVar(&filter.PrivacyTitle, "privacy-title", "", "placeholder title used with --privacy")
	f.BoolVar(&filter.SkipDeclined, "skip-declined", false, "hide declined meetings")
	f.BoolVar(&filter.SkipTentative, "skip-tentative", false, "hide tentatively accepted meetings")
	f.BoolVar(&filter.SkipPending, "skip-pending", false, "hide meetings awaiting a response")
	f.BoolVar(&filter.SkipWithoutGuests, "skip-without-guests", false, "hide meetings without other attendees")

	refreshCmd.Flags().BoolVar(&refreshForce, "force", false, "also retry providers that are backing off")
	refreshCmd.Flags().StringVar(&refreshName, "provider", "", "refresh a single provider")

	rootCmd.AddCommand(pingCmd, meetingsCmd, statusCmd, refreshCmd, snoozeCmd, shutdownCmd)
}

// connect returns a client for the configured socket. With spawn set, a
// daemon is started when none answers.
func connect(cmd *cobra.Command, spawn bool) (*client.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	setupLogging(cfg)

	c := client.New(cfg.SocketPath).WithTimeout(requestTimeout)
	if !spawn || noSpawn {
		return c, nil
	}
	err = c.EnsureDaemon(cmd.Context(), client.SpawnOptions{
		Args: []string{"serve", "--config", cfgPath},
		Stop: func() error {
			_, err := lifecycle.Signal(cfg.PIDFile, syscall.SIGTERM)
			return err
		},
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the daemon is answering",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd, false)
		if err != nil {
			return err
		}
		start := time.Now()
		if err := c.Ping(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "pong from %s in %s\n", c.SocketPath(), time.Since(start).Round(time.Microsecond))
		return nil
	},
}

var meetingsCmd = &cobra.Command{
	Use:     "meetings",
	Aliases: []string{"ls"},
	Short:   "List upcoming meetings",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := parseWindow(&filter, afterFlag, beforeFlag); err != nil {
			return err
		}
		c, err := connect(cmd, true)
		if err != nil {
			return err
		}
		events, err := c.Meetings(cmd.Context(), &filter)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(events)
		}
		fmt.Fprint(os.Stdout, renderMeetings(events, time.Now()))
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and provider health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd, true)
		if err != nil {
			return err
		}
		info, err := c.Status(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(info)
		}
		fmt.Fprint(os.Stdout, renderStatus(info, time.Now()))
		return nil
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Ask the daemon to sync providers now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd, true)
		if err != nil {
			return err
		}
		if _, err := c.Do(cmd.Context(), protocol.Refresh(refreshForce, refreshName)); err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, "Refresh requested.")
		return nil
	},
}

var snoozeCmd = &cobra.Command{
	Use:   "snooze <minutes>",
	Short: "Silence notifications for a while; 0 clears",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		minutes, err := strconv.Atoi(args[0])
		if err != nil || minutes < 0 {
			return fmt.Errorf("invalid minutes %q", args[0])
		}
		c, err := connect(cmd, true)
		if err != nil {
			return err
		}
		if _, err := c.Do(cmd.Context(), protocol.Snooze(minutes)); err != nil {
			return err
		}
		if minutes == 0 {
			fmt.Fprintln(os.Stdout, "Snooze cleared.")
			return nil
		}
		until := time.Now().Add(time.Duration(minutes) * time.Minute)
		fmt.Fprintf(os.Stdout, "Notifications snoozed until %s.\n", until.Format("15:04"))
		return nil
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Ask the daemon to shut down gracefully",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd, false)
		if err != nil {
			return err
		}
		if _, err := c.Do(cmd.Context(), protocol.Shutdown()); err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, "Daemon shutting down.")
		return nil
	},
}

func parseWindow(f *protocol.MeetingsFilter, after, before string) error {
	if after != "" {
		t, err := time.Parse(time.RFC3339, after)
		if err != nil {
			return fmt.Errorf("invalid --after: %w", err)
		}
		f.After = &t
	}
	if before != "" {
		t, err := time.Parse(time.RFC3339, before)
		if err != nil {
			return fmt.Errorf("invalid --before: %w", err)
		}
		f.Before = &t
	}
	return nil
}
