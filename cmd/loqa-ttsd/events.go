package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/eventstore"
)

func newEventsCommand(flags *globalFlags) *cobra.Command {
	var (
		limit    int
		session  string
		sessions bool
		follow   bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show journaled daemon events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if follow {
				return followEvents(cmd.Context(), cfg, out)
			}
			store, err := eventstore.Open(cmd.Context(), cfg.EventStore, cliLogger(cfg))
			if err != nil {
				return err
			}
			defer store.Close()
			if !store.Enabled() {
				fmt.Fprintln(out, "event store is ephemeral; nothing is journaled")
				return nil
			}
			if sessions {
				list, err := store.ListSessions(cmd.Context(), limit)
				if err != nil {
					return err
				}
				printSessions(out, list)
				return nil
			}

			var events []eventstore.Event
			if session != "" {
				events, err = store.ListSessionEvents(cmd.Context(), session, limit)
			} else {
				events, err = store.RecentEvents(cmd.Context(), limit)
				// Oldest first reads like a log.
				sort.SliceStable(events, func(i, j int) bool { return events[i].ID < events[j].ID })
			}
			if err != nil {
				return err
			}
			printEvents(out, events)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of rows")
	cmd.Flags().StringVar(&session, "session", "", "Only events of this daemon session")
	cmd.Flags().BoolVar(&sessions, "sessions", false, "List daemon sessions instead of events")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream live events from the event bus")
	return cmd
}

func printEvents(out io.Writer, events []eventstore.Event) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSESSION\tLEVEL\tTYPE\tMESSAGE")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.CreatedAt.Local().Format(time.DateTime), shortID(e.SessionID), e.Level, e.Type, withAttrs(e.Message, e.Attrs))
	}
	_ = tw.Flush()
}

func printSessions(out io.Writer, sessions []eventstore.Session) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tPID\tVERSION\tSTARTED\tSTOPPED")
	for _, s := range sessions {
		stopped := "-"
		if !s.StoppedAt.IsZero() {
			stopped = s.StoppedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", s.ID, s.PID, s.Version, s.StartedAt.Local().Format(time.DateTime), stopped)
	}
	_ = tw.Flush()
}

func followEvents(ctx context.Context, cfg config.Config, out io.Writer) error {
	if !cfg.Bus.Enabled {
		return fmt.Errorf("the event bus is disabled (bus.enabled)")
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := bus.Connect(ctx, cfg.Bus, nil, cliLogger(cfg))
	if err != nil {
		return err
	}
	defer client.Close()
	msgs := make(chan bus.Message, 64)
	sub, err := client.Subscribe(func(m bus.Message) {
		select {
		case msgs <- m:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	// Make sure the server has registered the subscription.
	if err := client.Flush(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-msgs:
			fmt.Fprintf(out, "%s %s %-5s %s %s\n", m.Time.Local().Format(time.TimeOnly), shortID(m.SessionID), m.Level, m.Type, withAttrs(m.Message, m.Attrs))
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func withAttrs(msg string, attrs map[string]string) string {
	if len(attrs) == 0 {
		return msg
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys)+1)
	parts = append(parts, msg)
	for _, k := range keys {
		parts = append(parts, k+"="+attrs[k])
	}
	return strings.Join(parts, " ")
}
