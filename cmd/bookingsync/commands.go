package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bookingsync/internal/domain"
	"bookingsync/internal/events"
	"bookingsync/internal/models"

	"github.com/spf13/cobra"
)

var (
	startProject string
	startTags    []string
	startAt      string
	stopAt       string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the current booking live",
	Long: `Connects to the push channel and renders the running booking every
second. History, favorites and aggregate events are logged as they arrive.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current booking",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSession(cmd, func(ctx context.Context, a *app) (models.Snapshot, error) {
			return a.session.CurrentBooking(), nil
		})
	},
}

var startCmd = &cobra.Command{
	Use:     "start",
	Short:   "Start a booking",
	Example: `  bookingsync start --project p-42 --tag billable --tag meeting`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		req := domain.StartRequest{ProjectID: startProject}
		for _, id := range startTags {
			req.Tags = append(req.Tags, models.Tag{ID: id})
		}
		at, err := parseTime(startAt)
		if err != nil {
			return err
		}
		req.Start = at
		return withSession(cmd, func(ctx context.Context, a *app) (models.Snapshot, error) {
			return a.session.StartBooking(ctx, req)
		})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the current booking",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		end, err := parseTime(stopAt)
		if err != nil {
			return err
		}
		return withSession(cmd, func(ctx context.Context, a *app) (models.Snapshot, error) {
			return a.session.StopBooking(ctx, end)
		})
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause the running booking",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSession(cmd, func(ctx context.Context, a *app) (models.Snapshot, error) {
			return a.session.PauseBooking(ctx)
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume the paused booking",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSession(cmd, func(ctx context.Context, a *app) (models.Snapshot, error) {
			return a.session.ResumeBooking(ctx)
		})
	},
}

func init() {
	startCmd.Flags().StringVarP(&startProject, "project", "p", "", "Project to book against (required)")
	startCmd.Flags().StringSliceVarP(&startTags, "tag", "t", nil, "Tag id, repeatable")
	startCmd.Flags().StringVar(&startAt, "at", "", "Start time (RFC3339), defaults to now")
	_ = startCmd.MarkFlagRequired("project")

	stopCmd.Flags().StringVar(&stopAt, "at", "", "End time (RFC3339), defaults to now")
}

func parseTime(raw string) (*time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid time %q: %w", raw, err)
	}
	return &t, nil
}

// withSession starts a session, refreshes it from the server, runs fn and
// prints the resulting booking.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, a *app) (models.Snapshot, error)) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.session.Reload(ctx); err != nil {
		return fmt.Errorf("fetch current booking: %w", err)
	}
	snap, err := fn(ctx, a)
	if err != nil {
		return err
	}
	printSnapshot(cmd.OutOrStdout(), snap, a.session.Elapsed())
	return nil
}

func runWatch(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	a.startStatusServer(ctx)

	out := cmd.OutOrStdout()
	view := a.session.NewView(ctx)
	defer view.Close()

	if err := view.OnSnapshot(func(snap models.Snapshot) {
		printSnapshot(out, snap, a.session.Elapsed())
	}); err != nil {
		return err
	}
	if err := view.OnTick(func(elapsed time.Duration) {
		fmt.Fprintf(out, "\r%s %s ", a.session.CurrentBooking().State, models.FormatClock(elapsed))
	}, models.RunningTickInterval); err != nil {
		return err
	}

	logEvent := func(ev events.Event) error {
		a.logger.Info().
			Str("event_type", string(ev.Kind)).
			Str("entry_id", ev.EntryID).
			Uint64("seq", ev.Seq).
			Msg("event")
		return nil
	}
	for _, dim := range []models.Dimension{
		models.DimensionHistory,
		models.DimensionFavorites,
		models.DimensionCategory,
		models.DimensionProject,
		models.DimensionTag,
	} {
		if err := view.OnEvent(a.session.Scope(dim), logEvent); err != nil {
			return err
		}
	}

	if err := view.Reload(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("initial fetch failed, waiting for the push channel")
	}
	printSnapshot(out, a.session.CurrentBooking(), a.session.Elapsed())

	<-ctx.Done()
	fmt.Fprintln(out)
	a.logger.Info().Msg("shutdown signal received")
	return nil
}

func printSnapshot(w io.Writer, snap models.Snapshot, elapsed time.Duration) {
	if !snap.HasBooking() {
		fmt.Fprintln(w, "\nno booking")
		return
	}
	b := snap.Booking
	tags := make([]string, 0, len(b.Tags))
	for _, t := range b.Tags {
		name := t.Name
		if name == "" {
			name = t.ID
		}
		tags = append(tags, name)
	}
	mark := ""
	if snap.Provisional {
		mark = " (pending)"
	}
	fmt.Fprintf(w, "\n%s %s project=%s tags=[%s] since=%s elapsed=%s%s\n",
		snap.State, b.ID, b.ProjectID, strings.Join(tags, ","),
		b.Start.Local().Format(time.Kitchen), models.FormatClock(elapsed), mark)
}
