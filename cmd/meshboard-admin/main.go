// ABOUTME: Admin CLI for the meshboard store: pins, stats, cleanup, outbox, sessions
// ABOUTME: Thin wrapper over store reads and mutations, no state of its own

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/civicmesh/meshboard/internal/config"
	"github.com/civicmesh/meshboard/internal/retention"
	"github.com/civicmesh/meshboard/internal/store"
)

func main() {
	cfgPath, args := splitConfigFlag(os.Args[1:])
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		color.Red("Error: loading config: %v", err)
		os.Exit(1)
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		color.Red("Error: opening store: %v", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx := context.Background()

	switch args[0] {
	case "pin":
		err = cmdPin(ctx, st, args[1:])
	case "unpin":
		err = cmdUnpin(ctx, st, args[1:])
	case "stats":
		err = cmdStats(ctx, st)
	case "cleanup":
		err = cmdCleanup(ctx, st, cfg, args[1:])
	case "recent":
		err = cmdRecent(ctx, st, args[1:])
	case "search":
		err = cmdSearch(ctx, st, args[1:])
	case "outbox":
		err = cmdOutbox(ctx, st, args[1:])
	case "sessions":
		err = cmdSessions(ctx, st, args[1:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

// splitConfigFlag pulls a leading --config out of the argument list so it can
// precede the subcommand.
func splitConfigFlag(args []string) (string, []string) {
	cfgPath := os.Getenv("MESHBOARD_CONFIG")
	if cfgPath == "" {
		cfgPath = "meshboard.yaml"
	}

	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--config" && i+1 < len(args):
			cfgPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--config="):
			cfgPath = strings.TrimPrefix(args[i], "--config=")
		default:
			rest = append(rest, args[i])
		}
	}
	return cfgPath, rest
}

func printUsage() {
	yellow := color.New(color.FgYellow)

	fmt.Println("Usage: meshboard-admin [--config PATH] <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  pin ID [--order N]       Pin a message (appended last unless --order)")
	fmt.Println("  unpin ID                 Unpin a message")
	fmt.Println("  stats                    Show store row counts")
	fmt.Println("  cleanup [--channel C]    Run a retention sweep now")
	fmt.Println("  recent [--channel C] [--source S] [--limit N]")
	fmt.Println("                           Show recent messages")
	fmt.Println("  search TEXT [--channel C] [--sender S] [--limit N]")
	fmt.Println("                           Search message content")
	fmt.Println("  outbox list [--state S]  List outbox entries")
	fmt.Println("  outbox cancel ID         Cancel a queued entry")
	fmt.Println("  outbox clear             Drop all queued entries")
	fmt.Println("  sessions list            List sessions, most recently active first")
	fmt.Println("  sessions show ID         Show one session")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  MESHBOARD_CONFIG         Config path (default: meshboard.yaml)")
}

func parseID(args []string) (int64, error) {
	if len(args) < 1 {
		return 0, errors.New("message id is required")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", args[0])
	}
	return id, nil
}

func cmdPin(ctx context.Context, st *store.SQLiteStore, args []string) error {
	id, err := parseID(args)
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("pin", flag.ContinueOnError)
	order := fs.Int64("order", 0, "explicit pin order")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	var orderPtr *int64
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "order" {
			orderPtr = order
		}
	})

	if err := st.PinMessage(ctx, id, orderPtr); err != nil {
		return err
	}
	color.Green("pinned message %d", id)
	return nil
}

func cmdUnpin(ctx context.Context, st *store.SQLiteStore, args []string) error {
	id, err := parseID(args)
	if err != nil {
		return err
	}
	if err := st.UnpinMessage(ctx, id); err != nil {
		return err
	}
	color.Green("unpinned message %d", id)
	return nil
}

func cmdStats(ctx context.Context, st *store.SQLiteStore) error {
	stats, err := st.GetStats(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "messages\t%d\n", stats.Messages)
	fmt.Fprintf(w, "sessions\t%d\n", stats.Sessions)
	fmt.Fprintf(w, "outbox queued\t%d\n", stats.OutboxQueued)
	fmt.Fprintf(w, "outbox sent\t%d\n", stats.OutboxSent)
	fmt.Fprintf(w, "outbox dead\t%d\n", stats.OutboxDead)
	fmt.Fprintf(w, "votes\t%d\n", stats.Votes)
	return w.Flush()
}

func cmdCleanup(ctx context.Context, st *store.SQLiteStore, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	channel := fs.String("channel", "", "sweep a single channel")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *channel != "" {
		if _, ok := cfg.ChannelScope(*channel); !ok {
			return fmt.Errorf("channel %q is not configured", *channel)
		}
		cutoff := time.Now().Unix() - int64(cfg.Retention.MaxMessageAge/time.Second)
		aged, err := st.DeleteMessagesBefore(ctx, *channel, cutoff, 1000)
		if err != nil {
			return err
		}
		excess, err := st.DeleteExcessMessages(ctx, *channel, cfg.Retention.MaxPerChannel, 1000)
		if err != nil {
			return err
		}
		color.Green("deleted %d messages from %s", aged+excess, *channel)
		return nil
	}

	retention.New(st, cfg).RunOnce(ctx)
	color.Green("retention sweep complete")
	return nil
}

func cmdRecent(ctx context.Context, st *store.SQLiteStore, args []string) error {
	fs := flag.NewFlagSet("recent", flag.ContinueOnError)
	channel := fs.String("channel", "", "filter by channel")
	source := fs.String("source", "", "filter by source (mesh|wifi|local)")
	limit := fs.Int("limit", 20, "max rows")
	if err := fs.Parse(args); err != nil {
		return err
	}

	msgs, err := st.ListRecentMessages(ctx, *channel, *source, *limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIME\tCHANNEL\tSOURCE\tSENDER\tVOTES\tCONTENT")
	for _, m := range msgs {
		pin := ""
		if m.Pinned {
			pin = " *"
		}
		fmt.Fprintf(w, "%d%s\t%s\t%s\t%s\t%s\t+%d/-%d\t%s\n",
			m.ID, pin,
			time.Unix(m.TS, 0).Format("Jan 02 15:04"),
			m.Channel, m.Source, m.Sender,
			m.Upvotes, m.Downvotes,
			truncate(m.Content, 60))
	}
	return w.Flush()
}

func cmdSearch(ctx context.Context, st *store.SQLiteStore, args []string) error {
	if len(args) < 1 || strings.HasPrefix(args[0], "--") {
		return errors.New("search text is required")
	}
	query := args[0]

	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	channel := fs.String("channel", "", "filter by channel")
	sender := fs.String("sender", "", "filter by sender")
	limit := fs.Int("limit", 20, "max rows")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	msgs, err := st.SearchMessages(ctx, query, *channel, *sender, *limit)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		fmt.Println("no matches")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIME\tCHANNEL\tSENDER\tCONTENT")
	for _, m := range msgs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			m.ID,
			time.Unix(m.TS, 0).Format("Jan 02 15:04"),
			m.Channel, m.Sender,
			truncate(m.Content, 60))
	}
	return w.Flush()
}

func cmdOutbox(ctx context.Context, st *store.SQLiteStore, args []string) error {
	sub := "list"
	if len(args) > 0 {
		sub = args[0]
		args = args[1:]
	}

	switch sub {
	case "list":
		fs := flag.NewFlagSet("outbox list", flag.ContinueOnError)
		state := fs.String("state", "", "filter by state (queued|sent|dead)")
		limit := fs.Int("limit", 50, "max rows")
		if err := fs.Parse(args); err != nil {
			return err
		}

		entries, err := st.ListOutbox(ctx, *state, *limit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTIME\tCHANNEL\tSTATE\tATTEMPTS\tNEXT TRY\tERROR")
		for _, e := range entries {
			nextTry := "-"
			if e.State == store.StateQueued && e.NextAttemptAt > 0 {
				nextTry = time.Unix(e.NextAttemptAt, 0).Format("15:04:05")
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
				e.ID,
				time.Unix(e.TS, 0).Format("Jan 02 15:04"),
				e.Channel, e.State, e.AttemptCount, nextTry,
				truncate(e.LastError, 40))
		}
		return w.Flush()

	case "cancel":
		id, err := parseID(args)
		if err != nil {
			return err
		}
		if err := st.CancelOutboxEntry(ctx, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("no queued entry with id %d", id)
			}
			return err
		}
		color.Green("cancelled outbox entry %d", id)
		return nil

	case "clear":
		n, err := st.ClearQueuedOutbox(ctx)
		if err != nil {
			return err
		}
		color.Green("cleared %d queued entries", n)
		return nil

	default:
		return fmt.Errorf("unknown outbox subcommand %q", sub)
	}
}

func cmdSessions(ctx context.Context, st *store.SQLiteStore, args []string) error {
	sub := "list"
	if len(args) > 0 {
		sub = args[0]
		args = args[1:]
	}

	switch sub {
	case "list":
		fs := flag.NewFlagSet("sessions list", flag.ContinueOnError)
		limit := fs.Int("limit", 50, "max rows")
		if err := fs.Parse(args); err != nil {
			return err
		}

		sessions, err := st.ListSessions(ctx, *limit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tNAME\tMAC\tCREATED\tLAST POST\tWINDOW POSTS")
		for _, s := range sessions {
			lastPost := "-"
			if s.LastPostTS > 0 {
				lastPost = time.Unix(s.LastPostTS, 0).Format("Jan 02 15:04")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
				truncate(s.ID, 12), s.Name, s.MACAddress,
				time.Unix(s.CreatedTS, 0).Format("Jan 02 15:04"),
				lastPost, s.PostCountWindow)
		}
		return w.Flush()

	case "show":
		if len(args) < 1 {
			return errors.New("session id is required")
		}
		s, err := st.GetSession(ctx, args[0])
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("no session %q", args[0])
			}
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "session\t%s\n", s.ID)
		fmt.Fprintf(w, "name\t%s\n", s.Name)
		fmt.Fprintf(w, "location\t%s\n", s.Location)
		fmt.Fprintf(w, "mac\t%s\n", s.MACAddress)
		fmt.Fprintf(w, "fingerprint\t%s\n", s.Fingerprint)
		fmt.Fprintf(w, "created\t%s\n", time.Unix(s.CreatedTS, 0).Format(time.RFC3339))
		if s.LastPostTS > 0 {
			fmt.Fprintf(w, "last post\t%s\n", time.Unix(s.LastPostTS, 0).Format(time.RFC3339))
		}
		fmt.Fprintf(w, "window posts\t%d\n", s.PostCountWindow)
		return w.Flush()

	default:
		return fmt.Errorf("unknown sessions subcommand %q", sub)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
