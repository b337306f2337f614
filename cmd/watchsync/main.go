package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"watchsync/internal/catalog"
	"watchsync/internal/cloudsync"
	"watchsync/internal/config"
	"watchsync/internal/conflict"
	"watchsync/internal/localstore"
	"watchsync/internal/logging"
	"watchsync/internal/models"
	"watchsync/internal/state"
)

const usage = `usage: watchsync [-on-conflict=report|mine|server|ask] <command> [args]

commands:
  snapshot                       print every record known to this device
  favorite <item> on|off         mark or unmark a favorite
  status <item> <status> [n]     set watch status and progress; status "none" removes it
  review <item> <episode> [text] write an episode review; empty text removes it
  watch                          stay connected and print changes as they arrive
  sync-status                    print connection and queue state after one sync
`

// client bundles one device's state: the cache, its local store and, in remote mode,
// the sync manager.
type client struct {
	cfg      config.ClientConfig
	log      *logging.Logger
	store    *localstore.Store
	cache    *state.Cache
	resolver *conflict.Resolver
	manager  *cloudsync.Manager
}

func main() {
	fs := flag.NewFlagSet("watchsync", flag.ExitOnError)
	policy := fs.String("on-conflict", "report", "how to settle a rejected write: report, mine, server or ask")
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	_ = fs.Parse(os.Args[1:])
	args := fs.Args()
	if len(args) == 0 {
		fs.Usage()
		os.Exit(2)
	}
	switch *policy {
	case "report", "mine", "server", "ask":
	default:
		fmt.Fprintf(os.Stderr, "unknown conflict policy %q\n", *policy)
		os.Exit(2)
	}

	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewWithWriter(cfg.LogLevel, "console", os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := newClient(cfg, logger)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	code := c.run(ctx, *policy, args)
	if err := c.store.Close(); err != nil {
		logger.Warnf("close state: %v", err)
	}
	os.Exit(code)
}

func newClient(cfg config.ClientConfig, logger *logging.Logger) (*client, error) {
	store, err := localstore.Open(cfg.StatePath)
	if err != nil {
		return nil, err
	}
	c := &client{cfg: cfg, log: logger, store: store}
	tracker := state.NewSyncTracker(cfg.Mode)

	switch cfg.Mode {
	case config.ModeLocal:
		backend := localstore.NewBackend(store, catalog.NewStatic(cfg.Catalog))
		c.cache = state.NewCache(state.Options{Backend: backend, Tracker: tracker, Log: logger})
	case config.ModeRemote:
		api := cloudsync.NewClient(cloudsync.NewHTTPClient(cfg), cfg.BaseURL, cfg.Token, cfg.UserID, cfg.DeviceID)
		outbox := localstore.NewOutbox(store)
		c.cache = state.NewCache(state.Options{
			Backend:       api,
			Outbox:        outbox,
			Tracker:       tracker,
			Log:           logger.With("component", "cache"),
			SubmitTimeout: time.Duration(cfg.RequestTimeoutSec) * time.Second,
		})
		c.manager = cloudsync.NewManager(cloudsync.ManagerOptions{
			Client:     api,
			Cache:      c.cache,
			Outbox:     outbox,
			Mirror:     store,
			Log:        logger.With("component", "sync"),
			MaxBackoff: time.Duration(cfg.MaxReconnectSec) * time.Second,
		})
		c.cache.OnChange(func(rec models.Record) {
			if err := store.PutRecord(rec); err != nil {
				logger.Warnf("mirror %s: %v", rec.ID(), err)
			}
		})
	}

	c.resolver = conflict.NewResolver(c.cache, logger.With("component", "conflict"))
	c.cache.SetConflictSink(c.resolver)

	records, err := store.Records()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := c.cache.Load(records); err != nil {
		_ = store.Close()
		return nil, err
	}
	return c, nil
}

func (c *client) run(ctx context.Context, policy string, args []string) int {
	cmd, rest := args[0], args[1:]
	if cmd == "watch" {
		return c.watch(ctx, policy)
	}

	if c.manager != nil {
		if err := c.manager.SyncOnce(ctx); err != nil {
			c.log.Warnf("sync failed, working offline: %v", err)
		}
	}

	var err error
	switch cmd {
	case "snapshot":
		return printJSON(c.cache.Snapshot())
	case "sync-status":
		return printJSON(c.cache.Tracker().Snapshot())
	case "favorite":
		err = c.favorite(ctx, rest)
	case "status":
		err = c.status(ctx, rest)
	case "review":
		err = c.review(ctx, rest)
	default:
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	if err != nil {
		c.log.Errorf("%s: %v", cmd, err)
		return 2
	}
	c.cache.Wait()
	return c.settle(ctx, policy)
}

func (c *client) favorite(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("want <item> on|off")
	}
	on, err := parseOnOff(args[1])
	if err != nil {
		return err
	}
	_, err = c.cache.Favorite(ctx, args[0], on)
	return err
}

func (c *client) status(ctx context.Context, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return errors.New("want <item> <status> [progress]")
	}
	raw := args[1]
	if raw == "none" {
		raw = ""
	}
	st, err := models.ParseWatchStatus(raw)
	if err != nil {
		return err
	}
	progress := 0
	if len(args) == 3 {
		if progress, err = strconv.Atoi(args[2]); err != nil {
			return fmt.Errorf("progress: %w", err)
		}
	}
	_, err = c.cache.SetStatus(ctx, args[0], st, progress)
	return err
}

func (c *client) review(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("want <item> <episode> [text]")
	}
	ep, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("episode: %w", err)
	}
	_, err = c.cache.SetEpisodeReview(ctx, args[0], ep, strings.Join(args[2:], " "))
	return err
}

// settle works through every queued conflict with policy. It returns 3 when conflicts
// are left unresolved.
func (c *client) settle(ctx context.Context, policy string) int {
	in := bufio.NewReader(os.Stdin)
	for {
		head, ok := c.resolver.Current()
		if !ok {
			return 0
		}
		choice := policy
		if policy == "ask" {
			choice = prompt(in, head)
		}
		switch choice {
		case "mine":
			if _, err := c.resolver.KeepMine(ctx); err != nil {
				c.log.Errorf("keep mine %s: %v", head.ID(), err)
				return 3
			}
			c.cache.Wait()
		case "server":
			if err := c.resolver.KeepServer(); err != nil {
				c.log.Errorf("keep server %s: %v", head.ID(), err)
				return 3
			}
		default:
			_ = printJSON(head)
			return 3
		}
	}
}

func (c *client) watch(ctx context.Context, policy string) int {
	if c.manager == nil {
		c.log.Errorf("watch needs remote mode")
		return 2
	}
	c.cache.OnChange(func(rec models.Record) { _ = printJSON(models.EventFor(rec)) })

	presenting := make(chan struct{}, 1)
	c.resolver.OnChange(func(s conflict.State, _ models.Conflict) {
		if s != conflict.Presenting {
			return
		}
		select {
		case presenting <- struct{}{}:
		default:
		}
	})

	errc := make(chan error, 1)
	go func() { errc <- c.manager.Run(ctx) }()
	for {
		select {
		case <-presenting:
			if code := c.settle(ctx, policy); code != 0 && policy != "report" {
				c.log.Warnf("conflict left unresolved")
			}
		case err := <-errc:
			c.cache.Wait()
			if err != nil && !errors.Is(err, context.Canceled) {
				c.log.Errorf("sync stopped: %v", err)
				return 1
			}
			return 0
		}
	}
}

func prompt(in *bufio.Reader, head models.Conflict) string {
	fmt.Fprintf(os.Stderr, "%s changed on another device.\n", head.ID())
	fmt.Fprintf(os.Stderr, "  mine:   %s\n", describe(head.Kind, head.Proposed))
	fmt.Fprintf(os.Stderr, "  server: %s\n", describe(head.Kind, head.ServerVersion.Value))
	fmt.Fprint(os.Stderr, "keep [m]ine or [s]erver? ")
	line, _ := in.ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "m", "mine":
		return "mine"
	case "s", "server":
		return "server"
	}
	return "report"
}

func describe(kind models.RecordKind, v models.Value) string {
	switch kind {
	case models.KindFavorite:
		return strconv.FormatBool(v.Favorite)
	case models.KindStatus:
		if v.Status == "" {
			return "(removed)"
		}
		return fmt.Sprintf("%s at %d", v.Status, v.Progress)
	default:
		if v.Text == "" {
			return "(removed)"
		}
		return strconv.Quote(v.Text)
	}
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("want on or off, got %q", s)
}

func printJSON(v any) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "encode: %v\n", err)
		return 1
	}
	return 0
}
