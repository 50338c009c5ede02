// Command psp drives live browser sessions from the terminal: capture a
// page's state into the store, restore it into a fresh browser, replay a
// recorded interaction trace, and manage the store itself.
//
// Usage:
//
//	psp capture -url https://example.com -name "login flow" [-record]
//	psp restore -id ses_...
//	psp replay -id ses_... [-speed 2]
//	psp list
//	psp delete -id ses_...
//	psp sync
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	_ "modernc.org/sqlite"

	"github.com/portablesession/psp/adapter/rodadapter"
	"github.com/portablesession/psp/config"
	"github.com/portablesession/psp/dbopen"
	"github.com/portablesession/psp/idgen"
	"github.com/portablesession/psp/recorder"
	"github.com/portablesession/psp/replay"
	"github.com/portablesession/psp/state"
	"github.com/portablesession/psp/storage"
	"github.com/portablesession/psp/syncer"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	var err error
	switch os.Args[1] {
	case "capture":
		err = cmdCapture(ctx, os.Args[2:])
	case "restore":
		err = cmdRestore(ctx, os.Args[2:])
	case "replay":
		err = cmdReplay(ctx, os.Args[2:])
	case "list":
		err = cmdList(ctx, os.Args[2:])
	case "delete":
		err = cmdDelete(ctx, os.Args[2:])
	case "sync":
		err = cmdSync(ctx, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error("psp: "+os.Args[1], "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: psp <capture|restore|replay|list|delete|sync> [flags]")
}

// commonFlags registers the flags every subcommand shares.
func commonFlags(fs *flag.FlagSet) *string {
	return fs.String("config", "", "path to psp.yaml config file")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadFile(path)
}

// openStore opens the local backend for CLI use. The returned close func
// is a no-op for non-sqlite drivers.
func openStore(cfg config.StoreConfig) (storage.Backend, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Driver {
	case "sqlite":
		db, err := dbopen.Open(cfg.Path, dbopen.WithMkdirAll(), dbopen.WithSchema(storage.Schema))
		if err != nil {
			return nil, nil, err
		}
		return storage.NewSQLite(db), db.Close, nil
	case "fs":
		fs, err := storage.NewFS(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return fs, noop, nil
	case "memory":
		return storage.NewMemory(), noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func openPage(ctx context.Context, cfg config.BrowserConfig, url string) (*rodadapter.Browser, *rodadapter.Page, error) {
	browser, err := rodadapter.Launch(rodadapter.BrowserConfig{
		RemoteURL: cfg.Remote,
		Headless:  cfg.Headless,
	})
	if err != nil {
		return nil, nil, err
	}
	page, err := rodadapter.Open(ctx, browser, url, cfg.Stealth)
	if err != nil {
		browser.Close()
		return nil, nil, err
	}
	return browser, page, nil
}

func cmdCapture(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("capture", flag.ExitOnError)
	configPath := commonFlags(fs)
	url := fs.String("url", "", "page to open (required)")
	name := fs.String("name", "", "session name")
	record := fs.Bool("record", false, "record interaction events until interrupted")
	scroll := fs.Bool("scroll", false, "also record scroll events")
	content := fs.Bool("content", false, "store a markdown snapshot of the page")
	fs.Parse(args)

	if *url == "" {
		return fmt.Errorf("-url is required")
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	store, closeStore, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	browser, page, err := openPage(ctx, cfg.Browser, *url)
	if err != nil {
		return err
	}
	defer browser.Close()
	defer page.Close()

	var recording *state.RecordingState
	if *record {
		rec := recorder.New(page, recorder.WithPollInterval(cfg.Browser.PollInterval))
		flags := recorder.DefaultFlags()
		flags.Scroll = *scroll
		if err := rec.Start(ctx, flags); err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, "recording; interact with the page, then press Ctrl-C to capture")
		<-ctx.Done()
		// The signal context is spent; use a fresh one for teardown.
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		ctx = stopCtx
		recording, err = rec.Stop(ctx)
		if err != nil {
			return err
		}
	}

	s, err := page.CaptureState(ctx)
	if err != nil {
		return err
	}
	s.Recording = recording
	if *content {
		if err := page.CapturePageContent(ctx, s); err != nil {
			slog.Warn("psp: page content capture failed", "error", err)
		}
	}

	body, err := json.Marshal(s)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	meta := state.Metadata{
		ID:        idgen.Session(),
		Name:      *name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.Upload(ctx, meta.ID, body, meta); err != nil {
		return err
	}
	fmt.Println(meta.ID)
	return nil
}

// loadSession pulls a session's state document from the store.
func loadSession(ctx context.Context, store storage.Backend, id string) (*state.SessionState, error) {
	body, _, err := store.Download(ctx, id)
	if err != nil {
		return nil, err
	}
	var s state.SessionState
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &s, nil
}

func cmdRestore(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	configPath := commonFlags(fs)
	id := fs.String("id", "", "session id (required)")
	fs.Parse(args)

	if *id == "" {
		return fmt.Errorf("-id is required")
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	store, closeStore, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	s, err := loadSession(ctx, store, *id)
	if err != nil {
		return err
	}

	browser, page, err := openPage(ctx, cfg.Browser, s.Origin)
	if err != nil {
		return err
	}
	defer browser.Close()
	defer page.Close()

	if err := page.ApplyState(ctx, s); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "session restored; press Ctrl-C to close")
	<-ctx.Done()
	return nil
}

func cmdReplay(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	configPath := commonFlags(fs)
	id := fs.String("id", "", "session id (required)")
	speed := fs.Float64("speed", 1.0, "playback speed multiplier")
	keepGoing := fs.Bool("continue-on-error", false, "log failed events instead of halting")
	fs.Parse(args)

	if *id == "" {
		return fmt.Errorf("-id is required")
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	store, closeStore, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	s, err := loadSession(ctx, store, *id)
	if err != nil {
		return err
	}
	if s.Recording == nil || len(s.Recording.Events) == 0 {
		return fmt.Errorf("session %s has no recording", *id)
	}

	browser, page, err := openPage(ctx, cfg.Browser, s.Origin)
	if err != nil {
		return err
	}
	defer browser.Close()
	defer page.Close()

	if err := page.ApplyState(ctx, s); err != nil {
		return err
	}

	player := replay.New(page)
	if err := player.Play(ctx, s.Recording.Events, replay.Options{
		Speed:           *speed,
		ContinueOnError: *keepGoing,
	}); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "replayed %d events\n", len(s.Recording.Events))
	return nil
}

func cmdList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := commonFlags(fs)
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	store, closeStore, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	metas, err := store.List(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tUPDATED")
	for _, m := range metas {
		fmt.Fprintf(w, "%s\t%s\t%s\n", m.ID, m.Name, time.UnixMilli(m.UpdatedAt).Format(time.RFC3339))
	}
	return w.Flush()
}

func cmdDelete(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	configPath := commonFlags(fs)
	id := fs.String("id", "", "session id (required)")
	fs.Parse(args)

	if *id == "" {
		return fmt.Errorf("-id is required")
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	store, closeStore, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()
	return store.Delete(ctx, *id)
}

func cmdSync(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	configPath := commonFlags(fs)
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if cfg.Sync.Remote == "" {
		return fmt.Errorf("sync.remote is not configured")
	}
	store, closeStore, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	var ropts []storage.RemoteOption
	if cfg.Sync.APIKey != "" {
		ropts = append(ropts, storage.WithAPIKey(cfg.Sync.APIKey))
	}
	var remote storage.Backend = storage.NewRemote(cfg.Sync.Remote, ropts...)
	if cfg.Sync.Retries > 0 {
		remote = storage.WithRetry(remote, cfg.Sync.Retries, cfg.Sync.Backoff, slog.Default())
	}

	var policy syncer.Policy = syncer.LatestWins{}
	if cfg.Sync.Policy == "manual_review" {
		policy = syncer.ManualReview{}
	}
	results, err := syncer.New(store, syncer.WithPolicy(policy)).Sync(ctx, remote)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tACTION\tDETAIL")
	for _, r := range results {
		detail := ""
		switch {
		case r.Err != nil:
			detail = r.Err.Error()
		case r.Conflict != nil:
			detail = fmt.Sprintf("local=%d remote=%d", r.Conflict.LocalUpdatedAt, r.Conflict.RemoteUpdatedAt)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.ID, r.Action, detail)
	}
	return w.Flush()
}
