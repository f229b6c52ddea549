package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/taskmirror/taskmirror/internal/config"
	apperrors "github.com/taskmirror/taskmirror/internal/errors"
	"github.com/taskmirror/taskmirror/internal/logging"
	"github.com/taskmirror/taskmirror/internal/models"
	"github.com/taskmirror/taskmirror/internal/registry"
	"github.com/taskmirror/taskmirror/internal/state"
	"github.com/taskmirror/taskmirror/internal/store"
	"github.com/taskmirror/taskmirror/internal/syncer"
	"github.com/taskmirror/taskmirror/internal/tree"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("taskmirror starting",
		slog.String("version", Version),
		slog.String("account", cfg.AccountID),
		slog.String("device", cfg.DeviceName),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := state.Load()
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	token := cfg.Token
	if token == "" {
		token = appState.Token()
	} else if err := appState.SetToken(token); err != nil {
		logger.Warn("failed to cache session token", slog.String("error", err.Error()))
	}

	if token == "" {
		return fmt.Errorf("%w: set TASKMIRROR_TOKEN", apperrors.ErrInvalidToken)
	}

	cursor, err := appState.GetCursor(cfg.AccountID)
	if err != nil {
		return fmt.Errorf("loading cursor: %w", err)
	}

	sections := tree.DefaultSections()

	if cfg.SectionsFile != "" {
		sections, err = tree.LoadSections(cfg.SectionsFile)
		if err != nil {
			return fmt.Errorf("loading sections: %w", err)
		}
	}

	clock := store.NewVersionClock(cursor.Version)
	reg := registry.New()
	client := syncer.NewClient(cfg.APIBaseURL, token, nil)

	persistVersion := func(v models.Version) {
		if err := appState.SetCursor(cfg.AccountID, state.Cursor{Version: v}); err != nil {
			logger.Warn("failed to persist cursor", slog.String("error", err.Error()))
		}
	}

	applyTask := func(t models.Task, p models.FieldPatch) models.Task { return p.ApplyToTask(t) }
	applyEvent := func(e models.CalendarEvent, p models.FieldPatch) models.CalendarEvent { return p.ApplyToEvent(e) }
	applyListNode := func(n models.ListNode, p models.FieldPatch) models.ListNode { return p.ApplyToListNode(n) }

	errSink := func(err error) {
		if syncer.IsConflict(err) {
			logger.Error("mutation conflict, refresh advised", slog.String("error", err.Error()))
			return
		}

		logger.Error("sync error", slog.String("error", err.Error()))
	}

	tasks := syncer.NewController(syncer.ControllerConfig[models.Task]{
		Collection: models.CollectionTasks,
		Store:      store.New(applyTask),
		Registry:   reg,
		Clock:      clock,
		Transport:  syncer.Collection[models.Task](client, models.CollectionTasks),
		ErrorSink:  errSink,
		OnVersion:  persistVersion,
	}, logger)

	myday := syncer.NewController(syncer.ControllerConfig[models.Task]{
		Collection: models.CollectionMyDay,
		Store:      store.New(applyTask),
		Registry:   reg,
		Clock:      clock,
		Transport:  syncer.Collection[models.Task](client, models.CollectionMyDay),
		ErrorSink:  errSink,
		OnVersion:  persistVersion,
	}, logger)

	events := syncer.NewController(syncer.ControllerConfig[models.CalendarEvent]{
		Collection: models.CollectionEvents,
		Store:      store.New(applyEvent),
		Registry:   reg,
		Clock:      clock,
		Transport:  syncer.Collection[models.CalendarEvent](client, models.CollectionEvents),
		ErrorSink:  errSink,
		OnVersion:  persistVersion,
	}, logger)

	lists := syncer.NewController(syncer.ControllerConfig[models.ListNode]{
		Collection: models.CollectionLists,
		Store:      store.New(applyListNode),
		Registry:   reg,
		Clock:      clock,
		Transport:  syncer.Collection[models.ListNode](client, models.CollectionLists),
		ErrorSink:  errSink,
		OnVersion:  persistVersion,
	}, logger)

	router := syncer.NewRouter(syncer.RouterConfig{
		Tasks:     tasks,
		MyDay:     myday,
		Events:    events,
		Lists:     lists,
		Clock:     clock,
		OnVersion: persistVersion,
	}, logger)

	// Constructed here so embedding UIs reach drag-and-drop through the
	// same wiring; the daemon itself never drops anything.
	_ = syncer.NewDropHandler(lists, sections, logger)

	push := syncer.NewPushChannel(syncer.PushConfig{
		Host:    cfg.PushHost,
		Token:   token,
		Account: cfg.AccountID,
		Device:  cfg.DeviceName,
		Initial: cursor.Initial,
		Clock:   clock,
		Handler: router.Handle,
	}, logger)

	if err := push.Connect(ctx); err != nil {
		return fmt.Errorf("connecting push channel: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return push.Listen(gctx)
	})

	g.Go(func() error {
		// Initial materialization. Each channel fetches once; later
		// changes arrive as push deltas.
		for _, refresh := range []func(context.Context) error{
			tasks.Refresh, myday.Refresh, events.Refresh, lists.Refresh,
		} {
			if err := refresh(gctx); err != nil {
				return err
			}
		}

		if err := appState.SetCursor(cfg.AccountID, state.Cursor{Version: clock.Current()}); err != nil {
			logger.Warn("failed to persist cursor", slog.String("error", err.Error()))
		}

		logger.Info("initial sync complete", slog.String("version", string(clock.Current())))

		return nil
	})

	return g.Wait()
}
