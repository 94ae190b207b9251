package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/halcyonlabs/chorus"
	"github.com/halcyonlabs/chorus/fabric"
	"github.com/halcyonlabs/chorus/internal/config"
	"github.com/halcyonlabs/chorus/store/sqlite"
)

func main() {
	// 1. Load config
	cfg := config.Load(os.Getenv("CHORUS_CONFIG"))
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Open the chat store
	store := sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
	if err := store.Init(ctx); err != nil {
		logger.Error("boot failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// 3. Seed the conversation daemon's bot user and a default room
	if err := seed(ctx, store, cfg, logger); err != nil {
		logger.Error("boot failed", "error", err)
		os.Exit(1)
	}

	// 4. Hub + websocket + HTTP facade
	hub := fabric.NewHub(store, fabric.WithHubLogger(logger))
	ws := fabric.NewServer(hub, store, fabric.WithServerLogger(logger))
	api := fabric.NewAPI(hub, store)

	mux := http.NewServeMux()
	mux.Handle("/ws", ws)
	api.Routes(mux)

	srv := &http.Server{
		Addr:    net.JoinHostPort(cfg.Fabric.Host, strconv.Itoa(cfg.Fabric.Port)),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("fabricd listening", "addr", srv.Addr)

	// 5. Run until signal
	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		os.Exit(130)
	case err := <-errCh:
		logger.Error("fabricd failed", "error", err)
		os.Exit(1)
	}
}

// seed ensures the conversation daemon can authenticate and has at
// least one room to sit in. Existing rows are left alone.
func seed(ctx context.Context, store chorus.ChatStore, cfg config.Config, logger *slog.Logger) error {
	token, err := chorus.LoadOrCreateToken(cfg.Fabric.TokenPath)
	if err != nil {
		return err
	}

	bot, err := store.UserByName(ctx, cfg.Instance)
	if err != nil {
		bot = chorus.User{
			ID:          chorus.NewID(),
			Username:    cfg.Instance,
			DisplayName: cfg.Instance,
			IsBot:       true,
			TokenHash:   fabric.TokenHash(token),
			CreatedAt:   chorus.NowUnix(),
		}
		if err := store.CreateUser(ctx, bot); err != nil {
			return err
		}
		logger.Info("seeded daemon user", "username", bot.Username)
	}

	rooms, err := store.ListRooms(ctx)
	if err != nil {
		return err
	}
	if len(rooms) == 0 {
		room := chorus.Room{
			ID:          chorus.NewID(),
			Name:        "general",
			DisplayName: "General",
			CreatedBy:   bot.ID,
			CreatedAt:   chorus.NowUnix(),
		}
		if err := store.CreateRoom(ctx, room); err != nil {
			return err
		}
		logger.Info("seeded default room", "name", room.Name)
	}
	return nil
}
