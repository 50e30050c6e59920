package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"rosterd/internal/config"
	"rosterd/internal/crypto"
	"rosterd/internal/dualstore"
	api "rosterd/internal/http"
	"rosterd/internal/model"
	"rosterd/internal/repository"
	rsync "rosterd/internal/sync"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmsgprefix)
	log.SetPrefix("rosterd ")

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("loading .env: %v", err)
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := dualstore.Connect(ctx, cfg)
	if err != nil {
		log.Fatalf("connecting stores: %v", err)
	}
	defer stores.Close()

	if err := ensureRootAdmin(ctx, stores.Primary(), cfg.RootAdminPassword); err != nil {
		log.Printf("root admin bootstrap: %v", err)
	}

	var syncer api.Syncer
	if cfg.SyncEnabled && stores.Remote != nil && stores.Local.Store != nil && stores.Remote.Store != nil {
		var locker rsync.Locker
		if cfg.RedisAddr != "" {
			client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
			pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			if err := client.Ping(pingCtx).Err(); err != nil {
				log.Printf("redis unavailable, sync lock disabled: %v", err)
			} else {
				locker = rsync.NewRedisLock(client, cfg.SyncLockTTL)
			}
			cancel()
		}

		engine := rsync.New(stores.Local.Store, stores.Remote.Store, rsync.Options{
			Interval: cfg.SyncInterval,
			Timeout:  cfg.SyncTimeout,
			Locker:   locker,
			Healthy:  stores.BothHealthy,
		})
		engine.Start(ctx)
		syncer = engine
	} else {
		log.Printf("sync disabled (enabled=%v, remote configured=%v)", cfg.SyncEnabled, stores.Remote != nil)
	}

	server := api.NewServer(cfg, stores.Primary(), syncer)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s (primary store: %s)", cfg.HTTPAddr, stores.PrimaryName())
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Printf("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}
}

// ensureRootAdmin creates the protected administrator account on first start
// so a fresh deployment can be managed without seeding the database by hand.
func ensureRootAdmin(ctx context.Context, store *repository.Store, password string) error {
	_, err := store.GetByIdentifier(ctx, model.RootAdminUsername)
	if err == nil {
		return nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return err
	}

	hash, err := crypto.HashPassword(password)
	if err != nil {
		return err
	}
	year := time.Now().UTC().Year()
	seq, err := store.MaxStudentSeq(ctx, year)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	admin := model.Student{
		ID:           uuid.NewString(),
		StudentID:    model.FormatStudentID(year, seq+1),
		Name:         "Administrator",
		Username:     model.RootAdminUsername,
		Email:        "admin@rosterd.local",
		PasswordHash: hash,
		Courses:      []string{},
		IsAdmin:      true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := store.CreateStudent(ctx, admin); err != nil {
		if errors.Is(err, model.ErrDuplicate) {
			return nil
		}
		return err
	}
	log.Printf("created root admin account (%s)", admin.StudentID)
	return nil
}
