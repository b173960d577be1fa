package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"zchat/internal/blob"
	"zchat/internal/bus"
	"zchat/internal/config"
	"zchat/internal/domain"
	"zchat/internal/httpserver"
	"zchat/internal/logger"
	"zchat/internal/security"
	"zchat/internal/service"
	"zchat/internal/store/mongodb"
	"zchat/internal/store/postgres"
	"zchat/internal/store/sqlite"
	"zchat/internal/ws"
)

// @title           zChat API
// @version         1.0
// @description     Messaging backend: conversations, ordered messages, read state and live push.

// @contact.name    API Support
// @contact.url     http://www.swagger.io/support
// @contact.email   support@swagger.io

// @license.name    Apache 2.0
// @license.url     http://www.apache.org/licenses/LICENSE-2.0.html

// @host            localhost:8000
// @BasePath        /api

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zlog, err := logger.New(logger.Options{Service: cfg.AppName, Debug: cfg.Debug, Dir: cfg.LogDir})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	zlog = zlog.With(zap.String("env", cfg.Env))
	defer zlog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zlog); err != nil {
		zlog.Fatal("server stopped", zap.Error(err))
	}
	zlog.Info("server stopped")
}

// repos is the storage backend chosen by STORE_DRIVER.
type repos struct {
	users    domain.UserRepository
	convs    domain.ConversationRepository
	messages domain.MessageRepository
	reads    domain.ReadStateRepository
	close    func() error
}

func openStore(ctx context.Context, cfg *config.Config, zlog *zap.Logger) (*repos, error) {
	switch cfg.StoreDriver {
	case "postgres":
		db, err := postgres.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		zlog.Info("store ready", zap.String("driver", "postgres"))
		return &repos{
			users:    postgres.NewUserRepo(db),
			convs:    postgres.NewConversationRepo(db),
			messages: postgres.NewMessageRepo(db),
			reads:    postgres.NewReadStateRepo(db),
			close:    db.Close,
		}, nil

	case "mongo":
		db, err := mongodb.Open(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return nil, err
		}
		disconnect := func() error { return db.Client().Disconnect(context.Background()) }
		if err := mongodb.Migrate(ctx, db); err != nil {
			disconnect()
			return nil, fmt.Errorf("migrate mongo: %w", err)
		}
		zlog.Info("store ready", zap.String("driver", "mongo"), zap.String("db", cfg.MongoDB))
		return &repos{
			users:    mongodb.NewUserRepo(db),
			convs:    mongodb.NewConversationRepo(db),
			messages: mongodb.NewMessageRepo(db),
			reads:    mongodb.NewReadStateRepo(db),
			close:    disconnect,
		}, nil

	default:
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		if err := sqlite.Migrate(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		zlog.Info("store ready", zap.String("driver", "sqlite"), zap.String("path", cfg.SQLitePath))
		return sqliteRepos(db), nil
	}
}

func sqliteRepos(db *sql.DB) *repos {
	return &repos{
		users:    sqlite.NewUserRepo(db),
		convs:    sqlite.NewConversationRepo(db),
		messages: sqlite.NewMessageRepo(db),
		reads:    sqlite.NewReadStateRepo(db),
		close:    db.Close,
	}
}

// openBlobs returns the upload store and, for local storage, the store the
// router serves files from.
func openBlobs(ctx context.Context, cfg *config.Config) (blob.Store, *blob.LocalStore, error) {
	if cfg.BlobDriver == "minio" {
		s, err := blob.NewMinioStore(ctx, blob.MinioOptions{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			UseSSL:    cfg.Minio.UseSSL,
		})
		return s, nil, err
	}
	s, err := blob.NewLocalStore(cfg.UploadDir, cfg.PublicBaseURL)
	if err != nil {
		return nil, nil, err
	}
	return s, s, nil
}

func openRelay(cfg *config.Config, zlog *zap.Logger) (bus.Relay, error) {
	switch cfg.BusRelay {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return bus.NewRedisRelay(client, cfg.BusChannel, zlog), nil
	case "nats":
		nc, err := bus.DialNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			return nil, err
		}
		return bus.NewNATSRelay(nc, cfg.BusChannel, zlog), nil
	}
	return nil, nil
}

func run(ctx context.Context, cfg *config.Config, zlog *zap.Logger) error {
	// Security components
	tokens := security.NewTokenService(cfg.JWTSecret, time.Duration(cfg.AccessTokenMinutes)*time.Minute)
	hasher := security.NewPasswordHasher(0)
	cipher, err := security.NewTextCipher(cfg.EncryptKey, cfg.LegacyEncryptKeys)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}

	store, err := openStore(ctx, cfg, zlog)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.close()

	blobs, localFiles, err := openBlobs(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	relay, err := openRelay(cfg, zlog)
	if err != nil {
		return fmt.Errorf("open bus relay: %w", err)
	}
	busOpts := []bus.Option{bus.WithBuffer(cfg.SubscriberBuffer), bus.WithLogger(zlog.Named("bus"))}
	if relay != nil {
		busOpts = append(busOpts, bus.WithRelay(relay))
		zlog.Info("bus relay enabled", zap.String("relay", cfg.BusRelay), zap.String("channel", cfg.BusChannel))
	}
	events := bus.New(busOpts...)

	convSvc := service.NewConversationService(store.users, store.convs, cipher, events,
		zlog.Named("conversations"), cfg.ChannelName, cfg.ReservedNames())
	msgSvc := service.NewMessageService(store.convs, store.messages, store.reads, cipher, events,
		zlog.Named("messages"), cfg.MaxMessagesPerPage)
	readSvc := service.NewReadStateService(store.convs, store.reads, events, zlog.Named("reads"))
	authSvc := service.NewAuthService(store.users, tokens, hasher, convSvc, zlog.Named("auth"))

	push := ws.NewHandler(ws.Options{
		Auth:           authSvc,
		Bus:            events,
		Conversations:  convSvc,
		Messages:       msgSvc,
		Reads:          readSvc,
		Log:            zlog.Named("ws"),
		AllowedOrigins: cfg.CORSOrigins,
		PollInterval:   cfg.PollInterval,
	})

	router := httpserver.NewRouter(httpserver.Deps{
		Log:           zlog.Named("http"),
		CORSOrigins:   cfg.CORSOrigins,
		MaxUploadSize: cfg.MaxUploadMB << 20,
		Auth:          authSvc,
		Users:         service.NewUserService(store.users),
		Conversations: convSvc,
		Messages:      msgSvc,
		Reads:         readSvc,
		Blobs:         blobs,
		LocalFiles:    localFiles,
		WS:            push,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zlog.Info("starting zChat server", zap.String("addr", srv.Addr), zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return events.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		zlog.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zlog.Warn("graceful shutdown failed", zap.Error(err))
		}
		// Ends live push connections; Shutdown does not track hijacked ones.
		return events.Close()
	})
	return g.Wait()
}
