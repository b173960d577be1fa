// Command chatwatch logs in to a zchat server and keeps a live view of the
// user's conversations, logging unread counts and new messages.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"zchat/internal/client"
	"zchat/internal/logger"
	"zchat/internal/reconcile"
)

type options struct {
	Server       string
	Email        string
	Password     string
	Watch        []int64
	PollInterval time.Duration
	Debug        bool
}

// loadOptions reads CHATWATCH_* variables (and .env); flags override them.
func loadOptions() (options, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("CHATWATCH")
	v.AutomaticEnv()
	v.SetDefault("SERVER", "http://localhost:8000")
	v.SetDefault("POLL_INTERVAL_SECONDS", int(reconcile.DefaultPollInterval/time.Second))

	server := flag.String("server", v.GetString("SERVER"), "server base URL")
	email := flag.String("email", v.GetString("EMAIL"), "login email")
	password := flag.String("password", v.GetString("PASSWORD"), "login password")
	watch := flag.String("watch", v.GetString("WATCH"), "comma-separated conversation ids to follow")
	poll := flag.Int("poll", v.GetInt("POLL_INTERVAL_SECONDS"), "poll interval in seconds")
	debug := flag.Bool("debug", v.GetBool("DEBUG"), "debug logging")
	flag.Parse()

	opts := options{
		Server:       *server,
		Email:        *email,
		Password:     *password,
		PollInterval: time.Duration(*poll) * time.Second,
		Debug:        *debug,
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = reconcile.DefaultPollInterval
	}
	for _, part := range strings.Split(*watch, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return options{}, err
		}
		opts.Watch = append(opts.Watch, id)
	}
	return opts, nil
}

func main() {
	opts, err := loadOptions()
	if err != nil {
		log.Fatalf("invalid options: %v", err)
	}
	if opts.Email == "" || opts.Password == "" {
		log.Fatal("email and password are required (CHATWATCH_EMAIL, CHATWATCH_PASSWORD or flags)")
	}

	zlog, err := logger.New(logger.Options{Service: "chatwatch", Debug: opts.Debug})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zlog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, zlog); err != nil {
		zlog.Fatal("chatwatch stopped", zap.Error(err))
	}
}

func run(ctx context.Context, opts options, zlog *zap.Logger) error {
	c := client.New(opts.Server, client.WithLogger(zlog.Named("client")))
	self, err := c.Login(ctx, opts.Email, opts.Password)
	if err != nil {
		return err
	}

	syncer := reconcile.NewSyncer(c, self.ID,
		reconcile.WithPollInterval(opts.PollInterval),
		reconcile.WithSyncLogger(zlog.Named("sync")))
	views := make(map[int64]*reconcile.View, len(opts.Watch))
	for _, id := range opts.Watch {
		views[id] = syncer.Watch(id)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return syncer.Run(gctx, c.Push(gctx, syncer))
	})
	g.Go(func() error {
		report(gctx, syncer, views, opts.PollInterval, zlog)
		return nil
	})
	return g.Wait()
}

// report logs the inbox and watched messages above the highest seq already
// logged. A message filling an earlier gap is not logged.
func report(ctx context.Context, syncer *reconcile.Syncer, views map[int64]*reconcile.View, every time.Duration, zlog *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	shown := make(map[int64]int64, len(views))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		inbox := syncer.Inbox()
		zlog.Info("inbox",
			zap.Int("conversations", len(inbox.Conversations())),
			zap.Int("unread", inbox.TotalUnread()))

		for id, v := range views {
			for _, m := range v.Messages() {
				if m.Seq <= shown[id] {
					continue
				}
				shown[id] = m.Seq
				zlog.Info("message",
					zap.Int64("conversation_id", id),
					zap.Int64("seq", m.Seq),
					zap.Int64("sender_id", m.SenderID),
					zap.String("kind", string(m.Payload.Kind)),
					zap.String("preview", m.Payload.Preview()))
			}
		}
	}
}
