package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"securemsg/internal/config"
	"securemsg/internal/repository/store"
	"securemsg/internal/service/directory"
	"securemsg/internal/service/messenger"
	redisSvc "securemsg/internal/service/redis"
	"securemsg/internal/service/transport"
	"securemsg/internal/utils/log"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var (
	cfgPath string
	cfg     *config.Config
)

// session is an opened device: its messenger plus whatever has to be closed
// with it.
type session struct {
	m       *messenger.Messenger
	closers []func() error
}

func (s *session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func main() {
	root := &cobra.Command{
		Use:           "securemsg",
		Short:         "End-to-end encrypted messaging client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg, err = config.Load(cfgPath, cmd.Flags()); err != nil {
				return err
			}
			return log.Init(cfg.Log.Level, cfg.Log.Development)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			log.Sync()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&cfgPath, "config", "c", "", "path to a YAML config file")
	pf.String("log-level", "", "debug, info, warn or error")
	pf.String("server", "", "relay server URL")
	pf.StringP("user", "u", "", "user id")
	pf.StringP("device", "d", "", "device id")
	pf.String("store", "", "directory holding device state")
	pf.String("state", "", "state backend: badger or redis")
	pf.Uint32("skip-window", 0, "maximum skipped message keys per chain")

	root.AddCommand(
		initCmd(),
		fingerprintCmd(),
		rotateCmd(),
		sendCmd(),
		listenCmd(),
		revokeCmd(),
		refreshCmd(),
		groupCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// open connects this device to the relay. Without online the device still
// talks to the directory but cannot send or receive.
func open(ctx context.Context, online bool) (*session, error) {
	c := cfg.Client
	if c.User == "" || c.Device == "" {
		return nil, fmt.Errorf("--user and --device are required")
	}
	s := &session{}

	st, err := openState(ctx, s)
	if err != nil {
		s.Close()
		return nil, err
	}

	dir, err := directory.NewHTTPClient(c.ServerURL, nil)
	if err != nil {
		s.Close()
		return nil, err
	}

	opts := messenger.Options{
		Directory:       dir,
		Storage:         st,
		SkipWindow:      cfg.Ratchet.SkipWindow,
		OneTimePreKeys:  cfg.Keys.OneTimePreKeys,
		SignedPreKeyTTL: cfg.Keys.SignedPreKeyTTL,
	}
	if online {
		tr, err := transport.Dial(ctx, c.ServerURL, transport.Address(c.User, c.Device))
		if err != nil {
			s.Close()
			return nil, err
		}
		opts.Transport = tr
	}

	m, err := messenger.Connect(ctx, c.User, c.Device, opts)
	if err != nil {
		if opts.Transport != nil {
			opts.Transport.Close()
		}
		s.Close()
		return nil, err
	}
	s.m = m
	s.closers = append(s.closers, m.Close)
	return s, nil
}

func openState(ctx context.Context, s *session) (store.Storage, error) {
	if cfg.Client.State == "redis" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s.closers = append(s.closers, rdb.Close)

		svc := redisSvc.NewRedis(rdb)
		if err := svc.Ping(ctx); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		prefix := fmt.Sprintf("state:%s:", transport.Address(cfg.Client.User, cfg.Client.Device))
		return store.NewRedis(svc, prefix, 0), nil
	}

	b, err := store.OpenBadger(cfg.Client.StorePath)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, b.Close)
	return b, nil
}

// linger keeps the connection open for a moment after a one-shot command so
// frames queued for this device are decrypted instead of lost.
func linger(ctx context.Context, s *session, d time.Duration, blobs string) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	s.m.Listen(ctx, printer(blobs))
}
