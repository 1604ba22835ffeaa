package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"securemsg/internal/config"
	"securemsg/internal/repository/bundle"
	"securemsg/internal/service/directory"
	redisSvc "securemsg/internal/service/redis"
	"securemsg/internal/service/server"
	"securemsg/internal/utils/log"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

func main() {
	flags := pflag.NewFlagSet("securemsg-server", pflag.ExitOnError)
	cfgPath := flags.String("config", "", "path to a YAML config file")
	flags.String("addr", "", "listen address")
	flags.String("log-level", "", "debug, info, warn or error")
	inMemory := flags.Bool("in-memory", false, "keep the directory and offline queue in memory")
	flags.Parse(os.Args[1:])

	cfg, err := config.Load(*cfgPath, flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := log.Init(cfg.Log.Level, cfg.Log.Development); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	var (
		dir   directory.Directory = directory.NewMemory()
		queue server.Queue        = server.NewMemoryQueue()
	)
	if !*inMemory {
		mongoDBClient, err := initMongo(cfg.Mongo)
		if err != nil {
			log.Fatal("connect mongo failed", zap.Error(err))
		}
		defer mongoDBClient.Disconnect(context.Background())

		repo := bundle.NewBundleRepo(mongoDBClient.Database(cfg.Mongo.Database))
		if err := repo.EnsureIndexes(context.Background()); err != nil {
			log.Fatal("ensure indexes failed", zap.Error(err))
		}
		dir = repo

		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		svc := redisSvc.NewRedis(rdb)
		if err := svc.Ping(context.Background()); err != nil {
			log.Fatal("connect redis failed", zap.Error(err))
		}
		queue = server.NewRedisQueue(svc, cfg.Redis.QueueTTL)
	}

	c := server.NewHttpServer(dir, queue)
	errc := make(chan error, 1)
	go func() {
		errc <- c.Run(cfg.Server.Addr, cfg.Server.ReadTimeout, cfg.Server.WriteTimeout)
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errc:
		if err != nil {
			log.Error("relay stopped", zap.Error(err))
		}
	case <-done:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.Shutdown(ctx); err != nil {
			log.Error("shutdown failed", zap.Error(err))
		}
	}
}

func initMongo(cfg config.MongoConfig) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
