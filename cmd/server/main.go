package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"e2ee_core/internal/guard"
	bundleRepo "e2ee_core/internal/repository/bundle"
	"e2ee_core/internal/service/directory"
	redisSvc "e2ee_core/internal/service/redis"
	"e2ee_core/internal/service/server"
	"e2ee_core/internal/utils/log"
)

func main() {
	mongoDBClient, err := initMongo()
	if err != nil {
		panic(err)
	}

	db := mongoDBClient.Database("messaging")

	rdb := redis.NewClient(&redis.Options{
		Addr:     "localhost:6379",
		Password: "",
		DB:       0,
	})
	redisService := redisSvc.NewRedis(rdb)

	dir := directory.NewService(bundleRepo.NewBundleRepo(db))
	g := guard.New(guard.NewRedisReplayStore(redisService))

	s := server.NewHttpServer("localhost:9090", dir, g, redisService)
	go func() {
		if err := s.Run(); err != nil {
			log.Error("server stopped", zap.Error(err))
			os.Exit(1)
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	<-done
}

func initMongo() (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI("mongodb://localhost:27017"))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
