package stores

import (
	"context"
	"cowrite-server/config"
	"cowrite-server/core"
	"cowrite-server/stores/memory"
	"cowrite-server/stores/postgres"
	redisstore "cowrite-server/stores/redis"
	"cowrite-server/stores/sqlite"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// GetStore opens the backend selected by cfg.StorageType.
func GetStore(ctx context.Context, cfg *config.Config) (core.Store, error) {
	var (
		store core.Store
		err   error
	)

	storageField := logrus.Fields{
		"storageType": cfg.StorageType,
	}

	switch cfg.StorageType {
	case "sqlite":
		storageField["dataSourceName"] = cfg.DataSourceName
		store, err = sqlite.NewStore(cfg.DataSourceName)
	case "redis":
		storageField["redisAddr"] = cfg.RedisAddr
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err = client.Ping(ctx).Err(); err != nil {
			client.Close()
			break
		}
		store = redisstore.NewStore(client, cfg.RedisPrefix)
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("POSTGRES_DSN environment variable must be set for postgres storage type")
		}
		store, err = postgres.NewStore(ctx, cfg.PostgresDSN)
	case "", "memory":
		store = memory.NewStore()
		storageField["storageType"] = "in-memory"
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.StorageType)
	}
	if err != nil {
		logrus.WithFields(storageField).WithError(err).Error("Failed to open storage")
		return nil, err
	}

	logrus.WithFields(storageField).Info("Use storage")
	return store, nil
}
