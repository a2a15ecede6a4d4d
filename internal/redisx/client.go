package redisx

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// New opens a client on one logical database. Stock and order status live in
// separate databases of the same instance.
func New(addr string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

func Ping(ctx context.Context, rdb *redis.Client) error {
	return rdb.Ping(ctx).Err()
}
