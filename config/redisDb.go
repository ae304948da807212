package config

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/bsm/redislock"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

var (
	rdb    *redis.Client
	locker *redislock.Client
)
var ctx = context.Background()

func GetRedisDB() *redis.Client {
	return rdb
}

func GetRedisLock() *redislock.Client {
	return locker
}

func GetRedisContext() context.Context {
	return ctx
}

func GetRedisObject(key string, dest interface{}) (bool, error) {
	if rdb == nil {
		return false, nil
	}
	val, err := rdb.Get(ctx, key).Result()
	if err != nil {
		if err.Error() == "redis: nil" {
			return false, nil
		}
		return false, err
	}
	err = json.Unmarshal([]byte(val), &dest)
	if err != nil {
		return false, err
	}
	return true, nil
}

func SetRedisObject(key string, obj interface{}, exp time.Duration) error {
	if rdb == nil {
		return nil
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return rdb.Set(ctx, key, data, exp).Err()
}

func DeleteRedisKey(key string) error {
	if rdb == nil {
		return nil
	}
	return rdb.Del(ctx, key).Err()
}

func init() {
	godotenv.Load()
}

// ConnectRedis dials redis and sets the global client + lock client.
// Redis is optional: freshness-report caching and run locking degrade
// gracefully when REDIS_HOST is unset.
func ConnectRedis() {
	host := os.Getenv("REDIS_HOST")
	if host == "" {
		log.Printf("REDIS_HOST not set; redis cache and run locks disabled")
		return
	}
	port := os.Getenv("REDIS_PORT")
	if port == "" {
		port = "6379"
	}

	rdb = redis.NewClient(&redis.Options{
		Addr:     host + ":" + port,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       IntFromEnv("REDIS_DB", 0),
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Printf("failed to connect redis: %v; continuing without cache", err)
		rdb = nil
		return
	}

	locker = redislock.New(rdb)
	log.Printf("connected to redis at %s:%s", host, port)
}
