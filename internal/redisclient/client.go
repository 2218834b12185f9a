// Package redisclient builds go-redis clients from explicit options or the
// REDIS_* environment.
package redisclient

import (
	"os"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const DefaultAddr = "localhost:6379"

type Options struct {
	Addr     string
	Password string
	DB       int
}

// OptionsFromEnv reads REDIS_ADDR, REDIS_PASSWORD and REDIS_DB. An invalid
// REDIS_DB is ignored.
func OptionsFromEnv() Options {
	o := Options{
		Addr:     os.Getenv("REDIS_ADDR"),
		Password: os.Getenv("REDIS_PASSWORD"),
	}
	if o.Addr == "" {
		o.Addr = DefaultAddr
	}
	if dbStr := os.Getenv("REDIS_DB"); dbStr != "" {
		if v, err := strconv.Atoi(dbStr); err == nil {
			o.DB = v
		}
	}
	return o
}

func New(o Options) *redis.Client {
	if o.Addr == "" {
		o.Addr = DefaultAddr
	}
	return redis.NewClient(&redis.Options{
		Addr:     o.Addr,
		Password: o.Password,
		DB:       o.DB,
	})
}

// NewForAddr connects to addr, taking credentials from the environment.
func NewForAddr(addr string) *redis.Client {
	o := OptionsFromEnv()
	if addr != "" {
		o.Addr = addr
	}
	return New(o)
}

func NewClientFromEnv() *redis.Client {
	return New(OptionsFromEnv())
}
