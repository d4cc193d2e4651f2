package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"tickd/internal/batch"
	"tickd/internal/batch/memstore"
	"tickd/internal/batch/redisstore"
	"tickd/internal/broker"
	"tickd/internal/broker/membroker"
	"tickd/internal/broker/redisbroker"
	"tickd/internal/config"
	"tickd/internal/lease"
	"tickd/internal/storage"
	"tickd/pkg/logx"
)

// Clients are the shared infrastructure handles. The app owns their
// lifecycle; components receive them already connected.
type Clients struct {
	Redis   redis.UniversalClient
	Store   storage.Store
	Batches batch.Store
	Broker  broker.Broker
	Lease   lease.Lease
}

// OpenClients connects every driver cfg selects. On error, whatever was
// opened is closed again.
func OpenClients(cfg *config.Config, log logx.Logger) (cl *Clients, err error) {
	cl = &Clients{}
	defer func() {
		if err != nil {
			_ = cl.Close()
			cl = nil
		}
	}()

	if cfg.UsesRedis() {
		cl.Redis = newRedisClient(cfg.Redis)
	}

	cl.Store, err = storage.Open(mapStorageConfig(cfg), log.Component("storage"))
	if err != nil {
		return nil, err
	}

	switch driver(cfg.BatchStore.Driver) {
	case "redis":
		cl.Batches = redisstore.New(cl.Redis, redisstore.WithPrefix(cfg.BatchStore.Prefix))
	default:
		cl.Batches = memstore.New()
	}

	switch driver(cfg.Broker.Driver) {
	case "redis":
		cl.Broker = redisbroker.New(cl.Redis, redisBrokerOptions(cfg.Broker)...)
	default:
		cl.Broker = membroker.New(membroker.WithMaxDeliveries(cfg.Broker.MaxDeliveries))
	}

	cl.Lease, err = lease.Open(mapLeaseConfig(cfg), cl.Redis)
	if err != nil {
		return nil, err
	}
	return cl, nil
}

// Close releases every handle. The broker closes before the redis client
// it may share.
func (c *Clients) Close() error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.Broker != nil {
		errs = append(errs, c.Broker.Close())
	}
	if c.Store != nil {
		errs = append(errs, c.Store.Close())
	}
	if c.Redis != nil {
		errs = append(errs, c.Redis.Close())
	}
	return errors.Join(errs...)
}

func newRedisClient(rc *config.RedisConfig) redis.UniversalClient {
	if rc == nil {
		rc = &config.RedisConfig{}
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:       rc.Addrs,
		Username:    rc.Username,
		Password:    rc.Password,
		DB:          rc.DB,
		PoolSize:    rc.PoolSize,
		DialTimeout: config.Duration(rc.DialTimeout, 5*time.Second),
	})
}

func redisBrokerOptions(bc config.BrokerConfig) []redisbroker.Option {
	return []redisbroker.Option{
		redisbroker.WithPrefix(bc.Prefix),
		redisbroker.WithGroup(bc.Group),
		redisbroker.WithBlock(config.Duration(bc.Block, 0)),
		redisbroker.WithReclaim(config.Duration(bc.Reclaim, redisbroker.DefaultReclaim)),
		redisbroker.WithMaxDeliveries(bc.MaxDeliveries),
	}
}

func driver(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// RequireShared rejects process-local drivers for commands that talk to a
// running deployment from a separate process.
func RequireShared(what, drv string) error {
	if driver(drv) != "redis" {
		return fmt.Errorf("%s driver %q is process-local; use redis to reach a running deployment", what, drv)
	}
	return nil
}
