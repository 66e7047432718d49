package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"gousdcbridge/config"
	"gousdcbridge/logger"
	"gousdcbridge/types"
)

// Store keeps every bridge transaction as JSON under bridgetx:<id> and its id
// in the set bridgetxs:<status>. A record is in exactly one status set.
type Store struct {
	pool *redis.Pool
	log  *zap.Logger
}

func timeoutDialOptions() []redis.DialOption {
	return []redis.DialOption{
		redis.DialConnectTimeout(5 * time.Second),
		redis.DialReadTimeout(5 * time.Second),
		redis.DialWriteTimeout(5 * time.Second),
	}
}

func New(host string, port int) *Store {
	redisAddr := fmt.Sprintf("%s:%d", host, port)
	return NewWithPool(&redis.Pool{
		MaxIdle:     5,
		IdleTimeout: 5 * time.Minute,
		Dial:        func() (redis.Conn, error) { return redis.Dial("tcp", redisAddr, timeoutDialOptions()...) },
	})
}

func NewWithPool(pool *redis.Pool) *Store {
	return &Store{pool: pool, log: logger.Named("redis")}
}

func (s *Store) Close() error {
	return s.pool.Close()
}

func recordKey(id string) string {
	return config.RedisRecordPrefix + id
}

func statusKey(status types.Status) string {
	return config.RedisStatusPrefix + string(status)
}

func (s *Store) Ping(ctx context.Context) error {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Do("PING")
	return err
}

// Save writes the record and moves its id from the prev status set to the
// current one, atomically.
func (s *Store) Save(ctx context.Context, tx *types.BridgeTransaction, prev types.Status) error {
	if tx == nil {
		return errors.New("null object to store")
	}
	if tx.ID == "" {
		return errors.New("bridge transaction cannot have empty id")
	}
	if !tx.Status.Valid() {
		return fmt.Errorf("bridge transaction cannot have status %q", tx.Status)
	}

	txJSON, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("cannot marshal bridge transaction to JSON: %w", err)
	}

	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.Send("MULTI")
	conn.Send("SET", recordKey(tx.ID), txJSON)
	if prev != "" && prev != tx.Status {
		conn.Send("SREM", statusKey(prev), tx.ID)
	}
	conn.Send("SADD", statusKey(tx.Status), tx.ID)
	if _, err := conn.Do("EXEC"); err != nil {
		s.log.Error("error Redis EXEC", zap.String("tx_id", tx.ID), zap.Error(err))
		return err
	}
	return nil
}

// Get returns nil when the record does not exist.
func (s *Store) Get(ctx context.Context, id string) (*types.BridgeTransaction, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return s.get(conn, id)
}

func (s *Store) get(conn redis.Conn, id string) (*types.BridgeTransaction, error) {
	data, err := redis.Bytes(conn.Do("GET", recordKey(id)))
	if errors.Is(err, redis.ErrNil) {
		return nil, nil
	}
	if err != nil {
		s.log.Error("error Redis GET", zap.String("tx_id", id), zap.Error(err))
		return nil, err
	}

	var tx types.BridgeTransaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("cannot unmarshal bridge transaction %s: %w", id, err)
	}
	return &tx, nil
}

// ListByStatus scans the status set. Ids whose record is gone are skipped.
func (s *Store) ListByStatus(ctx context.Context, status types.Status) ([]*types.BridgeTransaction, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	txs := make([]*types.BridgeTransaction, 0)
	var cursor int64
	for {
		values, err := redis.Values(conn.Do("SSCAN", statusKey(status), cursor))
		if err != nil {
			return nil, err
		}

		var ids []string
		if _, err := redis.Scan(values, &cursor, &ids); err != nil {
			return nil, err
		}

		for _, id := range ids {
			tx, err := s.get(conn, id)
			if err != nil {
				return nil, err
			}
			if tx == nil {
				s.log.Warn("status set points to a missing record", zap.String("tx_id", id), zap.String("status", string(status)))
				continue
			}
			if tx.Status == status {
				txs = append(txs, tx)
			}
		}

		if cursor == 0 {
			break
		}
	}
	return txs, nil
}

// Load returns every stored record.
func (s *Store) Load(ctx context.Context) ([]*types.BridgeTransaction, error) {
	var all []*types.BridgeTransaction
	for _, status := range types.AllStatuses {
		txs, err := s.ListByStatus(ctx, status)
		if err != nil {
			return nil, fmt.Errorf("cannot list %s bridge transactions: %w", status, err)
		}
		all = append(all, txs...)
	}
	return all, nil
}

var unlockScript = redis.NewScript(1, `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// TryLock takes the lock on key for ttl. The returned release only deletes the
// lock while this holder still owns it.
func (s *Store) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, false, err
	}
	defer conn.Close()

	lockKey := config.RedisLockPrefix + key
	token := uuid.New().String()
	_, err = redis.String(conn.Do("SET", lockKey, token, "NX", "PX", ttl.Milliseconds()))
	if errors.Is(err, redis.ErrNil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	release := func() {
		conn := s.pool.Get()
		defer conn.Close()
		if _, err := unlockScript.Do(conn, lockKey, token); err != nil {
			s.log.Warn("error releasing lock", zap.String("key", lockKey), zap.Error(err))
		}
	}
	return release, true, nil
}

// ClaimOnce records key for ttl and reports whether this call was the first.
func (s *Store) ClaimOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	_, err = redis.String(conn.Do("SET", config.RedisNoncePrefix+key, "1", "NX", "PX", ttl.Milliseconds()))
	if errors.Is(err, redis.ErrNil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
