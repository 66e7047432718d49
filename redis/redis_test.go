package redis

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gousdcbridge/config"
	"gousdcbridge/types"
)

// memConn is an in-memory redis.Conn covering the commands the store uses.
type memConn struct {
	mu      sync.Mutex
	strings map[string]string
	sets    map[string]map[string]struct{}
	queue   [][]interface{}
	multi   bool
	log     []string
}

func newMemConn() *memConn {
	return &memConn{
		strings: map[string]string{},
		sets:    map[string]map[string]struct{}{},
	}
}

func (c *memConn) Close() error { return nil }
func (c *memConn) Err() error   { return nil }
func (c *memConn) Flush() error { return nil }

func (c *memConn) Receive() (interface{}, error) { return nil, nil }

func (c *memConn) Send(cmd string, args ...interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch strings.ToUpper(cmd) {
	case "MULTI":
		c.multi = true
	case "DISCARD":
		c.multi = false
		c.queue = nil
	default:
		if c.multi {
			c.queue = append(c.queue, append([]interface{}{cmd}, args...))
		}
	}
	return nil
}

func (c *memConn) Do(cmd string, args ...interface{}) (interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cmd == "" {
		return nil, nil
	}
	if strings.ToUpper(cmd) == "EXEC" {
		replies := make([]interface{}, 0, len(c.queue))
		for _, q := range c.queue {
			r, err := c.exec(q[0].(string), q[1:]...)
			if err != nil {
				return nil, err
			}
			replies = append(replies, r)
		}
		c.queue = nil
		c.multi = false
		return replies, nil
	}
	return c.exec(cmd, args...)
}

func str(v interface{}) string {
	switch v := v.(type) {
	case []byte:
		return string(v)
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func (c *memConn) exec(cmd string, args ...interface{}) (interface{}, error) {
	c.log = append(c.log, strings.ToUpper(cmd))
	switch strings.ToUpper(cmd) {
	case "PING":
		return "PONG", nil
	case "SET":
		key := str(args[0])
		if len(args) > 2 && str(args[2]) == "NX" {
			if _, ok := c.strings[key]; ok {
				return nil, nil
			}
		}
		c.strings[key] = str(args[1])
		return "OK", nil
	case "GET":
		v, ok := c.strings[str(args[0])]
		if !ok {
			return nil, nil
		}
		return []byte(v), nil
	case "SADD":
		set, ok := c.sets[str(args[0])]
		if !ok {
			set = map[string]struct{}{}
			c.sets[str(args[0])] = set
		}
		set[str(args[1])] = struct{}{}
		return int64(1), nil
	case "SREM":
		delete(c.sets[str(args[0])], str(args[1]))
		return int64(1), nil
	case "SSCAN":
		members := make([]string, 0)
		for m := range c.sets[str(args[0])] {
			members = append(members, m)
		}
		sort.Strings(members)
		page := make([]interface{}, len(members))
		for i, m := range members {
			page[i] = []byte(m)
		}
		return []interface{}{[]byte("0"), page}, nil
	case "EVALSHA":
		// unlock script: compare and delete
		key, token := str(args[2]), str(args[3])
		if c.strings[key] == token {
			delete(c.strings, key)
			return int64(1), nil
		}
		return int64(0), nil
	}
	return nil, fmt.Errorf("unsupported command %s", cmd)
}

func newStore(conn *memConn) *Store {
	return NewWithPool(&redis.Pool{
		MaxIdle: 1,
		Dial:    func() (redis.Conn, error) { return conn, nil },
	})
}

func sample(id string, status types.Status) *types.BridgeTransaction {
	amount, _ := types.ParseAmount("123456789012345678901234567890")
	return &types.BridgeTransaction{
		ID:           id,
		Kind:         types.KindWithdrawal,
		SourceChain:  42161,
		DestChain:    1,
		Status:       status,
		SourceTxHash: "0x1111111111111111111111111111111111111111111111111111111111111111",
		Amount:       amount,
		Sender:       "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
		Recipient:    "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		CreatedAt:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		UpdatedAt:    time.Date(2024, 3, 1, 12, 0, 5, 0, time.UTC),
	}
}

func TestSaveMovesBetweenStatusSets(t *testing.T) {
	conn := newMemConn()
	s := newStore(conn)
	ctx := context.Background()

	tx := sample("a", types.StatusPending)
	require.NoError(t, s.Save(ctx, tx, ""))
	assert.Contains(t, conn.sets[config.RedisStatusPrefix+"pending"], "a")

	tx.Status = types.StatusConfirmed
	require.NoError(t, s.Save(ctx, tx, types.StatusPending))
	assert.NotContains(t, conn.sets[config.RedisStatusPrefix+"pending"], "a")
	assert.Contains(t, conn.sets[config.RedisStatusPrefix+"confirmed"], "a")

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, types.StatusConfirmed, got.Status)
	assert.Equal(t, "123456789012345678901234567890", got.Amount.String())
	assert.True(t, tx.CreatedAt.Equal(got.CreatedAt))

	missing, err := s.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSaveRejectsInvalid(t *testing.T) {
	s := newStore(newMemConn())
	assert.Error(t, s.Save(context.Background(), nil, ""))
	assert.Error(t, s.Save(context.Background(), sample("", types.StatusPending), ""))
	assert.Error(t, s.Save(context.Background(), sample("a", "done"), ""))
}

func TestLoadSkipsMissingRecords(t *testing.T) {
	conn := newMemConn()
	s := newStore(conn)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, sample("a", types.StatusPending), ""))
	require.NoError(t, s.Save(ctx, sample("b", types.StatusFailed), ""))
	conn.sets[config.RedisStatusPrefix+"pending"]["ghost"] = struct{}{}

	pending, err := s.ListByStatus(ctx, types.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "a", pending[0].ID)

	all, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestTryLock(t *testing.T) {
	conn := newMemConn()
	s := newStore(conn)
	ctx := context.Background()

	release, ok, err := s.TryLock(ctx, "a", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = s.TryLock(ctx, "a", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// locks are per key
	releaseB, ok, err := s.TryLock(ctx, "b", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	defer releaseB()

	release()
	_, held := conn.strings[config.RedisLockPrefix+"a"]
	assert.False(t, held)

	_, ok, err = s.TryLock(ctx, "a", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClaimOnce(t *testing.T) {
	conn := newMemConn()
	s := newStore(conn)
	ctx := context.Background()

	first, err := s.ClaimOnce(ctx, "42161:0xabc:0x01", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := s.ClaimOnce(ctx, "42161:0xabc:0x01", time.Minute)
	require.NoError(t, err)
	assert.False(t, again)

	other, err := s.ClaimOnce(ctx, "42161:0xabc:0x02", time.Minute)
	require.NoError(t, err)
	assert.True(t, other)
	assert.Contains(t, conn.strings, config.RedisNoncePrefix+"42161:0xabc:0x01")
}

func TestPing(t *testing.T) {
	assert.NoError(t, newStore(newMemConn()).Ping(context.Background()))
}
