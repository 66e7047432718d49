package monitor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	ethav "github.com/KOREAN139/ethereum-address-validator"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gousdcbridge/config"
	"gousdcbridge/logger"
	"gousdcbridge/metrics"
	"gousdcbridge/relayer"
	"gousdcbridge/retry"
	"gousdcbridge/types"
)

var (
	ErrNotFound          = errors.New("bridge transaction not found")
	ErrExists            = errors.New("bridge transaction already exists")
	ErrTerminal          = errors.New("bridge transaction is in a terminal state")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrBusy              = errors.New("bridge transaction is being processed")
)

var txHashRe = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// Store persists every committed record. prev is the status the record had
// before this write, empty for a new record. Get returns nil for an unknown id.
type Store interface {
	Save(ctx context.Context, tx *types.BridgeTransaction, prev types.Status) error
	Load(ctx context.Context) ([]*types.BridgeTransaction, error)
	Get(ctx context.Context, id string) (*types.BridgeTransaction, error)
	ListByStatus(ctx context.Context, status types.Status) ([]*types.BridgeTransaction, error)
}

// Publisher is told about every committed status change.
type Publisher interface {
	Publish(ctx context.Context, ev types.StatusEvent) error
}

// Locker serializes work on one id across instances sharing a store.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// Chain reads receipts and transmitter state; *EVMRPC.Client implements it.
type Chain interface {
	TransactionReceipt(ctx context.Context, chainId int, hash common.Hash) (*ethtypes.Receipt, error)
	Confirmations(ctx context.Context, chainId int, receipt *ethtypes.Receipt) (uint64, error)
	MessageReceived(ctx context.Context, chainId int, transmitter common.Address, message []byte) (bool, error)
}

// Attestor is *attestation.Fetcher.
type Attestor interface {
	Fetch(ctx context.Context, messageHash string, maxAttempts int, retryDelay, timeout time.Duration) (*types.Proof, error)
}

// Relayer is *relayer.Broadcaster.
type Relayer interface {
	Submit(ctx context.Context, req relayer.TxRequest) (common.Hash, error)
}

type Config struct {
	Chains       map[int]config.ChainConfig
	PollInterval time.Duration
	Concurrency  int
	LockTTL      time.Duration

	AttestationAttempts int
	AttestationDelay    time.Duration
	AttestationTimeout  time.Duration

	MintGasLimit uint64
}

// Monitor owns the bridge transactions and advances them through the pipeline
// pending -> confirmed -> attesting -> minting -> completed.
type Monitor struct {
	cfg       Config
	chain     Chain
	attestor  Attestor
	relayer   Relayer
	store     Store
	publisher Publisher
	locker    Locker
	log       *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu       sync.RWMutex
	txs      map[string]*types.BridgeTransaction
	inflight map[string]struct{}
}

type Option func(*Monitor)

func WithStore(s Store) Option {
	return func(m *Monitor) { m.store = s }
}

func WithPublisher(p Publisher) Option {
	return func(m *Monitor) { m.publisher = p }
}

func WithLocker(l Locker) Option {
	return func(m *Monitor) { m.locker = l }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

func New(cfg Config, chain Chain, attestor Attestor, rel Relayer, opts ...Option) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	m := &Monitor{
		cfg:      cfg,
		chain:    chain,
		attestor: attestor,
		relayer:  rel,
		log:      logger.Named("monitor"),
		now:      time.Now,
		txs:      make(map[string]*types.BridgeTransaction),
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) validate(tx *types.BridgeTransaction) error {
	if !tx.Kind.Valid() {
		return fmt.Errorf("invalid transfer kind %q", tx.Kind)
	}
	if _, ok := m.cfg.Chains[tx.SourceChain]; !ok {
		return fmt.Errorf("unsupported source chain %d", tx.SourceChain)
	}
	if _, ok := m.cfg.Chains[tx.DestChain]; !ok {
		return fmt.Errorf("unsupported destination chain %d", tx.DestChain)
	}
	if tx.SourceChain == tx.DestChain {
		return errors.New("source and destination chain are the same")
	}
	if !txHashRe.MatchString(tx.SourceTxHash) {
		return fmt.Errorf("invalid source tx hash %q", tx.SourceTxHash)
	}
	if err := ethav.Validate(tx.Sender); err != nil {
		return fmt.Errorf("invalid sender address %q: %w", tx.Sender, err)
	}
	if err := ethav.Validate(tx.Recipient); err != nil {
		return fmt.Errorf("invalid recipient address %q: %w", tx.Recipient, err)
	}
	if tx.Amount.Sign() <= 0 {
		return errors.New("amount must be positive")
	}
	if tx.Status != "" && tx.Status != types.StatusPending {
		return fmt.Errorf("new transactions start pending, got %q", tx.Status)
	}
	return nil
}

// CreateTransaction registers a new pending record. An empty ID gets a uuid.
// A burn already tracked under another record is refused.
func (m *Monitor) CreateTransaction(ctx context.Context, rec *types.BridgeTransaction) (*types.BridgeTransaction, error) {
	if rec == nil {
		return nil, retry.Fatal(retry.ReasonInvalidInput, errors.New("null object to store"))
	}
	tx := rec.Clone()
	if err := m.validate(tx); err != nil {
		return nil, retry.Fatal(retry.ReasonInvalidInput, err)
	}
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	tx.Status = types.StatusPending
	tx.Step = stepFor(tx)
	tx.DestTxHash = ""
	tx.MintCandidates = nil
	tx.Message = ""
	tx.Attestation = ""
	tx.Error = ""
	tx.RetryCount = 0
	tx.Version = 1
	now := m.now().UTC()
	tx.CreatedAt = now
	tx.UpdatedAt = now

	// records other instances created since the last tick
	if err := m.sync(ctx); err != nil {
		m.log.Warn("cannot sync bridge transactions before create", zap.Error(err))
	}

	m.mu.Lock()
	if _, ok := m.txs[tx.ID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrExists, tx.ID)
	}
	for _, other := range m.txs {
		if strings.EqualFold(other.SourceTxHash, tx.SourceTxHash) {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: source tx %s is tracked by %s", ErrExists, tx.SourceTxHash, other.ID)
		}
	}
	m.txs[tx.ID] = tx
	m.mu.Unlock()

	m.log.Info("bridge transaction created",
		zap.String("tx_id", tx.ID),
		zap.String("kind", string(tx.Kind)),
		zap.Int("source_chain", tx.SourceChain),
		zap.Int("dest_chain", tx.DestChain),
		zap.String("amount", tx.Amount.String()),
	)
	m.persist(ctx, tx.Clone(), "")
	return tx.Clone(), nil
}

// GetTransaction returns a copy of the record.
func (m *Monitor) GetTransaction(id string) (*types.BridgeTransaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.txs[id]
	if !ok {
		return nil, false
	}
	return tx.Clone(), true
}

// Patch lists the fields the route layer may change; nil fields are kept.
type Patch struct {
	Status      *types.Status
	DestTxHash  *string // only together with status completed
	MessageHash *string // only before the burn message is extracted
	Gasless     *bool
	Error       *string // only together with status failed
}

// UpdateTransaction applies p under the same claim and id lock the pipeline
// uses. Besides failing a record, the route layer may only confirm a pending
// burn or complete a mint with a successful destination transaction; the
// other stages carry data only the pipeline produces.
func (m *Monitor) UpdateTransaction(ctx context.Context, id string, p Patch) (*types.BridgeTransaction, error) {
	m.mu.Lock()
	cur, ok := m.txs[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if cur.Status.Terminal() {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminal, id, cur.Status)
	}
	if _, busy := m.inflight[id]; busy {
		m.mu.Unlock()
		return nil, retry.Transient(retry.ReasonNotReady, fmt.Errorf("%w: %s", ErrBusy, id))
	}
	m.inflight[id] = struct{}{}
	cur = cur.Clone()
	m.mu.Unlock()
	defer m.release(id)

	unlock, ok := m.lock(ctx, id)
	if !ok {
		return nil, retry.Transient(retry.ReasonNotReady, fmt.Errorf("%w: %s", ErrBusy, id))
	}
	defer unlock()

	cur, ok = m.refresh(ctx, cur)
	if !ok {
		if cur.Status.Terminal() {
			return nil, fmt.Errorf("%w: %s is %s", ErrTerminal, id, cur.Status)
		}
		return nil, retry.Transient(retry.ReasonNotReady, fmt.Errorf("%w: %s", ErrBusy, id))
	}

	next, err := m.applyPatch(ctx, cur, p)
	if err != nil {
		return nil, err
	}
	if next.Status != types.StatusFailed {
		next.Step = stepFor(next)
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = m.now().UTC()

	m.mu.Lock()
	m.txs[id] = next.Clone()
	m.mu.Unlock()

	m.persist(ctx, next.Clone(), cur.Status)
	if next.Status != cur.Status {
		m.transitioned(ctx, cur.Status, next)
	}
	return next.Clone(), nil
}

func (m *Monitor) applyPatch(ctx context.Context, cur *types.BridgeTransaction, p Patch) (*types.BridgeTransaction, error) {
	next := cur.Clone()
	invalid := func(format string, args ...interface{}) error {
		return retry.Fatal(retry.ReasonInvalidInput, fmt.Errorf(format, args...))
	}

	if p.Status != nil && *p.Status != cur.Status {
		to := *p.Status
		if !cur.Status.CanMoveTo(to) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, to)
		}
		switch to {
		case types.StatusFailed, types.StatusConfirmed:
		case types.StatusCompleted:
			if p.DestTxHash == nil || !txHashRe.MatchString(*p.DestTxHash) {
				return nil, invalid("completing a transaction needs its destination tx hash")
			}
			if err := m.checkDestination(ctx, cur, *p.DestTxHash); err != nil {
				return nil, err
			}
			next.DestTxHash = *p.DestTxHash
		default:
			return nil, fmt.Errorf("%w: %s -> %s is set by the pipeline only", ErrInvalidTransition, cur.Status, to)
		}
		next.Status = to
	}
	if p.DestTxHash != nil && next.Status != types.StatusCompleted {
		return nil, invalid("destination tx hash can only be set when completing a transaction")
	}
	if p.MessageHash != nil {
		if next.Message != "" || (next.Status != types.StatusPending && next.Status != types.StatusConfirmed) {
			return nil, invalid("message hash can only be set before the burn message is extracted")
		}
		if !txHashRe.MatchString(*p.MessageHash) {
			return nil, invalid("invalid message hash %q", *p.MessageHash)
		}
		next.MessageHash = *p.MessageHash
	}
	if p.Gasless != nil {
		next.Gasless = *p.Gasless
	}
	if p.Error != nil {
		if next.Status != types.StatusFailed {
			return nil, invalid("error can only be set on a failed transaction")
		}
		next.Error = *p.Error
	}
	return next, nil
}

// checkDestination accepts a mint only when its receipt is successful on the
// destination chain.
func (m *Monitor) checkDestination(ctx context.Context, tx *types.BridgeTransaction, hash string) error {
	receipt, err := m.chain.TransactionReceipt(ctx, tx.DestChain, common.HexToHash(hash))
	if err != nil {
		if notMined(err) {
			return retry.Fatal(retry.ReasonInvalidInput, fmt.Errorf("destination tx %s is not mined", hash))
		}
		return retry.Classify(err)
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return retry.Fatal(retry.ReasonInvalidInput, fmt.Errorf("destination tx %s reverted", hash))
	}
	return nil
}

// ListPending returns copies of every non-terminal record, oldest first.
func (m *Monitor) ListPending() []*types.BridgeTransaction {
	return m.list(func(tx *types.BridgeTransaction) bool { return !tx.Status.Terminal() })
}

func (m *Monitor) ListByStatus(status types.Status) []*types.BridgeTransaction {
	return m.list(func(tx *types.BridgeTransaction) bool { return tx.Status == status })
}

func (m *Monitor) list(keep func(*types.BridgeTransaction) bool) []*types.BridgeTransaction {
	m.mu.RLock()
	out := make([]*types.BridgeTransaction, 0)
	for _, tx := range m.txs {
		if keep(tx) {
			out = append(out, tx.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Counts returns the number of records per status.
func (m *Monitor) Counts() map[types.Status]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[types.Status]int, len(types.AllStatuses))
	for _, s := range types.AllStatuses {
		counts[s] = 0
	}
	for _, tx := range m.txs {
		counts[tx.Status]++
	}
	return counts
}

// Restore loads the persisted records. Records already in memory win.
func (m *Monitor) Restore(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	txs, err := m.store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("cannot restore bridge transactions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, tx := range txs {
		if tx == nil || tx.ID == "" || !tx.Status.Valid() {
			continue
		}
		if _, ok := m.txs[tx.ID]; ok {
			continue
		}
		m.txs[tx.ID] = tx.Clone()
		n++
	}
	m.log.Info("restored bridge transactions", zap.Int("count", n))
	return n, nil
}

// Start runs a tick every PollInterval until ctx is done.
func (m *Monitor) Start(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	m.log.Info("monitor started", zap.Duration("poll_interval", m.cfg.PollInterval), zap.Int("concurrency", m.cfg.Concurrency))
	for {
		if err := m.Tick(ctx); err != nil {
			m.log.Error("monitor tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			m.log.Info("monitor stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick evaluates every non-terminal transaction once. Distinct ids run
// concurrently up to Concurrency; an id still being evaluated, here or by
// another instance holding its lock, is skipped.
func (m *Monitor) Tick(ctx context.Context) error {
	start := m.now()

	if err := m.sync(ctx); err != nil {
		m.log.Warn("cannot sync bridge transactions", zap.Error(err))
	}

	var ids []string
	m.mu.RLock()
	for id, tx := range m.txs {
		if !tx.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()
	sort.Strings(ids)

	var g errgroup.Group
	g.SetLimit(m.cfg.Concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			m.process(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	if m.metrics != nil {
		m.metrics.TickDuration.Observe(m.now().Sub(start).Seconds())
		for status, n := range m.Counts() {
			if !status.Terminal() {
				m.metrics.InFlight.WithLabelValues(string(status)).Set(float64(n))
			}
		}
	}
	return nil
}

// sync adopts the non-terminal records of the store that are unknown here or
// newer than the local copy.
func (m *Monitor) sync(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	var stored []*types.BridgeTransaction
	for _, status := range types.AllStatuses {
		if status.Terminal() {
			continue
		}
		txs, err := m.store.ListByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("cannot list %s bridge transactions: %w", status, err)
		}
		stored = append(stored, txs...)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range stored {
		if tx == nil || tx.ID == "" || !tx.Status.Valid() {
			continue
		}
		if _, busy := m.inflight[tx.ID]; busy {
			continue
		}
		if cur, ok := m.txs[tx.ID]; ok && tx.Version <= cur.Version {
			continue
		}
		m.txs[tx.ID] = tx.Clone()
	}
	return nil
}

// claim marks id as being processed and returns a working copy.
func (m *Monitor) claim(id string) (*types.BridgeTransaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok || tx.Status.Terminal() {
		return nil, false
	}
	if _, busy := m.inflight[id]; busy {
		return nil, false
	}
	m.inflight[id] = struct{}{}
	return tx.Clone(), true
}

func (m *Monitor) release(id string) {
	m.mu.Lock()
	delete(m.inflight, id)
	m.mu.Unlock()
}

// lock takes the cross-instance lock on id for LockTTL.
func (m *Monitor) lock(ctx context.Context, id string) (func(), bool) {
	if m.locker == nil {
		return func() {}, true
	}
	release, ok, err := m.locker.TryLock(ctx, id, m.cfg.LockTTL)
	if err != nil {
		m.log.Warn("cannot take bridge transaction lock", zap.String("tx_id", id), zap.Error(err))
		return nil, false
	}
	if !ok {
		m.log.Debug("another instance holds the bridge transaction lock", zap.String("tx_id", id))
		return nil, false
	}
	return release, true
}

// refresh re-reads the claimed record under its lock and adopts the stored
// copy when another instance wrote a newer version. It reports false when the
// record must not be worked on.
func (m *Monitor) refresh(ctx context.Context, tx *types.BridgeTransaction) (*types.BridgeTransaction, bool) {
	if m.store == nil {
		return tx, true
	}
	stored, err := m.store.Get(ctx, tx.ID)
	if err != nil {
		m.log.Warn("cannot re-read bridge transaction", zap.String("tx_id", tx.ID), zap.Error(err))
		return tx, false
	}
	if stored == nil || stored.Version <= tx.Version {
		return tx, true
	}

	m.mu.Lock()
	m.txs[tx.ID] = stored.Clone()
	m.mu.Unlock()
	m.log.Debug("adopted newer stored copy",
		zap.String("tx_id", tx.ID),
		zap.Int64("version", stored.Version),
		zap.String("status", string(stored.Status)),
	)
	return stored, !stored.Status.Terminal()
}

// workTimeout bounds the work done under one id lock so it ends before the lock
// can expire.
func (m *Monitor) workTimeout() time.Duration {
	return m.cfg.LockTTL - m.cfg.LockTTL/5
}

// commit stores the working copy next. It refuses anything the state machine
// does not allow.
func (m *Monitor) commit(ctx context.Context, next *types.BridgeTransaction) error {
	m.mu.Lock()
	cur, ok := m.txs[next.ID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, next.ID)
	}
	if cur.Status.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrTerminal, next.ID, cur.Status)
	}
	if !cur.Status.CanMoveTo(next.Status) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, next.Status)
	}
	prev := cur.Status
	if next.Status != types.StatusFailed {
		next.Step = stepFor(next)
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = m.now().UTC()
	m.txs[next.ID] = next.Clone()
	m.mu.Unlock()

	m.persist(ctx, next.Clone(), prev)
	if prev != next.Status {
		m.transitioned(ctx, prev, next)
	}
	return nil
}

func (m *Monitor) persist(ctx context.Context, tx *types.BridgeTransaction, prev types.Status) {
	if m.store == nil {
		return
	}
	if err := m.store.Save(ctx, tx, prev); err != nil {
		m.log.Error("error saving bridge transaction",
			zap.String("tx_id", tx.ID),
			zap.String("status", string(tx.Status)),
			zap.Error(err),
		)
	}
}

func (m *Monitor) transitioned(ctx context.Context, from types.Status, tx *types.BridgeTransaction) {
	m.log.Info("bridge transaction status changed",
		zap.String("tx_id", tx.ID),
		zap.String("from", string(from)),
		zap.String("status", string(tx.Status)),
	)
	if m.metrics != nil {
		m.metrics.Transitions.WithLabelValues(string(from), string(tx.Status)).Inc()
	}
	if m.publisher == nil {
		return
	}
	ev := types.StatusEvent{
		ID:         tx.ID,
		From:       from,
		To:         tx.Status,
		Step:       tx.Step,
		Error:      tx.Error,
		DestTxHash: tx.DestTxHash,
		At:         tx.UpdatedAt,
	}
	if err := m.publisher.Publish(ctx, ev); err != nil {
		m.log.Warn("error publishing status change", zap.String("tx_id", tx.ID), zap.Error(err))
	}
}
