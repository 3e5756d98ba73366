package scanner

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"tradewatch/internal/chain"
	"tradewatch/internal/model"
	"tradewatch/internal/registry"
)

// ChainReader is the RPC surface the scanner consumes. Every call is
// wrapped in retry inside the Runner.
type ChainReader interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	FilterLogsByHash(ctx context.Context, blockHash common.Hash, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error)
}

// Store persists trade records and the checkpoint as one logical unit.
type Store interface {
	LoadCheckpoint(ctx context.Context) (uint64, bool, error)
	SaveBatch(ctx context.Context, checkpoint uint64, records []model.TradeRecord) error
}

// Broadcaster receives each record after it is durably stored.
type Broadcaster interface {
	Broadcast(record model.TradeRecord)
}

// RunConfig holds runtime settings for the scanner.
type RunConfig struct {
	Factory      common.Address
	MaxBatch     uint64
	BlockTime    time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// Runner drives the checkpointed scan loop over the chain head.
type Runner struct {
	cfg      RunConfig
	chain    ChainReader
	registry *registry.Registry
	store    Store
	hub      Broadcaster
	logger   *zap.Logger

	poolCreatedTopic common.Hash
	actionTopic      common.Hash

	// cursor is the next block to process, advanced optimistically at
	// dispatch. persisted trails it and only moves after a confirmed
	// store write.
	cursor    uint64
	persisted uint64

	mu      sync.Mutex
	pending map[string]model.TradeRecord
}

// NewRunner builds a Runner with its dependencies.
func NewRunner(cfg RunConfig, chainClient ChainReader, reg *registry.Registry, store Store, hub Broadcaster, logger *zap.Logger) (*Runner, error) {
	if chainClient == nil {
		return nil, fmt.Errorf("chain client is nil")
	}
	if reg == nil {
		return nil, fmt.Errorf("registry is nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBatch == 0 {
		cfg.MaxBatch = 100
	}
	if cfg.BlockTime <= 0 {
		cfg.BlockTime = 5 * time.Second
	}

	factoryABI, err := chain.FactoryABI()
	if err != nil {
		return nil, fmt.Errorf("parse factory abi: %w", err)
	}
	poolABI, err := chain.PoolABI()
	if err != nil {
		return nil, fmt.Errorf("parse pool abi: %w", err)
	}

	return &Runner{
		cfg:              cfg,
		chain:            chainClient,
		registry:         reg,
		store:            store,
		hub:              hub,
		logger:           logger,
		poolCreatedTopic: factoryABI.Events["PoolCreated"].ID,
		actionTopic:      poolABI.Events["Action"].ID,
		pending:          make(map[string]model.TradeRecord),
	}, nil
}

// Checkpoint returns the in-memory cursor: the next block to process.
func (r *Runner) Checkpoint() uint64 {
	return r.cursor
}

// Run executes the scan loop until ctx is cancelled. Pending records and
// the checkpoint are flushed best-effort on exit.
func (r *Runner) Run(ctx context.Context) error {
	cp, ok, err := r.store.LoadCheckpoint(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if ok {
		r.cursor = cp
		r.persisted = cp
		r.logger.Info("resume from checkpoint", zap.Uint64("block", cp))
	}

	for {
		select {
		case <-ctx.Done():
			r.flush()
			return ctx.Err()
		default:
		}

		start := time.Now()

		behind, err := r.cycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				r.flush()
				return ctx.Err()
			}
			r.logger.Error("scan cycle failed", zap.Error(err))
		} else if behind {
			continue
		}

		wait := r.cfg.BlockTime - time.Since(start)
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.flush()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// cycle processes at most MaxBatch blocks and reports whether the loop is
// still behind head.
func (r *Runner) cycle(ctx context.Context) (bool, error) {
	latest, err := r.latestBlockWithRetry(ctx)
	if err != nil {
		return false, fmt.Errorf("latest block: %w", err)
	}

	if r.cursor == 0 {
		// First boot with no stored checkpoint: index from now, not genesis.
		r.cursor = latest
		r.logger.Info("starting from head", zap.Uint64("block", latest))
		return false, nil
	}

	if latest <= r.cursor {
		r.logger.Debug("caught up", zap.Uint64("head", latest), zap.Uint64("cursor", r.cursor))
		return false, nil
	}

	batch := latest - r.cursor
	if batch > r.cfg.MaxBatch {
		batch = r.cfg.MaxBatch
	}

	startBlock := r.cursor
	errs := make([]error, batch)
	var wg sync.WaitGroup
	for i := uint64(0); i < batch; i++ {
		number := r.cursor
		r.cursor++
		wg.Add(1)
		go func(slot, number uint64) {
			defer wg.Done()
			errs[slot] = r.processBlock(ctx, number)
		}(i, number)
	}
	wg.Wait()

	var failed error
	for i, err := range errs {
		if err != nil {
			// Rewind to the lowest failed block so no block is skipped.
			r.cursor = startBlock + uint64(i)
			failed = err
			break
		}
	}

	r.persist(ctx)

	if failed != nil {
		return latest > r.cursor, fmt.Errorf("process block %d: %w", r.cursor, failed)
	}
	return latest > r.cursor, nil
}

// processBlock scans one block for PoolCreated and Action events.
func (r *Runner) processBlock(ctx context.Context, number uint64) error {
	block, err := r.blockWithRetry(ctx, number)
	if err != nil {
		return fmt.Errorf("fetch block: %w", err)
	}
	if len(block.Transactions()) == 0 {
		return nil
	}

	blockHash := block.Hash()

	createdLogs, err := r.filterLogsWithRetry(ctx, blockHash, []common.Address{r.cfg.Factory}, r.poolCreatedTopic)
	if err != nil {
		return fmt.Errorf("pool created logs: %w", err)
	}
	if len(createdLogs) > 0 {
		created := make([]model.PoolCreation, 0, len(createdLogs))
		for _, lg := range createdLogs {
			pc, err := decodePoolCreated(lg)
			if err != nil {
				r.logger.Warn("skip malformed pool created log",
					zap.String("tx", lg.TxHash.Hex()), zap.Error(err))
				continue
			}
			created = append(created, pc)
		}
		r.registry.Observe(created)
		r.logger.Info("pools discovered", zap.Int("count", len(created)), zap.Uint64("block", number))
	}

	pools := r.registry.Pools()
	if len(pools) == 0 {
		return nil
	}

	actionLogs, err := r.filterLogsWithRetry(ctx, blockHash, pools, r.actionTopic)
	if err != nil {
		return fmt.Errorf("action logs: %w", err)
	}

	for _, lg := range actionLogs {
		record, err := buildTradeRecord(lg, r.registry, block.Time())
		if err != nil {
			r.logger.Warn("skip malformed action log",
				zap.String("tx", lg.TxHash.Hex()), zap.Error(err))
			continue
		}
		r.addPending(record)
	}

	return nil
}

// persist writes the dirty record set plus checkpoint, clears the set on
// confirmed success, and fans the records out to subscribers.
func (r *Runner) persist(ctx context.Context) {
	records := r.snapshotPending()
	if len(records) == 0 {
		return
	}

	if err := r.store.SaveBatch(ctx, r.cursor, records); err != nil {
		// Keep the dirty set; the next successful cycle retries the write.
		r.logger.Error("persist failed", zap.Int("records", len(records)), zap.Error(err))
		return
	}

	r.clearPending(records)
	r.persisted = r.cursor
	r.logger.Info("batch persisted", zap.Int("records", len(records)), zap.Uint64("checkpoint", r.cursor))

	if r.hub != nil {
		for _, record := range records {
			r.hub.Broadcast(record)
		}
	}
}

// flush is the shutdown path: best-effort write of whatever is pending
// plus the current cursor.
func (r *Runner) flush() {
	records := r.snapshotPending()
	if len(records) == 0 && r.cursor == r.persisted {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.store.SaveBatch(ctx, r.cursor, records); err != nil {
		r.logger.Error("shutdown flush failed", zap.Int("records", len(records)), zap.Error(err))
		return
	}
	r.clearPending(records)
	r.persisted = r.cursor
	r.logger.Info("shutdown flush complete", zap.Int("records", len(records)), zap.Uint64("checkpoint", r.cursor))
}

func (r *Runner) addPending(record model.TradeRecord) {
	r.mu.Lock()
	r.pending[record.ID] = record
	r.mu.Unlock()
}

func (r *Runner) snapshotPending() []model.TradeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	records := make([]model.TradeRecord, 0, len(r.pending))
	for _, record := range r.pending {
		records = append(records, record)
	}
	return records
}

func (r *Runner) clearPending(records []model.TradeRecord) {
	r.mu.Lock()
	for _, record := range records {
		delete(r.pending, record.ID)
	}
	r.mu.Unlock()
}

func (r *Runner) latestBlockWithRetry(ctx context.Context) (uint64, error) {
	var latest uint64
	err := withRetry(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		latest, err = r.chain.LatestBlockNumber(ctx)
		if err != nil {
			r.logger.Warn("latest block fetch failed", zap.Error(err))
		}
		return err
	})
	return latest, err
}

func (r *Runner) blockWithRetry(ctx context.Context, number uint64) (*types.Block, error) {
	var block *types.Block
	err := withRetry(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		block, err = r.chain.BlockByNumber(ctx, new(big.Int).SetUint64(number))
		if err != nil {
			r.logger.Warn("block fetch failed", zap.Uint64("block", number), zap.Error(err))
		}
		return err
	})
	return block, err
}

func (r *Runner) filterLogsWithRetry(ctx context.Context, blockHash common.Hash, addresses []common.Address, topic common.Hash) ([]types.Log, error) {
	var logs []types.Log
	err := withRetry(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		logs, err = r.chain.FilterLogsByHash(ctx, blockHash, addresses, []common.Hash{topic})
		if err != nil {
			r.logger.Warn("filter logs failed", zap.String("block_hash", blockHash.Hex()), zap.Error(err))
		}
		return err
	})
	return logs, err
}
