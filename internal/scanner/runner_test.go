package scanner

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"tradewatch/internal/chain"
	"tradewatch/internal/model"
	"tradewatch/internal/registry"
)

var (
	testFactory = common.HexToAddress("0xffff000000000000000000000000000000000001")
	testPool    = common.HexToAddress("0xaaaa000000000000000000000000000000000001")
	testToken   = common.HexToAddress("0x1111000000000000000000000000000000000001")
)

type fakeChain struct {
	mu         sync.Mutex
	latest     uint64
	blocks     map[uint64]*types.Block
	logs       map[common.Hash][]types.Log
	failBlocks map[uint64]int
	blockCalls int
}

func newFakeChain(latest uint64) *fakeChain {
	return &fakeChain{
		latest:     latest,
		blocks:     make(map[uint64]*types.Block),
		logs:       make(map[common.Hash][]types.Log),
		failBlocks: make(map[uint64]int),
	}
}

// addBlock registers a block; withTx controls whether the block carries a
// transaction, since empty blocks are skipped without a log query.
func (c *fakeChain) addBlock(number, blockTime uint64, withTx bool, logs ...types.Log) {
	header := &types.Header{Number: new(big.Int).SetUint64(number), Time: blockTime}
	block := types.NewBlockWithHeader(header)
	if withTx {
		to := common.Address{}
		tx := types.NewTx(&types.LegacyTx{Nonce: number, Gas: 21000, GasPrice: big.NewInt(1), To: &to})
		block = block.WithBody([]*types.Transaction{tx}, nil)
	}
	c.mu.Lock()
	c.blocks[number] = block
	c.logs[block.Hash()] = logs
	c.mu.Unlock()
}

func (c *fakeChain) addEmptyRange(from, to uint64) {
	for n := from; n <= to; n++ {
		c.addBlock(n, n, false)
	}
}

func (c *fakeChain) LatestBlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest, nil
}

func (c *fakeChain) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockCalls++

	n := number.Uint64()
	if c.failBlocks[n] > 0 {
		c.failBlocks[n]--
		return nil, fmt.Errorf("rpc unavailable for block %d", n)
	}
	block, ok := c.blocks[n]
	if !ok {
		return nil, fmt.Errorf("unknown block %d", n)
	}
	return block, nil
}

func (c *fakeChain) FilterLogsByHash(ctx context.Context, blockHash common.Hash, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var matched []types.Log
	for _, lg := range c.logs[blockHash] {
		if !containsAddress(addresses, lg.Address) {
			continue
		}
		if len(lg.Topics) == 0 || len(topic0) == 0 || lg.Topics[0] != topic0[0] {
			continue
		}
		matched = append(matched, lg)
	}
	return matched, nil
}

func containsAddress(addresses []common.Address, addr common.Address) bool {
	for _, a := range addresses {
		if a == addr {
			return true
		}
	}
	return false
}

type savedBatch struct {
	checkpoint uint64
	records    []model.TradeRecord
}

type fakeStore struct {
	mu            sync.Mutex
	checkpoint    uint64
	hasCheckpoint bool
	failSaves     int
	batches       []savedBatch
}

func (s *fakeStore) LoadCheckpoint(ctx context.Context) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoint, s.hasCheckpoint, nil
}

func (s *fakeStore) SaveBatch(ctx context.Context, checkpoint uint64, records []model.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaves > 0 {
		s.failSaves--
		return fmt.Errorf("store unavailable")
	}
	s.batches = append(s.batches, savedBatch{checkpoint: checkpoint, records: records})
	s.checkpoint = checkpoint
	s.hasCheckpoint = true
	return nil
}

func (s *fakeStore) savedRecords() []model.TradeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []model.TradeRecord
	for _, b := range s.batches {
		all = append(all, b.records...)
	}
	return all
}

type fakeSink struct {
	mu      sync.Mutex
	records []model.TradeRecord
}

func (s *fakeSink) Broadcast(record model.TradeRecord) {
	s.mu.Lock()
	s.records = append(s.records, record)
	s.mu.Unlock()
}

func newTestRunner(t *testing.T, fc *fakeChain, fs *fakeStore, sink *fakeSink, reg *registry.Registry) *Runner {
	t.Helper()
	if reg == nil {
		reg = registry.New()
	}
	r, err := NewRunner(RunConfig{
		Factory:      testFactory,
		MaxBatch:     100,
		BlockTime:    time.Millisecond,
		MaxRetries:   0,
		RetryBackoff: time.Millisecond,
	}, fc, reg, fs, sink, zap.NewNop())
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return r
}

func actionLog(t *testing.T, blockNumber uint64, index uint, actionType uint8) types.Log {
	t.Helper()
	poolABI, err := chain.PoolABI()
	if err != nil {
		t.Fatalf("pool abi: %v", err)
	}
	data, err := poolABI.Events["Action"].Inputs.Pack(
		testToken,
		common.HexToAddress("0x2222000000000000000000000000000000000002"),
		big.NewInt(100),
		big.NewInt(200),
		actionType,
	)
	if err != nil {
		t.Fatalf("pack action: %v", err)
	}
	return types.Log{
		Address:     testPool,
		Topics:      []common.Hash{poolABI.Events["Action"].ID},
		Data:        data,
		BlockNumber: blockNumber,
		TxHash:      common.BytesToHash(new(big.Int).SetUint64(blockNumber).Bytes()),
		Index:       index,
	}
}

func poolCreatedLog(t *testing.T, blockNumber uint64) types.Log {
	t.Helper()
	factoryABI, err := chain.FactoryABI()
	if err != nil {
		t.Fatalf("factory abi: %v", err)
	}
	data, err := factoryABI.Events["PoolCreated"].Inputs.NonIndexed().Pack(testPool, testToken)
	if err != nil {
		t.Fatalf("pack pool created: %v", err)
	}
	return types.Log{
		Address:     testFactory,
		Topics:      []common.Hash{factoryABI.Events["PoolCreated"].ID},
		Data:        data,
		BlockNumber: blockNumber,
		TxHash:      common.HexToHash("0xcc"),
	}
}

func TestCycleStartsFromHead(t *testing.T) {
	fc := newFakeChain(1000)
	fs := &fakeStore{}
	r := newTestRunner(t, fc, fs, &fakeSink{}, nil)

	behind, err := r.cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if behind {
		t.Fatal("fresh start must not report behind")
	}
	if got := r.Checkpoint(); got != 1000 {
		t.Fatalf("fresh start must align the cursor with head: got %d", got)
	}
	if fc.blockCalls != 0 {
		t.Fatalf("fresh start must not backfill: %d block fetches", fc.blockCalls)
	}
}

func TestCycleCatchesUpInBoundedBatches(t *testing.T) {
	fc := newFakeChain(700)
	fc.addEmptyRange(500, 700)
	fs := &fakeStore{checkpoint: 500, hasCheckpoint: true}
	r := newTestRunner(t, fc, fs, &fakeSink{}, nil)
	r.cursor = 500
	r.persisted = 500

	behind, err := r.cycle(context.Background())
	if err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if !behind {
		t.Fatal("first cycle must report behind with 200 blocks of lag")
	}
	if got := r.Checkpoint(); got != 600 {
		t.Fatalf("first cycle must stop at the batch bound: cursor %d", got)
	}

	behind, err = r.cycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if behind {
		t.Fatal("second cycle must have caught up")
	}
	if got := r.Checkpoint(); got != 700 {
		t.Fatalf("second cycle must reach head: cursor %d", got)
	}
	if fc.blockCalls != 200 {
		t.Fatalf("each block must be fetched exactly once: %d calls", fc.blockCalls)
	}
}

func TestCycleRewindsToLowestFailedBlock(t *testing.T) {
	fc := newFakeChain(13)
	fc.addEmptyRange(10, 13)
	fc.failBlocks[11] = 1
	fs := &fakeStore{checkpoint: 10, hasCheckpoint: true}
	r := newTestRunner(t, fc, fs, &fakeSink{}, nil)
	r.cursor = 10
	r.persisted = 10

	_, err := r.cycle(context.Background())
	if err == nil {
		t.Fatal("cycle must surface the block failure")
	}
	if got := r.Checkpoint(); got != 11 {
		t.Fatalf("cursor must rewind to the lowest failed block: got %d", got)
	}

	behind, err := r.cycle(context.Background())
	if err != nil {
		t.Fatalf("retry cycle: %v", err)
	}
	if behind {
		t.Fatal("retry cycle must reach head")
	}
	if got := r.Checkpoint(); got != 13 {
		t.Fatalf("retry cycle must resume from the failed block: cursor %d", got)
	}
}

func TestCyclePersistsAndBroadcasts(t *testing.T) {
	fc := newFakeChain(101)
	fc.addBlock(100, 1700000000, true,
		poolCreatedLog(t, 100),
		actionLog(t, 100, 0, 0),
	)
	fs := &fakeStore{checkpoint: 100, hasCheckpoint: true}
	sink := &fakeSink{}
	r := newTestRunner(t, fc, fs, sink, nil)
	r.cursor = 100
	r.persisted = 100

	if _, err := r.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	saved := fs.savedRecords()
	if len(saved) != 1 {
		t.Fatalf("expected one persisted record, got %d", len(saved))
	}
	record := saved[0]
	if record.Action != model.ActionBuy {
		t.Fatalf("actionType=0 must persist as buy: %q", record.Action)
	}
	if record.Token == "" {
		t.Fatal("pool discovered in the same block must resolve the token")
	}
	if len(fs.batches) != 1 || fs.batches[0].checkpoint != 101 {
		t.Fatalf("checkpoint must advance with the batch: %+v", fs.batches)
	}

	sink.mu.Lock()
	broadcasts := len(sink.records)
	sink.mu.Unlock()
	if broadcasts != 1 {
		t.Fatalf("persisted record must be broadcast once, got %d", broadcasts)
	}
	if len(r.snapshotPending()) != 0 {
		t.Fatal("confirmed persist must clear the dirty set")
	}
}

func TestPersistFailureRetainsRecords(t *testing.T) {
	fc := newFakeChain(101)
	fc.addBlock(100, 1700000000, true, poolCreatedLog(t, 100), actionLog(t, 100, 0, 1))
	fs := &fakeStore{checkpoint: 100, hasCheckpoint: true, failSaves: 1}
	sink := &fakeSink{}
	r := newTestRunner(t, fc, fs, sink, nil)
	r.cursor = 100
	r.persisted = 100

	if _, err := r.cycle(context.Background()); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if len(fs.savedRecords()) != 0 {
		t.Fatal("failed persist must not record a batch")
	}
	if len(r.snapshotPending()) != 1 {
		t.Fatal("failed persist must keep records pending")
	}
	sink.mu.Lock()
	broadcasts := len(sink.records)
	sink.mu.Unlock()
	if broadcasts != 0 {
		t.Fatal("records must not be broadcast before a confirmed write")
	}

	// Next cycle with one more empty block retries the write.
	fc.mu.Lock()
	fc.latest = 102
	fc.mu.Unlock()
	fc.addBlock(101, 1700000005, false)

	if _, err := r.cycle(context.Background()); err != nil {
		t.Fatalf("retry cycle: %v", err)
	}
	saved := fs.savedRecords()
	if len(saved) != 1 {
		t.Fatalf("retried persist must write the record exactly once, got %d", len(saved))
	}
	if len(r.snapshotPending()) != 0 {
		t.Fatal("confirmed retry must clear the dirty set")
	}
}

func TestFlushWritesCheckpointOnShutdown(t *testing.T) {
	fc := newFakeChain(5)
	fs := &fakeStore{}
	r := newTestRunner(t, fc, fs, &fakeSink{}, nil)
	r.cursor = 5
	r.persisted = 3

	r.flush()

	if len(fs.batches) != 1 || fs.batches[0].checkpoint != 5 {
		t.Fatalf("flush must persist the cursor: %+v", fs.batches)
	}
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	fc := newFakeChain(500)
	fs := &fakeStore{checkpoint: 500, hasCheckpoint: true}
	r := newTestRunner(t, fc, fs, &fakeSink{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := r.Run(ctx); err != context.Canceled {
		t.Fatalf("cancelled run must return context.Canceled, got %v", err)
	}
	if got := r.Checkpoint(); got != 500 {
		t.Fatalf("run must adopt the stored checkpoint: got %d", got)
	}
}
