package registry

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"tradewatch/internal/chain"
	"tradewatch/internal/model"
)

// ContractCaller reads contract state via eth_call.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Registry is the bidirectional pool/token mapping. Both tables hold
// canonical lowercase addresses and are mutual inverses. Entries are never
// overwritten or removed once set.
type Registry struct {
	mu          sync.RWMutex
	poolByToken map[string]string
	tokenByPool map[string]string
}

func New() *Registry {
	return &Registry{
		poolByToken: make(map[string]string),
		tokenByPool: make(map[string]string),
	}
}

func normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// PoolByToken returns the pool trading the given token.
func (r *Registry) PoolByToken(token string) (string, bool) {
	r.mu.RLock()
	pool, ok := r.poolByToken[normalize(token)]
	r.mu.RUnlock()
	return pool, ok
}

// TokenByPool returns the token traded by the given pool.
func (r *Registry) TokenByPool(pool string) (string, bool) {
	r.mu.RLock()
	token, ok := r.tokenByPool[normalize(pool)]
	r.mu.RUnlock()
	return token, ok
}

// Observe inserts pool/token pairs discovered in PoolCreated events.
// First writer wins per key; repeated observations are no-ops.
func (r *Registry) Observe(created []model.PoolCreation) {
	if len(created) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, pc := range created {
		pool := normalize(pc.Pool)
		token := normalize(pc.Token)
		if pool == "" || token == "" {
			continue
		}
		if _, ok := r.poolByToken[token]; !ok {
			r.poolByToken[token] = pool
		}
		if _, ok := r.tokenByPool[pool]; !ok {
			r.tokenByPool[pool] = token
		}
	}
}

// Pools returns a snapshot of all known pool addresses.
func (r *Registry) Pools() []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pools := make([]common.Address, 0, len(r.tokenByPool))
	for pool := range r.tokenByPool {
		pools = append(pools, common.HexToAddress(pool))
	}
	return pools
}

// Len returns the number of registered pools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tokenByPool)
}

// BulkLoad populates the registry from the factory's full token
// enumeration and its per-token pool lookup.
func (r *Registry) BulkLoad(ctx context.Context, caller ContractCaller, factory common.Address, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	factoryABI, err := chain.FactoryABI()
	if err != nil {
		return fmt.Errorf("parse factory abi: %w", err)
	}

	values, err := callFactoryMethod(ctx, caller, factory, factoryABI, "getAllTokens")
	if err != nil {
		return fmt.Errorf("getAllTokens: %w", err)
	}
	tokens, ok := values[0].([]common.Address)
	if !ok {
		return fmt.Errorf("getAllTokens: unexpected result type %T", values[0])
	}

	created := make([]model.PoolCreation, 0, len(tokens))
	for _, token := range tokens {
		values, err := callFactoryMethod(ctx, caller, factory, factoryABI, "getPool", token)
		if err != nil {
			return fmt.Errorf("getPool %s: %w", token.Hex(), err)
		}
		pool, ok := values[0].(common.Address)
		if !ok {
			return fmt.Errorf("getPool %s: unexpected result type %T", token.Hex(), values[0])
		}
		created = append(created, model.PoolCreation{
			Pool:  pool.Hex(),
			Token: token.Hex(),
		})
	}

	r.Observe(created)
	logger.Info("registry loaded", zap.Int("pools", r.Len()))
	return nil
}

func callFactoryMethod(ctx context.Context, caller ContractCaller, factory common.Address, factoryABI abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := factoryABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &factory, Data: data}
	resp, err := caller.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := factoryABI.Unpack(method, resp)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}
