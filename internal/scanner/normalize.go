package scanner

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"tradewatch/internal/chain"
	"tradewatch/internal/model"
)

// TokenLookup resolves the token a pool trades. Lookups never touch the
// network; an unregistered pool simply resolves to absent.
type TokenLookup interface {
	TokenByPool(pool string) (string, bool)
}

// buildTradeRecord converts one Action event log into a TradeRecord.
// blockTime is the containing block's timestamp in seconds.
func buildTradeRecord(lg types.Log, tokens TokenLookup, blockTime uint64) (model.TradeRecord, error) {
	poolABI, err := chain.PoolABI()
	if err != nil {
		return model.TradeRecord{}, fmt.Errorf("parse pool abi: %w", err)
	}

	values, err := poolABI.Unpack("Action", lg.Data)
	if err != nil {
		return model.TradeRecord{}, fmt.Errorf("unpack action event: %w", err)
	}
	if len(values) != 5 {
		return model.TradeRecord{}, fmt.Errorf("unexpected action event arity: %d", len(values))
	}

	initiator, ok := values[1].(common.Address)
	if !ok {
		return model.TradeRecord{}, fmt.Errorf("initiator: unexpected type %T", values[1])
	}
	tokenAmount, ok := values[2].(*big.Int)
	if !ok {
		return model.TradeRecord{}, fmt.Errorf("tokenAmount: unexpected type %T", values[2])
	}
	vtruAmount, ok := values[3].(*big.Int)
	if !ok {
		return model.TradeRecord{}, fmt.Errorf("vtruAmount: unexpected type %T", values[3])
	}
	actionType, ok := values[4].(uint8)
	if !ok {
		return model.TradeRecord{}, fmt.Errorf("actionType: unexpected type %T", values[4])
	}

	// Closed two-way classification: 0 is a buy, everything else a sell.
	action := model.ActionSell
	if actionType == 0 {
		action = model.ActionBuy
	}

	pool := strings.ToLower(lg.Address.Hex())
	token, _ := tokens.TokenByPool(pool)
	txHash := lg.TxHash.Hex()

	return model.TradeRecord{
		ID:          fmt.Sprintf("%s_%d", txHash, lg.Index),
		Token:       token,
		Hash:        txHash,
		BlockNumber: lg.BlockNumber,
		Pool:        pool,
		Client:      initiator.Hex(),
		Action:      action,
		TokenAmount: tokenAmount.String(),
		VtruAmount:  vtruAmount.String(),
		Timestamp:   int64(blockTime) * 1000,
	}, nil
}

// decodePoolCreated extracts the pool/token pair from a PoolCreated log.
func decodePoolCreated(lg types.Log) (model.PoolCreation, error) {
	factoryABI, err := chain.FactoryABI()
	if err != nil {
		return model.PoolCreation{}, fmt.Errorf("parse factory abi: %w", err)
	}

	values, err := factoryABI.Unpack("PoolCreated", lg.Data)
	if err != nil {
		return model.PoolCreation{}, fmt.Errorf("unpack pool created event: %w", err)
	}
	if len(values) != 2 {
		return model.PoolCreation{}, fmt.Errorf("unexpected pool created arity: %d", len(values))
	}

	pool, ok := values[0].(common.Address)
	if !ok {
		return model.PoolCreation{}, fmt.Errorf("pool: unexpected type %T", values[0])
	}
	token, ok := values[1].(common.Address)
	if !ok {
		return model.PoolCreation{}, fmt.Errorf("token: unexpected type %T", values[1])
	}

	return model.PoolCreation{Pool: pool.Hex(), Token: token.Hex()}, nil
}
