package model

// Trade action kinds. The event's actionType is a closed two-way
// classification: 0 is a buy, every other value is recorded as a sell.
const (
	ActionBuy  = "buy"
	ActionSell = "sell"
)

// TradeRecord is one normalized buy or sell against a pool, keyed by a
// stable identity derived from the transaction hash and log index.
type TradeRecord struct {
	ID          string `json:"id"`
	Token       string `json:"token,omitempty"`
	Hash        string `json:"hash"`
	BlockNumber uint64 `json:"blockNumber"`
	Pool        string `json:"pool"`
	Client      string `json:"client"`
	Action      string `json:"action"`
	TokenAmount string `json:"tokenAmount"`
	VtruAmount  string `json:"vtruAmount"`
	Timestamp   int64  `json:"timestamp"`
}

// PoolCreation is a pool/token pair observed in a factory PoolCreated event.
type PoolCreation struct {
	Pool  string
	Token string
}
