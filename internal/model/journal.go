package model

// RebalanceRecord is the journaled outcome of one keeper action.
type RebalanceRecord struct {
	ChainID   uint64   `json:"chain_id"`
	Pool      string   `json:"pool"`
	Action    string   `json:"action"`
	Deviation string   `json:"deviation"`
	Price     string   `json:"price"`
	Tick      int32    `json:"tick"`
	ClosedIDs []uint64 `json:"closed_ids,omitempty"`
	OpenedIDs []uint64 `json:"opened_ids,omitempty"`
	TxHashes  []string `json:"tx_hashes,omitempty"`

	// Raw token amounts the close's Collect events paid out, covering both
	// withdrawn principal and accrued fees.
	CollectedBase  string `json:"collected_base,omitempty"`
	CollectedQuote string `json:"collected_quote,omitempty"`
	Note           string `json:"note,omitempty"`
	Timestamp      string `json:"timestamp"`
}

// OpeningSnapshot freezes the conditions a position was created under, for
// later profit-and-loss comparison.
type OpeningSnapshot struct {
	TokenID      uint64 `json:"token_id"`
	TickLower    int32  `json:"tick_lower"`
	TickUpper    int32  `json:"tick_upper"`
	HumanPrice   string `json:"human_price"`
	BaseBalance  string `json:"base_balance"`
	QuoteBalance string `json:"quote_balance"`
	CreatedAt    string `json:"created_at"`
}
