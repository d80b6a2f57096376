package store

import (
	"math/big"
	"time"
)

// TransferEvent is one decoded ERC-20 Transfer log in storage form.
// Hashes and addresses are lowercase 0x-prefixed hex; Value is the token
// amount as a decimal string, preserving uint256 precision.
type TransferEvent struct {
	TxHash      string    `json:"txHash"`
	LogIndex    uint      `json:"logIndex"`
	BlockNumber uint64    `json:"blockNumber"`
	BlockTime   uint64    `json:"blockTimestamp"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Value       string    `json:"value"`
	IndexedAt   time.Time `json:"indexedAt"`
}

// EventQuery selects a page of stored events. Zero-valued filters are
// ignored; nil block bounds leave that side open.
type EventQuery struct {
	From       string
	To         string
	StartBlock *uint64
	EndBlock   *uint64
	Page       int
	PageSize   int
}

const (
	defaultPageSize = 25
	maxPageSize     = 1000
)

func (q EventQuery) withDefaults() EventQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = defaultPageSize
	}
	if q.PageSize > maxPageSize {
		q.PageSize = maxPageSize
	}
	return q
}

// Stats summarizes the stored event set.
type Stats struct {
	TotalEvents int64
	TotalValue  *big.Int
}
