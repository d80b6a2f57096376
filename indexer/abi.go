package indexer

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/transferscan/transferscan/store"
)

const transferEventABI = `[{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}]`

var (
	erc20ABI abi.ABI

	// TransferTopic is keccak256("Transfer(address,address,uint256)"),
	// the topic every ERC-20 Transfer log carries first.
	TransferTopic common.Hash
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(transferEventABI))
	if err != nil {
		panic(fmt.Sprintf("invalid transfer ABI: %v", err))
	}
	erc20ABI = parsed
	TransferTopic = parsed.Events["Transfer"].ID
}

// decodeTransfer converts a raw Transfer log into its storage form:
// lowercase hex identifiers and the amount as a decimal string. The
// block timestamp is passed in because logs do not carry it.
func decodeTransfer(lg *types.Log, blockTime uint64) (*store.TransferEvent, error) {
	if len(lg.Topics) != 3 {
		return nil, fmt.Errorf("transfer log needs 3 topics, has %d", len(lg.Topics))
	}
	if lg.Topics[0] != TransferTopic {
		return nil, fmt.Errorf("unexpected event topic %s", lg.Topics[0])
	}
	var payload struct {
		Value *big.Int
	}
	if err := erc20ABI.UnpackIntoInterface(&payload, "Transfer", lg.Data); err != nil {
		return nil, fmt.Errorf("unpack transfer amount: %w", err)
	}
	from := common.BytesToAddress(lg.Topics[1].Bytes())
	to := common.BytesToAddress(lg.Topics[2].Bytes())

	return &store.TransferEvent{
		TxHash:      strings.ToLower(lg.TxHash.Hex()),
		LogIndex:    lg.Index,
		BlockNumber: lg.BlockNumber,
		BlockTime:   blockTime,
		From:        strings.ToLower(from.Hex()),
		To:          strings.ToLower(to.Hex()),
		Value:       payload.Value.String(),
	}, nil
}
