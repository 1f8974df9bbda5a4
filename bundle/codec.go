package bundle

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrDecode wraps every transaction decoding failure: malformed or truncated
// bytes, unsupported envelope types, and unrecoverable signatures.
var ErrDecode = errors.New("unable to decode tx")

// DecodedTransaction carries the routing- and policy-relevant fields of one
// signed transaction. It is derived per request and never persisted.
type DecodedTransaction struct {
	Sender   common.Address
	To       *common.Address // nil for contract creation
	GasLimit uint64
	Hash     common.Hash
}

// DecodeTx parses a serialized signed transaction. Both legacy RLP lists and
// EIP-2718 typed envelopes are accepted; the envelope prefix byte selects the
// encoding. The sender is always recovered from the signature rather than
// trusted from the payload.
func DecodeTx(raw []byte) (*DecodedTransaction, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	sender, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return nil, fmt.Errorf("%w: recover sender: %v", ErrDecode, err)
	}
	return &DecodedTransaction{
		Sender:   sender,
		To:       tx.To(),
		GasLimit: tx.Gas(),
		Hash:     tx.Hash(),
	}, nil
}

// DecodeTxs decodes every transaction of a bundle, preserving order. The
// first bad transaction fails the whole batch.
func DecodeTxs(raws []hexutil.Bytes) ([]*DecodedTransaction, error) {
	decoded := make([]*DecodedTransaction, 0, len(raws))
	for i, raw := range raws {
		tx, err := DecodeTx(raw)
		if err != nil {
			return nil, fmt.Errorf("tx %d: %w", i, err)
		}
		decoded = append(decoded, tx)
	}
	return decoded, nil
}
