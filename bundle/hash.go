package bundle

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Hash computes the caller-facing bundle identifier: keccak256 over the
// transaction hashes concatenated in bundle order. Reordering transactions
// changes the identifier.
func Hash(txs []*DecodedTransaction) common.Hash {
	concat := make([]byte, 0, len(txs)*common.HashLength)
	for _, tx := range txs {
		concat = append(concat, tx.Hash.Bytes()...)
	}
	return crypto.Keccak256Hash(concat)
}
