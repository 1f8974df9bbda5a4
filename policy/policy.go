package policy

import (
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common"

	"mevrelay/bundle"
)

// Reason identifies which admission check rejected a bundle.
type Reason string

const (
	ReasonBlacklisted              Reason = "blacklisted"
	ReasonTooManyDistinctAddresses Reason = "too_many_distinct_addresses"
	ReasonGasTooLow                Reason = "gas_too_low"
	ReasonGasTooHigh               Reason = "gas_too_high"
)

// Message returns the caller-facing rejection text for a reason.
func (r Reason) Message() string {
	switch r {
	case ReasonBlacklisted:
		return "blacklisted tx"
	case ReasonTooManyDistinctAddresses:
		return "bundle touches too many distinct addresses"
	case ReasonGasTooLow:
		return "bundle gas too low"
	case ReasonGasTooHigh:
		return "bundle gas too high"
	}
	return string(r)
}

const (
	// DefaultMaxDistinctTo bounds both address dimensions of the
	// scanning/spam heuristic.
	DefaultMaxDistinctTo = 2
	// DefaultGasFloor is exclusive: a bundle must burn more than this to be
	// worth relaying.
	DefaultGasFloor uint64 = 42000
	// DefaultGasCeiling is inclusive and tracks the mainnet block gas limit.
	DefaultGasCeiling uint64 = 30_000_000
)

// Rules is the injected admission policy: a value, not compiled-in state, so
// the denylist and thresholds can change without redeploying logic.
type Rules struct {
	blacklist     map[common.Address]struct{}
	MaxDistinctTo int
	GasFloor      uint64
	GasCeiling    uint64
}

// NewRules parses the configured denylist and thresholds. Addresses are
// matched case-insensitively (hex parsing canonicalizes the 20 raw bytes).
func NewRules(blacklist []string, maxDistinctTo int, gasFloor, gasCeiling uint64) (Rules, error) {
	deny := make(map[common.Address]struct{}, len(blacklist))
	for _, entry := range blacklist {
		if !common.IsHexAddress(entry) {
			return Rules{}, fmt.Errorf("invalid blacklist address %q", entry)
		}
		deny[common.HexToAddress(entry)] = struct{}{}
	}
	if maxDistinctTo <= 0 {
		maxDistinctTo = DefaultMaxDistinctTo
	}
	if gasCeiling == 0 {
		gasCeiling = DefaultGasCeiling
	}
	if gasCeiling <= gasFloor {
		return Rules{}, fmt.Errorf("gas ceiling %d must exceed floor %d", gasCeiling, gasFloor)
	}
	return Rules{
		blacklist:     deny,
		MaxDistinctTo: maxDistinctTo,
		GasFloor:      gasFloor,
		GasCeiling:    gasCeiling,
	}, nil
}

// Blacklisted reports whether any transaction touches a denylisted address as
// sender or recipient. Contract creations have no recipient and are only
// subject to the sender check.
func (r Rules) Blacklisted(txs []*bundle.DecodedTransaction) bool {
	for _, tx := range txs {
		if _, ok := r.blacklist[tx.Sender]; ok {
			return true
		}
		if tx.To != nil {
			if _, ok := r.blacklist[*tx.To]; ok {
				return true
			}
		}
	}
	return false
}

// TooManyDistinctAddresses flags bundles that look like indiscriminate
// scanning: rejection requires BOTH the distinct-recipient and the
// distinct-sender counts to exceed the threshold, so one sender hitting many
// recipients (a common legitimate pattern) always passes.
func (r Rules) TooManyDistinctAddresses(txs []*bundle.DecodedTransaction) bool {
	from := make(map[common.Address]struct{})
	to := make(map[common.Address]struct{})
	for _, tx := range txs {
		from[tx.Sender] = struct{}{}
		if tx.To != nil {
			to[*tx.To] = struct{}{}
		}
	}
	return len(to) > r.MaxDistinctTo && len(from) > r.MaxDistinctTo
}

// GasBounds checks that the summed gas limit lies in (floor, ceiling]. The
// floor is exclusive so zero-gas no-op bundles are rejected. Gas limits are
// caller-controlled, so the sum must not be allowed to wrap.
func (r Rules) GasBounds(txs []*bundle.DecodedTransaction) (Reason, bool) {
	var total uint64
	for _, tx := range txs {
		if tx.GasLimit > math.MaxUint64-total {
			return ReasonGasTooHigh, false
		}
		total += tx.GasLimit
	}
	if total <= r.GasFloor {
		return ReasonGasTooLow, false
	}
	if total > r.GasCeiling {
		return ReasonGasTooHigh, false
	}
	return "", true
}

// Evaluate runs the checks in fixed order (blacklist, distinct addresses, gas
// bounds) and returns the first violation.
func (r Rules) Evaluate(txs []*bundle.DecodedTransaction) (Reason, bool) {
	if r.Blacklisted(txs) {
		return ReasonBlacklisted, false
	}
	if r.TooManyDistinctAddresses(txs) {
		return ReasonTooManyDistinctAddresses, false
	}
	if reason, ok := r.GasBounds(txs); !ok {
		return reason, false
	}
	return "", true
}
