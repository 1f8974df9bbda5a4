package bundle

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// CurrentVersion is stamped onto versioned bundles that omit the field.
const CurrentVersion = 2

// ErrMalformed wraps every bundle shape violation so callers can classify
// rejections without matching message text.
var ErrMalformed = errors.New("malformed bundle")

// Bundle is the canonical post-normalization record. All downstream stages
// (decode, policy, fan-out) operate on this shape regardless of which wire
// form the caller submitted.
type Bundle struct {
	Txs          []hexutil.Bytes `json:"txs"`
	BlockNumber  string          `json:"blockNumber"`
	MinTimestamp uint64          `json:"minTimestamp,omitempty"`
	MaxTimestamp uint64          `json:"maxTimestamp,omitempty"`
	Version      int             `json:"version"`
}

// SimBundle is the canonical shape for simulation requests. The coinbase is
// stamped by the relay before forwarding, never taken from the caller.
type SimBundle struct {
	Txs              []hexutil.Bytes `json:"txs"`
	BlockNumber      string          `json:"blockNumber"`
	StateBlockNumber string          `json:"stateBlockNumber,omitempty"`
	Timestamp        uint64          `json:"timestamp,omitempty"`
	Coinbase         string          `json:"coinbase,omitempty"`
}

func malformedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// Normalize resolves the two accepted wire forms into one canonical Bundle.
// The legacy form is a positional array [txs, blockNumber, minTimestamp,
// maxTimestamp]; the versioned form is a single object. Detection follows the
// first positional element: a JSON array means legacy.
func Normalize(params []json.RawMessage) (*Bundle, error) {
	if len(params) == 0 {
		return nil, malformedf("missing params")
	}
	b := &Bundle{}
	if startsWithArray(params[0]) {
		if err := json.Unmarshal(params[0], &b.Txs); err != nil {
			return nil, malformedf("invalid txs: %v", err)
		}
		if len(params) > 1 {
			if err := json.Unmarshal(params[1], &b.BlockNumber); err != nil {
				return nil, malformedf("invalid block param: %v", err)
			}
		}
		if len(params) > 2 {
			if err := json.Unmarshal(params[2], &b.MinTimestamp); err != nil {
				return nil, malformedf("minTimestamp must be an int")
			}
		}
		if len(params) > 3 {
			if err := json.Unmarshal(params[3], &b.MaxTimestamp); err != nil {
				return nil, malformedf("maxTimestamp must be an int")
			}
		}
		b.Version = CurrentVersion
	} else {
		if err := json.Unmarshal(params[0], b); err != nil {
			return nil, malformedf("invalid bundle object: %v", err)
		}
		if b.Version == 0 {
			b.Version = CurrentVersion
		}
	}
	if err := b.validate(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Bundle) validate() error {
	if len(b.Txs) == 0 {
		return malformedf("txs missing or empty")
	}
	if strings.TrimSpace(b.BlockNumber) == "" {
		return malformedf("missing block param")
	}
	if err := checkHexBlockNumber(b.BlockNumber); err != nil {
		return err
	}
	if b.MinTimestamp != 0 && b.MaxTimestamp != 0 && b.MinTimestamp > b.MaxTimestamp {
		return malformedf("minTimestamp %d exceeds maxTimestamp %d", b.MinTimestamp, b.MaxTimestamp)
	}
	return nil
}

// NormalizeSim resolves eth_callBundle params, which also accept a legacy
// positional array [txs, blockNumber, stateBlockNumber, timestamp].
func NormalizeSim(params []json.RawMessage) (*SimBundle, error) {
	if len(params) == 0 {
		return nil, malformedf("missing params")
	}
	sb := &SimBundle{}
	if startsWithArray(params[0]) {
		if err := json.Unmarshal(params[0], &sb.Txs); err != nil {
			return nil, malformedf("invalid txs: %v", err)
		}
		if len(params) > 1 {
			if err := json.Unmarshal(params[1], &sb.BlockNumber); err != nil {
				return nil, malformedf("invalid block param: %v", err)
			}
		}
		if len(params) > 2 {
			if err := json.Unmarshal(params[2], &sb.StateBlockNumber); err != nil {
				return nil, malformedf("invalid state block param: %v", err)
			}
		}
		if len(params) > 3 {
			if err := json.Unmarshal(params[3], &sb.Timestamp); err != nil {
				return nil, malformedf("timestamp must be an int")
			}
		}
	} else if err := json.Unmarshal(params[0], sb); err != nil {
		return nil, malformedf("invalid bundle object: %v", err)
	}
	if len(sb.Txs) == 0 {
		return nil, malformedf("txs missing or empty")
	}
	if strings.TrimSpace(sb.BlockNumber) == "" {
		return nil, malformedf("missing block param")
	}
	if err := checkHexBlockNumber(sb.BlockNumber); err != nil {
		return nil, err
	}
	return sb, nil
}

func checkHexBlockNumber(v string) error {
	if !strings.HasPrefix(v, "0x") {
		return malformedf("block param must be a hex int")
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(v, "0x"), 16, 64)
	if err != nil || n == 0 {
		return malformedf("block param must be a hex int")
	}
	return nil
}

func startsWithArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}
