package rpc

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"mevrelay/auth"
	"mevrelay/dedup"
	"mevrelay/policy"
	"mevrelay/ratelimit"
	"mevrelay/relay"
	"mevrelay/stats"
)

type keyStore struct {
	creds map[string]*auth.Credential
}

func (s *keyStore) GetByKeyID(_ context.Context, keyID string) (*auth.Credential, error) {
	cred, ok := s.creds[keyID]
	if !ok {
		return nil, auth.ErrUnknownKey
	}
	return cred, nil
}

func newKeyStore(keyID, secret string) *keyStore {
	salt := []byte("0123456789abcdef0123456789abcdef")
	return &keyStore{creds: map[string]*auth.Credential{
		keyID: {
			KeyID:      keyID,
			Username:   "tester",
			Salt:       salt,
			HashedKey:  auth.HashSecret(secret, salt, auth.MinKeyIterations),
			Iterations: auth.MinKeyIterations,
		},
	}}
}

type minerStub struct {
	mu     sync.Mutex
	bodies [][]byte
	srv    *httptest.Server
}

func newMinerStub(t *testing.T) *minerStub {
	m := &minerStub{}
	m.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		m.mu.Lock()
		m.bodies = append(m.bodies, body)
		m.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(m.srv.Close)
	return m
}

func (m *minerStub) received() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.bodies))
	copy(out, m.bodies)
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

func newFixture(t *testing.T, mod func(*Config)) (*Server, *relay.Dispatcher) {
	t.Helper()
	rules, err := policy.NewRules(nil, 0, 0, 0)
	if err != nil {
		t.Fatalf("default rules: %v", err)
	}
	dispatcher := relay.NewDispatcher(nil, time.Second, quietLogger(), nil)
	cfg := Config{
		Gate:       auth.NewGate(newKeyStore("key-1", "s3cret")),
		Limits:     ratelimit.New(ratelimit.Config{IdentityLimit: 100, GlobalLimit: 1000}),
		Replays:    dedup.New(100, nil, quietLogger()),
		Rules:      rules,
		Dispatcher: dispatcher,
		Logger:     quietLogger(),
	}
	if mod != nil {
		mod(&cfg)
	}
	return NewServer(cfg), cfg.Dispatcher
}

func signTx(t *testing.T, key *ecdsa.PrivateKey, to common.Address, gas uint64, nonce uint64) (string, common.Hash) {
	t.Helper()
	signer := types.LatestSignerForChainID(big.NewInt(1))
	tx, err := types.SignNewTx(key, signer, &types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: big.NewInt(1_000_000_000),
	})
	if err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal tx: %v", err)
	}
	return hexutil.Encode(raw), tx.Hash()
}

func rpcBody(t *testing.T, method string, params ...any) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"jsonrpc": jsonRPCVersion,
		"id":      1,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return body
}

func post(t *testing.T, s *Server, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, r)
	return w
}

func signedHeaders(t *testing.T, body []byte, key *ecdsa.PrivateKey) map[string]string {
	t.Helper()
	header, err := auth.SignBody(body, key)
	if err != nil {
		t.Fatalf("sign body: %v", err)
	}
	return map[string]string{auth.HeaderSignature: header}
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) RPCResponse {
	t.Helper()
	var resp RPCResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return resp
}

func TestSendBundleEndToEnd(t *testing.T) {
	miner := newMinerStub(t)
	target, err := relay.NewTarget("miner", miner.srv.URL, 0, 0)
	if err != nil {
		t.Fatalf("target: %v", err)
	}
	dispatcher := relay.NewDispatcher([]relay.Target{target}, time.Second, quietLogger(), nil)
	s, _ := newFixture(t, func(cfg *Config) { cfg.Dispatcher = dispatcher })

	signer, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	txKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	raw1, h1 := signTx(t, txKey, to, 30_000, 0)
	raw2, h2 := signTx(t, txKey, to, 30_000, 1)

	body := rpcBody(t, "eth_sendBundle", []string{raw1, raw2}, "0x64")
	w := post(t, s, body, signedHeaders(t, body, signer))
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	resp := decodeResponse(t, w)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}

	var result SendBundleResult
	data, _ := json.Marshal(resp.Result)
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	want := crypto.Keccak256Hash(append(h1.Bytes(), h2.Bytes()...))
	if result.BundleHash != want.Hex() {
		t.Fatalf("bundle hash %s, want %s", result.BundleHash, want.Hex())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := dispatcher.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	received := miner.received()
	if len(received) != 1 {
		t.Fatalf("expected 1 forwarded request, got %d", len(received))
	}
	var forwarded struct {
		Method string `json:"method"`
		Params []struct {
			Txs         []string `json:"txs"`
			BlockNumber string   `json:"blockNumber"`
			Version     int      `json:"version"`
		} `json:"params"`
	}
	if err := json.Unmarshal(received[0], &forwarded); err != nil {
		t.Fatalf("decode forwarded body: %v", err)
	}
	if forwarded.Method != "eth_sendBundle" || len(forwarded.Params) != 1 {
		t.Fatalf("unexpected forwarded envelope: %s", received[0])
	}
	p := forwarded.Params[0]
	if len(p.Txs) != 2 || p.BlockNumber != "0x64" || p.Version != 2 {
		t.Fatalf("forwarded bundle not canonical: %+v", p)
	}
}

func TestSendBundleKeyAuth(t *testing.T) {
	s, _ := newFixture(t, nil)
	txKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	raw, _ := signTx(t, txKey, to, 50_000, 0)

	body := rpcBody(t, "eth_sendBundle", []string{raw}, "0x64")
	headers := map[string]string{auth.HeaderAuthorization: "key-1:s3cret"}
	if w := post(t, s, body, headers); w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	// Key-pair submissions are not subject to replay suppression.
	if w := post(t, s, body, headers); w.Code != http.StatusOK {
		t.Fatalf("key-auth replay rejected: %d %s", w.Code, w.Body.String())
	}
}

func TestMissingCredentials(t *testing.T) {
	s, _ := newFixture(t, nil)
	w := post(t, s, rpcBody(t, "eth_sendBundle"), nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status %d, want 403", w.Code)
	}
	resp := decodeResponse(t, w)
	if resp.Error == nil || resp.Error.Code != codeUnauthorized {
		t.Fatalf("unexpected error payload: %+v", resp.Error)
	}
}

func TestInvalidCredentials(t *testing.T) {
	s, _ := newFixture(t, nil)
	body := rpcBody(t, "eth_sendBundle")

	w := post(t, s, body, map[string]string{auth.HeaderAuthorization: "key-1:wrong"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("bad secret: status %d, want 403", w.Code)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	headers := signedHeaders(t, body, key)
	w = post(t, s, []byte(`{"jsonrpc":"2.0","id":2,"method":"eth_sendBundle","params":[]}`), headers)
	if w.Code != http.StatusForbidden {
		t.Fatalf("tampered body: status %d, want 403", w.Code)
	}
}

func TestDuplicateSignedRequest(t *testing.T) {
	s, _ := newFixture(t, nil)
	signer, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	txKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	raw, _ := signTx(t, txKey, to, 50_000, 0)
	body := rpcBody(t, "eth_sendBundle", []string{raw}, "0x64")
	headers := signedHeaders(t, body, signer)

	if w := post(t, s, body, headers); w.Code != http.StatusOK {
		t.Fatalf("first submission failed: %d %s", w.Code, w.Body.String())
	}
	w := post(t, s, body, headers)
	if w.Code != http.StatusAlreadyReported {
		t.Fatalf("replay status %d, want 208", w.Code)
	}
	resp := decodeResponse(t, w)
	if resp.Error == nil || resp.Error.Code != codeDuplicate {
		t.Fatalf("unexpected replay error: %+v", resp.Error)
	}
}

func TestDuplicateInsertedEvenWhenRejected(t *testing.T) {
	bad := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	s, _ := newFixture(t, func(cfg *Config) {
		rules, err := policy.NewRules([]string{bad.Hex()}, 0, 0, 0)
		if err != nil {
			t.Fatalf("rules: %v", err)
		}
		cfg.Rules = rules
	})
	signer, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	txKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	raw, _ := signTx(t, txKey, bad, 50_000, 0)
	body := rpcBody(t, "eth_sendBundle", []string{raw}, "0x64")
	headers := signedHeaders(t, body, signer)

	if w := post(t, s, body, headers); w.Code != http.StatusBadRequest {
		t.Fatalf("blacklisted bundle status %d, want 400", w.Code)
	}
	// The fingerprint was inserted before policy ran, so the retry is a replay.
	if w := post(t, s, body, headers); w.Code != http.StatusAlreadyReported {
		t.Fatalf("replay of rejected bundle status %d, want 208", w.Code)
	}
}

func TestRateLimitPerIdentity(t *testing.T) {
	s, _ := newFixture(t, func(cfg *Config) {
		cfg.Limits = ratelimit.New(ratelimit.Config{IdentityLimit: 2, GlobalLimit: 1000})
	})
	headers := map[string]string{auth.HeaderAuthorization: "key-1:s3cret"}

	for i := 0; i < 2; i++ {
		body := rpcBody(t, "eth_sendBundle", []string{fmt.Sprintf("0x0%d", i)}, "0x64")
		w := post(t, s, body, headers)
		if w.Code == http.StatusTooManyRequests {
			t.Fatalf("request %d within budget was rate limited", i+1)
		}
	}
	w := post(t, s, rpcBody(t, "eth_sendBundle", []string{"0x03"}, "0x64"), headers)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status %d, want 429", w.Code)
	}
	resp := decodeResponse(t, w)
	if resp.Error == nil || resp.Error.Code != codeRateLimited {
		t.Fatalf("unexpected rate limit error: %+v", resp.Error)
	}
}

func TestPolicyRejection(t *testing.T) {
	bad := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	s, _ := newFixture(t, func(cfg *Config) {
		rules, err := policy.NewRules([]string{bad.Hex()}, 0, 0, 0)
		if err != nil {
			t.Fatalf("rules: %v", err)
		}
		cfg.Rules = rules
	})
	txKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	raw, _ := signTx(t, txKey, bad, 50_000, 0)
	body := rpcBody(t, "eth_sendBundle", []string{raw}, "0x64")
	w := post(t, s, body, map[string]string{auth.HeaderAuthorization: "key-1:s3cret"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", w.Code)
	}
	resp := decodeResponse(t, w)
	if resp.Error == nil || resp.Error.Code != codePolicyRejected || resp.Error.Message != "blacklisted tx" {
		t.Fatalf("unexpected rejection: %+v", resp.Error)
	}
}

func TestGasFloorRejection(t *testing.T) {
	s, _ := newFixture(t, nil)
	txKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	raw, _ := signTx(t, txKey, to, 21_000, 0) // below the 42000 floor
	body := rpcBody(t, "eth_sendBundle", []string{raw}, "0x64")
	w := post(t, s, body, map[string]string{auth.HeaderAuthorization: "key-1:s3cret"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", w.Code)
	}
	resp := decodeResponse(t, w)
	if resp.Error == nil || resp.Error.Message != "bundle gas too low" {
		t.Fatalf("unexpected rejection: %+v", resp.Error)
	}
}

func TestUndecodableTx(t *testing.T) {
	s, _ := newFixture(t, nil)
	body := rpcBody(t, "eth_sendBundle", []string{"0xdeadbeef"}, "0x64")
	w := post(t, s, body, map[string]string{auth.HeaderAuthorization: "key-1:s3cret"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", w.Code)
	}
	resp := decodeResponse(t, w)
	if resp.Error == nil || resp.Error.Message != "unable to decode txs" {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}

func TestMethodNotFound(t *testing.T) {
	s, _ := newFixture(t, nil)
	body := rpcBody(t, "eth_getBalance")
	w := post(t, s, body, map[string]string{auth.HeaderAuthorization: "key-1:s3cret"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", w.Code)
	}
	resp := decodeResponse(t, w)
	if resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if !strings.Contains(resp.Error.Message, "eth_getBalance") {
		t.Fatalf("message should echo the rejected method: %q", resp.Error.Message)
	}
}

func TestMalformedJSON(t *testing.T) {
	s, _ := newFixture(t, nil)
	w := post(t, s, []byte(`{"jsonrpc":`), map[string]string{auth.HeaderAuthorization: "key-1:s3cret"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", w.Code)
	}
	resp := decodeResponse(t, w)
	if resp.Error == nil || resp.Error.Code != codeParseError {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}

func TestEmptyBody(t *testing.T) {
	s, _ := newFixture(t, nil)
	w := post(t, s, nil, map[string]string{auth.HeaderAuthorization: "key-1:s3cret"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", w.Code)
	}
}

func TestCallBundleUnconfigured(t *testing.T) {
	s, _ := newFixture(t, nil)
	body := rpcBody(t, "eth_callBundle", []string{"0x01"}, "0x64")
	w := post(t, s, body, map[string]string{auth.HeaderAuthorization: "key-1:s3cret"})
	if w.Code != http.StatusNotImplemented {
		t.Fatalf("status %d, want 501", w.Code)
	}
}

func TestCallBundleGasFloorAndPassthrough(t *testing.T) {
	var simBodies [][]byte
	var mu sync.Mutex
	gas := uint64(10_000)
	sim := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		simBodies = append(simBodies, body)
		g := gas
		mu.Unlock()
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"result":{"totalGasUsed":%d,"results":[]}}`, g)
	}))
	defer sim.Close()

	s, _ := newFixture(t, func(cfg *Config) {
		cfg.Sim = stats.NewSimClient(sim.URL, time.Second)
		cfg.Coinbase = "0x2222222222222222222222222222222222222222"
		cfg.MinSimGasUsed = 42_000
	})
	txKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	raw, _ := signTx(t, txKey, to, 100_000, 0)
	headers := map[string]string{auth.HeaderAuthorization: "key-1:s3cret"}

	body := rpcBody(t, "eth_callBundle", []string{raw}, "0x64")
	w := post(t, s, body, headers)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("low-gas simulation status %d, want 400", w.Code)
	}
	resp := decodeResponse(t, w)
	if resp.Error == nil || !strings.Contains(resp.Error.Message, "must use at least 42000") {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}

	mu.Lock()
	gas = 100_000
	mu.Unlock()
	w = post(t, s, body, headers)
	if w.Code != http.StatusOK {
		t.Fatalf("simulation status %d: %s", w.Code, w.Body.String())
	}
	// The backend reply is relayed verbatim.
	if !strings.Contains(w.Body.String(), `"totalGasUsed":100000`) {
		t.Fatalf("backend reply not passed through: %s", w.Body.String())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(simBodies) != 2 {
		t.Fatalf("expected 2 simulation calls, got %d", len(simBodies))
	}
	var forwarded struct {
		Params []struct {
			Coinbase string `json:"coinbase"`
		} `json:"params"`
	}
	if err := json.Unmarshal(simBodies[0], &forwarded); err != nil {
		t.Fatalf("decode forwarded sim body: %v", err)
	}
	if len(forwarded.Params) != 1 || forwarded.Params[0].Coinbase != "0x2222222222222222222222222222222222222222" {
		t.Fatalf("coinbase not stamped: %s", simBodies[0])
	}
}

func TestUserStats(t *testing.T) {
	s, _ := newFixture(t, nil)
	signer, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	// Key-pair credentials alone do not identify a signer address.
	body := rpcBody(t, "flashbots_getUserStats", "0x64")
	w := post(t, s, body, map[string]string{auth.HeaderAuthorization: "key-1:s3cret"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("key-only status %d, want 403", w.Code)
	}

	w = post(t, s, body, signedHeaders(t, body, signer))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("signed status %d, want 400", w.Code)
	}
	resp := decodeResponse(t, w)
	if resp.Error == nil || !strings.Contains(resp.Error.Message, "not implemented") {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}

func TestHealthz(t *testing.T) {
	s, _ := newFixture(t, nil)
	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, r)
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("healthz %d %q", w.Code, w.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newFixture(t, nil)
	r := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status %d", w.Code)
	}
}
