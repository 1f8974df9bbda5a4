package stats

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestCallBundleParsesTotalGasUsed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if len(body) == 0 {
			t.Errorf("empty request body forwarded to backend")
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"totalGasUsed":123456,"results":[]}}`))
	}))
	defer srv.Close()

	resp, err := NewSimClient(srv.URL, time.Second).CallBundle(context.Background(), []byte(`{"method":"eth_callBundle"}`))
	if err != nil {
		t.Fatalf("call bundle: %v", err)
	}
	if !resp.HasResult || resp.TotalGasUsed != 123456 {
		t.Fatalf("gas not parsed: %+v", resp)
	}
	if len(resp.Raw) == 0 {
		t.Fatalf("raw reply not preserved")
	}
}

func TestCallBundleErrorReplyHasNoResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"message":"execution reverted"}}`))
	}))
	defer srv.Close()

	resp, err := NewSimClient(srv.URL, time.Second).CallBundle(context.Background(), []byte(`{}`))
	if err != nil {
		t.Fatalf("call bundle: %v", err)
	}
	if resp.HasResult {
		t.Fatalf("error reply must not count as a result")
	}
}

func TestCallBundleBackendStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := NewSimClient(srv.URL, time.Second).CallBundle(context.Background(), []byte(`{}`)); err == nil {
		t.Fatalf("expected error for non-200 backend status")
	}
}

func TestUnimplementedUserStats(t *testing.T) {
	_, err := Unimplemented().UserStats(context.Background(), common.Address{}, "")
	if !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
}
