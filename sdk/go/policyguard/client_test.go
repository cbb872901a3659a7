package policyguard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	vault  = common.HexToAddress("0x00000000000000000000000000000000000a0008")
	router = common.HexToAddress("0x00000000000000000000000000000000000b0001")
	renter = common.HexToAddress("0x00000000000000000000000000000000000a0003")
)

func TestValidateEncodesAction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/validate" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		action := body["action"].(map[string]any)
		if action["value"] != "5" || action["data"] != "0x095ea7b3" || body["nfa"] != nil {
			t.Fatalf("unexpected payload %v", body)
		}
		_ = json.NewEncoder(w).Encode(Verdict{Allowed: false, Reason: "Cooldown active"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	verdict, err := client.Validate(context.Background(), ValidateRequest{
		Instance: 2,
		Vault:    vault,
		Caller:   renter,
		Action:   Action{Target: router, Value: big.NewInt(5), Data: []byte{0x09, 0x5e, 0xa7, 0xb3}},
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if verdict.Allowed || verdict.Reason != "Cooldown active" {
		t.Fatalf("unexpected verdict %+v", verdict)
	}
}

func TestCommitSignsBody(t *testing.T) {
	key, _ := crypto.GenerateKey()
	want := crypto.PubkeyToAddress(key.PublicKey)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		sig, err := hexutil.Decode(r.Header.Get(SignatureHeader))
		if err != nil || len(sig) != crypto.SignatureLength {
			t.Fatalf("bad signature header: %v", err)
		}
		sig[crypto.RecoveryIDOffset] -= 27
		pub, err := crypto.SigToPub(accounts.TextHash(body), sig)
		if err != nil || crypto.PubkeyToAddress(*pub) != want {
			t.Fatalf("signature does not recover the relay: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"committed": true})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, WithHTTPClient(srv.Client()), WithRelayKey(key))
	if err := client.Commit(context.Background(), 2, Action{Target: vault, Value: big.NewInt(8)}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if addr, err := client.RelayAddress(); err != nil || addr != want {
		t.Fatalf("relay address: %s %v", addr.Hex(), err)
	}

	unsigned, _ := NewClient(srv.URL, WithHTTPClient(srv.Client()))
	if err := unsigned.Commit(context.Background(), 2, Action{Target: vault}); !errors.Is(err, ErrNoRelayKey) {
		t.Fatalf("expected ErrNoRelayKey, got %v", err)
	}
}

func TestErrorsAndSpend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("day") == "18999" {
			_ = json.NewEncoder(w).Encode(map[string]any{"instance": 2, "day": 18999, "spent": "8"})
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"code": "NOT_BOUND", "message": "agent 2 has no bound policy"}})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, WithHTTPClient(srv.Client()))
	spend, err := client.SpentOn(context.Background(), 2, 18999)
	if err != nil || spend.Spent.Int64() != 8 || spend.Day != 18999 {
		t.Fatalf("spent on: %+v %v", spend, err)
	}
	_, err = client.SpentToday(context.Background(), 2)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "NOT_BOUND" {
		t.Fatalf("expected NOT_BOUND api error, got %v", err)
	}
}
