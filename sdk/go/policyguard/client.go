// Package policyguard is a Go client for the PolicyGuard relay API. Relays use
// it to validate an action before submitting it on-chain and to commit the
// action once it has executed. Commits are signed with the relay key using
// EIP-191 personal_sign over the exact request body.
package policyguard

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// SignatureHeader carries the relay signature on commit requests.
const SignatureHeader = "X-Relay-Signature"

// Client wraps the HTTP interactions with the PolicyGuard relay API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	key        *ecdsa.PrivateKey
	now        func() time.Time
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithRelayKey sets the key used to sign commits.
func WithRelayKey(key *ecdsa.PrivateKey) Option {
	return func(c *Client) { c.key = key }
}

// Action is a proposed external call.
type Action struct {
	Target common.Address
	Value  *big.Int
	Data   []byte
}

// ValidateRequest asks whether an action would be allowed.
type ValidateRequest struct {
	NFA      common.Address
	Instance uint64
	Vault    common.Address
	Caller   common.Address
	Action   Action
}

// Verdict is the outcome of a validation.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Spend is a daily spend record.
type Spend struct {
	Instance uint64   `json:"instance"`
	Day      uint32   `json:"day"`
	Spent    *big.Int `json:"-"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("policyguard api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("policyguard api error (%d): %s", e.StatusCode, e.Message)
}

// ErrNoRelayKey is returned by Commit when the client has no signing key.
var ErrNoRelayKey = errors.New("policyguard: relay key is not set")

// NewClient instantiates a client for the PolicyGuard API.
func NewClient(rawURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	c := &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// RelayAddress returns the address derived from the signing key.
func (c *Client) RelayAddress() (common.Address, error) {
	if c.key == nil {
		return common.Address{}, ErrNoRelayKey
	}
	return crypto.PubkeyToAddress(c.key.PublicKey), nil
}

type actionPayload struct {
	Target string `json:"target"`
	Value  string `json:"value,omitempty"`
	Data   string `json:"data,omitempty"`
}

func encodeAction(a Action) actionPayload {
	p := actionPayload{Target: a.Target.Hex()}
	if a.Value != nil {
		p.Value = a.Value.String()
	}
	if len(a.Data) > 0 {
		p.Data = hexutil.Encode(a.Data)
	}
	return p
}

// Validate asks the guard whether the action would be allowed. A rejection
// is returned as a Verdict, not an error.
func (c *Client) Validate(ctx context.Context, req ValidateRequest) (Verdict, error) {
	payload := struct {
		NFA      string        `json:"nfa,omitempty"`
		Instance uint64        `json:"instance"`
		Vault    string        `json:"vault"`
		Caller   string        `json:"caller"`
		Action   actionPayload `json:"action"`
	}{
		Instance: req.Instance,
		Vault:    req.Vault.Hex(),
		Caller:   req.Caller.Hex(),
		Action:   encodeAction(req.Action),
	}
	if req.NFA != (common.Address{}) {
		payload.NFA = req.NFA.Hex()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Verdict{}, fmt.Errorf("encode request: %w", err)
	}
	var verdict Verdict
	if err := c.post(ctx, "/api/v1/validate", body, nil, &verdict); err != nil {
		return Verdict{}, err
	}
	return verdict, nil
}

// Commit records an executed action. The request body is signed with the
// relay key.
func (c *Client) Commit(ctx context.Context, instance uint64, action Action) error {
	if c.key == nil {
		return ErrNoRelayKey
	}
	body, err := json.Marshal(struct {
		Instance uint64        `json:"instance"`
		Action   actionPayload `json:"action"`
		IssuedAt int64         `json:"issued_at"`
	}{Instance: instance, Action: encodeAction(action), IssuedAt: c.now().Unix()})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	sig, err := Sign(c.key, body)
	if err != nil {
		return err
	}
	return c.post(ctx, "/api/v1/commit", body, map[string]string{SignatureHeader: sig}, nil)
}

// SpentToday returns the guard's spend counter for the current day.
func (c *Client) SpentToday(ctx context.Context, instance uint64) (Spend, error) {
	return c.spend(ctx, url.Values{"instance": {strconv.FormatUint(instance, 10)}})
}

// SpentOn returns the guard's spend counter for a given day index.
func (c *Client) SpentOn(ctx context.Context, instance uint64, day uint32) (Spend, error) {
	return c.spend(ctx, url.Values{
		"instance": {strconv.FormatUint(instance, 10)},
		"day":      {strconv.FormatUint(uint64(day), 10)},
	})
}

func (c *Client) spend(ctx context.Context, query url.Values) (Spend, error) {
	var raw struct {
		Instance uint64 `json:"instance"`
		Day      uint32 `json:"day"`
		Spent    string `json:"spent"`
	}
	if err := c.get(ctx, "/api/v1/spend?"+query.Encode(), &raw); err != nil {
		return Spend{}, err
	}
	spent, ok := new(big.Int).SetString(raw.Spent, 10)
	if !ok {
		return Spend{}, fmt.Errorf("decode spent %q", raw.Spent)
	}
	return Spend{Instance: raw.Instance, Day: raw.Day, Spent: spent}, nil
}

// Sign produces the EIP-191 personal_sign signature of body, with V in 27/28.
func Sign(key *ecdsa.PrivateKey, body []byte) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash(body), key)
	if err != nil {
		return "", fmt.Errorf("sign request: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

func (c *Client) post(ctx context.Context, endpoint string, body []byte, headers map[string]string, out any) error {
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel.Path = path.Join(c.baseURL.Path, rel.Path)
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
