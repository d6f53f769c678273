// Package withdraw implements futarchy.WithdrawAPI against the external
// liquidity-withdrawal HTTP service: build an unsigned
// withdrawal transaction, confirm it with a signature, and later clean up
// the temporary swap position and deposit liquidity back into the pool.
package withdraw

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"futarchyd/crypto"
	"futarchyd/native/futarchy"
)

// HTTPDoer is satisfied by *http.Client; Client holds its HTTP client
// through this interface.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client calls the configured withdraw API. poolType selects the API's
// pool-flavor path prefix, "damm" or "dlmm".
type Client struct {
	client   HTTPDoer
	baseURL  string
	poolType string
}

// New constructs a Client. An empty poolType defaults to "damm"; a
// zero-value timeout falls back to 10s, mirroring the rest of this
// codebase's external HTTP adapters.
func New(baseURL, poolType string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if poolType == "" {
		poolType = "damm"
	}
	return &Client{
		client:   &http.Client{Timeout: timeout},
		baseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		poolType: poolType,
	}
}

type buildRequest struct {
	PoolAddress string  `json:"poolAddress"`
	Percentage  float64 `json:"percentage"`
}

type buildResponse struct {
	RequestID       string `json:"requestId"`
	Transaction     string `json:"transaction"`
	EstimatedTokenA string `json:"estimatedTokenA"`
	EstimatedTokenB string `json:"estimatedTokenB"`
	TokenAMint      string `json:"tokenAMint"`
	TokenBMint      string `json:"tokenBMint"`
	TokenADecimals  int32  `json:"tokenADecimals"`
	TokenBDecimals  int32  `json:"tokenBDecimals"`
}

// Build implements futarchy.WithdrawAPI.
func (c *Client) Build(ctx context.Context, poolAddress string, percentage float64) (futarchy.WithdrawBuildResult, error) {
	var out buildResponse
	if err := c.post(ctx, "/"+c.poolType+"/withdraw/build", buildRequest{PoolAddress: poolAddress, Percentage: percentage}, &out); err != nil {
		return futarchy.WithdrawBuildResult{}, err
	}
	tx, err := decodeHexOrBase64(out.Transaction)
	if err != nil {
		return futarchy.WithdrawBuildResult{}, fmt.Errorf("withdraw: decode transaction: %w", err)
	}
	return futarchy.WithdrawBuildResult{
		RequestID:       out.RequestID,
		Transaction:     tx,
		EstimatedTokenA: bigIntOrNil(out.EstimatedTokenA),
		EstimatedTokenB: bigIntOrNil(out.EstimatedTokenB),
		TokenAMint:      out.TokenAMint,
		TokenBMint:      out.TokenBMint,
		TokenADecimals:  out.TokenADecimals,
		TokenBDecimals:  out.TokenBDecimals,
	}, nil
}

type confirmRequest struct {
	RequestID         string `json:"requestId"`
	SignedTransaction string `json:"signedTransaction"`
}

type confirmResponse struct {
	Signature   string `json:"signature"`
	AmountA     string `json:"amountA"`
	AmountB     string `json:"amountB"`
	PoolAddress string `json:"poolAddress"`
}

// Confirm implements futarchy.WithdrawAPI.
func (c *Client) Confirm(ctx context.Context, requestID string, signedTransaction []byte) (futarchy.WithdrawConfirmResult, error) {
	var out confirmResponse
	req := confirmRequest{RequestID: requestID, SignedTransaction: encodeHex(signedTransaction)}
	if err := c.post(ctx, "/"+c.poolType+"/withdraw/confirm", req, &out); err != nil {
		return futarchy.WithdrawConfirmResult{}, err
	}
	return futarchy.WithdrawConfirmResult{
		Signature:   out.Signature,
		AmountA:     bigIntOrNil(out.AmountA),
		AmountB:     bigIntOrNil(out.AmountB),
		PoolAddress: out.PoolAddress,
	}, nil
}

type cleanupRequest struct {
	PoolAddress string `json:"poolAddress"`
	Signer      string `json:"signer"`
}

type cleanupResponse struct {
	Signature string `json:"signature"`
	Deposited bool   `json:"deposited"`
}

// CleanupSwapAndDeposit implements futarchy.WithdrawAPI. The request is
// signed by the caller's pool authority and identifies itself by address
// only; the API resolves and executes the deposit-back transaction.
func (c *Client) CleanupSwapAndDeposit(ctx context.Context, poolAddress string, signer crypto.SigningKey) (*futarchy.DepositResult, error) {
	var out cleanupResponse
	req := cleanupRequest{PoolAddress: poolAddress, Signer: signer.Address().String()}
	if err := c.post(ctx, "/"+c.poolType+"/withdraw/cleanup", req, &out); err != nil {
		return nil, err
	}
	return &futarchy.DepositResult{Signature: out.Signature, Deposited: out.Deposited}, nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("withdraw: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("withdraw: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return futarchy.Wrap(futarchy.ErrKindWithdrawAPI, 0, 0, err, "request "+path)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return futarchy.NewError(futarchy.ErrKindWithdrawAPI, fmt.Sprintf("%s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg))))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return futarchy.Wrap(futarchy.ErrKindWithdrawAPI, 0, 0, err, "decode response "+path)
	}
	return nil
}

func bigIntOrNil(s string) *big.Int {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil
	}
	return n
}

func encodeHex(b []byte) string {
	return hex.EncodeToString(b)
}

func decodeHexOrBase64(s string) ([]byte, error) {
	if decoded, err := hex.DecodeString(s); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(s); err == nil {
		return decoded, nil
	}
	return []byte(s), nil
}
