// Package bitgo is a REST client for the BitGo v2 custodial wallet API used
// as the escrow provider.
package bitgo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alanyoungcy/cashbridge/internal/domain"
)

// Client is the REST client for the BitGo API. Point baseURL at BitGo
// Express when sendcoins must be signed locally.
type Client struct {
	baseURL     string
	accessToken string
	passphrase  string
	httpClient  *http.Client
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithWalletPassphrase sets the passphrase sent with sendcoins.
func WithWalletPassphrase(p string) Option {
	return func(c *Client) { c.passphrase = p }
}

// NewClient creates a BitGo client.
//
// baseURL is the API root, e.g. "https://app.bitgo.com".
// accessToken is the long-lived bearer token.
func NewClient(baseURL, accessToken string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CreateAddress mints a fresh receive address on the wallet.
func (c *Client) CreateAddress(ctx context.Context, ref domain.WalletRef, label string) (string, error) {
	body, err := c.do(ctx, http.MethodPost, walletPath(ref, "address"), createAddressRequest{Label: label})
	if err != nil {
		return "", fmt.Errorf("bitgo: create address %s/%s: %w", ref.Coin, ref.WalletID, err)
	}

	var resp createAddressResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("bitgo: decode address: %w: %w", domain.ErrProvider, err)
	}
	if resp.Address == "" {
		return "", fmt.Errorf("bitgo: create address %s/%s: empty address in response: %w", ref.Coin, ref.WalletID, domain.ErrProvider)
	}
	return resp.Address, nil
}

// ListTransfers returns the wallet's recent transfers.
func (c *Client) ListTransfers(ctx context.Context, ref domain.WalletRef) ([]domain.Transfer, error) {
	body, err := c.do(ctx, http.MethodGet, walletPath(ref, "transfer"), nil)
	if err != nil {
		return nil, fmt.Errorf("bitgo: list transfers %s/%s: %w", ref.Coin, ref.WalletID, err)
	}

	var resp listTransfersResponse
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("bitgo: decode transfers: %w: %w", domain.ErrProvider, err)
	}

	out := make([]domain.Transfer, 0, len(resp.Transfers))
	for _, t := range resp.Transfers {
		dt, err := t.toDomain()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrProvider, err)
		}
		out = append(out, dt)
	}
	return out, nil
}

// SendCoins broadcasts a transfer from the wallet. BitGo rejects a repeated
// SequenceID, which makes the call idempotent per key.
func (c *Client) SendCoins(ctx context.Context, ref domain.WalletRef, req domain.SendRequest) (domain.SendResult, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return domain.SendResult{}, domain.Invalid("amount", "send amount must be positive")
	}

	payload := sendCoinsRequest{
		Address:          req.Address,
		Amount:           req.Amount.String(),
		WalletPassphrase: c.passphrase,
		SequenceID:       req.SequenceID,
		Comment:          req.Comment,
	}
	body, err := c.do(ctx, http.MethodPost, walletPath(ref, "sendcoins"), payload)
	if err != nil {
		return domain.SendResult{}, fmt.Errorf("bitgo: send coins %s/%s: %w", ref.Coin, ref.WalletID, err)
	}

	var resp sendCoinsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.SendResult{}, fmt.Errorf("bitgo: decode send: %w: %w", domain.ErrProvider, err)
	}
	txid := resp.TxID
	if txid == "" {
		txid = resp.Transfer.TxID
	}
	if txid == "" {
		return domain.SendResult{}, fmt.Errorf("bitgo: send coins %s/%s: no txid in response: %w", ref.Coin, ref.WalletID, domain.ErrProvider)
	}
	status := resp.Status
	if status == "" {
		status = resp.Transfer.State
	}
	return domain.SendResult{TxID: txid, Status: status}, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func walletPath(ref domain.WalletRef, action string) string {
	return fmt.Sprintf("/api/v2/%s/wallet/%s/%s", url.PathEscape(ref.Coin), url.PathEscape(ref.WalletID), action)
}

// do builds, sends and reads an authenticated request. Transport failures
// and non-2xx statuses both match domain.ErrProvider.
func (c *Client) do(ctx context.Context, method, path string, reqBody any) ([]byte, error) {
	var bodyReader io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w: %w", domain.ErrProvider, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w: %w", domain.ErrProvider, err)
	}

	if err := checkStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkStatus maps non-2xx responses to *APIError.
func checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	var apiErr errorResponse
	_ = json.Unmarshal(body, &apiErr)
	return &APIError{
		Status:    statusCode,
		Name:      apiErr.Name,
		Message:   apiErr.Error,
		RequestID: apiErr.RequestID,
	}
}

// Compile-time interface check.
var _ domain.WalletProvider = (*Client)(nil)
