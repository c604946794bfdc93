package locker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	domain "github.com/R3E-Network/token_locker/internal/app/domain/locker"
	"github.com/R3E-Network/token_locker/internal/httputil"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// TransferRequest describes an outbound transfer of in-flight value.
type TransferRequest struct {
	TransferID string          `json:"transfer_id"`
	ReceiverID string          `json:"receiver_id"`
	ContractID string          `json:"contract_id"`
	SubAssetID string          `json:"sub_asset_id,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
}

// ErrTransferRejected marks a transfer the receiving side refused outright.
// Dispatch errors that do not wrap it leave the outcome unknown.
var ErrTransferRejected = errors.New("transfer rejected")

// Dispatcher issues outbound transfers. It returns an opaque reference the
// resolver can later use to look the transfer up.
//
// An error wrapping ErrTransferRejected means the transfer was definitely not
// issued and it is reverted at once. Any other error keeps the transfer in
// flight and it is dispatched again under the same TransferID, so receivers
// must treat TransferID as an idempotency key.
type Dispatcher interface {
	Dispatch(ctx context.Context, req TransferRequest) (reference string, err error)
}

// NoopDispatcher accepts every transfer without sending anything. Results
// have to be posted through CompleteTransfer.
type NoopDispatcher struct{}

// Dispatch returns the transfer id as reference.
func (NoopDispatcher) Dispatch(_ context.Context, req TransferRequest) (string, error) {
	return req.TransferID, nil
}

// HTTPDispatcher posts transfers to a relay or signer endpoint, which answers
// with {"reference": "..."} (or {"tx_hash": "..."}).
type HTTPDispatcher struct {
	client *httputil.ServiceClient
}

// NewHTTPDispatcher returns a dispatcher posting to url.
func NewHTTPDispatcher(url, apiKey string, client *http.Client) *HTTPDispatcher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPDispatcher{client: httputil.NewServiceClient(httputil.ServiceClientConfig{
		BaseURL:    url,
		APIKey:     apiKey,
		HTTPClient: client,
	})}
}

// Dispatch posts req and returns the reference from the response.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, req TransferRequest) (string, error) {
	resp, err := d.client.Post(ctx, "/transfers", req)
	if err != nil {
		return "", fmt.Errorf("dispatch transfer %s: %w", req.TransferID, err)
	}
	if err := resp.Err(); err != nil {
		if rejected(resp.StatusCode) {
			return "", fmt.Errorf("dispatch transfer %s: %w: %v", req.TransferID, ErrTransferRejected, err)
		}
		return "", fmt.Errorf("dispatch transfer %s: %w", req.TransferID, err)
	}

	ref := gjson.GetBytes(resp.Body, "reference").String()
	if ref == "" {
		ref = gjson.GetBytes(resp.Body, "tx_hash").String()
	}
	if ref == "" {
		ref = req.TransferID
	}
	return ref, nil
}

// rejected reports whether a relay status proves the transfer was refused.
// Timeouts, throttling and conflicts with an earlier attempt stay ambiguous.
func rejected(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooManyRequests:
		return false
	}
	return status >= 400 && status < 500
}

// HTTPResolver polls the relay for the status of dispatched transfers at
// GET {url}/transfers/{reference}. The status field is one of pending,
// succeeded or failed.
type HTTPResolver struct {
	client     *httputil.ServiceClient
	retryAfter time.Duration
}

// NewHTTPResolver returns a resolver polling url.
func NewHTTPResolver(url, apiKey string, client *http.Client, retryAfter time.Duration) *HTTPResolver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if retryAfter <= 0 {
		retryAfter = 10 * time.Second
	}
	return &HTTPResolver{
		client: httputil.NewServiceClient(httputil.ServiceClientConfig{
			BaseURL:    url,
			APIKey:     apiKey,
			HTTPClient: client,
		}),
		retryAfter: retryAfter,
	}
}

// Resolve implements TransferResolver.
func (r *HTTPResolver) Resolve(ctx context.Context, tr domain.Transfer) (bool, bool, string, time.Duration, error) {
	ref := tr.Reference
	if ref == "" {
		ref = tr.ID
	}
	resp, err := r.client.Get(ctx, "/transfers/"+url.PathEscape(ref))
	if err != nil {
		return false, false, "", r.retryAfter, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return false, false, "", r.retryAfter, nil
	}
	if err := resp.Err(); err != nil {
		return false, false, "", r.retryAfter, fmt.Errorf("relay %w", err)
	}

	message := gjson.GetBytes(resp.Body, "message").String()
	switch strings.ToLower(gjson.GetBytes(resp.Body, "status").String()) {
	case "succeeded", "success", "confirmed":
		return true, true, message, 0, nil
	case "failed", "rejected":
		return true, false, message, 0, nil
	default:
		return false, false, message, r.retryAfter, nil
	}
}
