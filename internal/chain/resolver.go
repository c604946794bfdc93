package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/R3E-Network/token_locker/internal/app/domain/locker"
	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/tidwall/gjson"
)

// VM states reported in application logs.
const (
	VMStateHalt  = "HALT"
	VMStateFault = "FAULT"
)

// ApplicationLogResolver settles transfers whose reference is an N3
// transaction hash by reading the transaction's application log. HALT means
// the transfer succeeded and FAULT means it failed. A transaction the node
// does not know yet stays pending.
type ApplicationLogResolver struct {
	client     *Client
	retryAfter time.Duration
}

// NewApplicationLogResolver returns a resolver backed by client.
func NewApplicationLogResolver(client *Client, retryAfter time.Duration) *ApplicationLogResolver {
	if retryAfter <= 0 {
		retryAfter = 15 * time.Second // one N3 block
	}
	return &ApplicationLogResolver{client: client, retryAfter: retryAfter}
}

// Resolve implements the locker transfer resolver.
func (r *ApplicationLogResolver) Resolve(ctx context.Context, tr domain.Transfer) (bool, bool, string, time.Duration, error) {
	hash, err := util.Uint256DecodeStringLE(strings.TrimPrefix(tr.Reference, "0x"))
	if err != nil {
		return false, false, "", r.retryAfter, fmt.Errorf("transfer %s: reference %q is not a transaction hash: %w", tr.ID, tr.Reference, err)
	}

	raw, err := r.client.GetApplicationLog(ctx, "0x"+hash.StringLE())
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && rpcErr.IsUnknown() {
			return false, false, "", r.retryAfter, nil
		}
		return false, false, "", r.retryAfter, err
	}

	state, exception := ExecutionState(raw)
	switch state {
	case VMStateHalt:
		return true, true, "", 0, nil
	case VMStateFault:
		return true, false, exception, 0, nil
	default:
		return false, false, "", r.retryAfter, nil
	}
}

// ExecutionState extracts the VM state and exception of the Application
// trigger execution from a getapplicationlog result.
func ExecutionState(raw []byte) (state, exception string) {
	exec := gjson.GetBytes(raw, `executions.#(trigger=="Application")`)
	if !exec.Exists() {
		exec = gjson.GetBytes(raw, "executions.0")
	}
	return strings.ToUpper(exec.Get("vmstate").String()), exec.Get("exception").String()
}
