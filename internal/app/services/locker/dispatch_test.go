package locker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domain "github.com/R3E-Network/token_locker/internal/app/domain/locker"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPDispatcher(t *testing.T) {
	var got TransferRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transfers", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"reference":"0xfeed"}`))
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(srv.URL+"/", "secret", srv.Client())
	ref, err := d.Dispatch(context.Background(), TransferRequest{
		TransferID: "t1", ReceiverID: "a.near", ContractID: "mft.near", SubAssetID: "7",
		Amount: decimal.RequireFromString("340282366920938463463374607431768211455"),
	})
	require.NoError(t, err)
	assert.Equal(t, "0xfeed", ref)
	assert.Equal(t, "7", got.SubAssetID)
	assert.Equal(t, "340282366920938463463374607431768211455", got.Amount.String())
}

func TestHTTPDispatcher_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no funds", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPDispatcher(srv.URL, "", nil).Dispatch(context.Background(), TransferRequest{TransferID: "t1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.NotErrorIs(t, err, ErrTransferRejected)
}

func TestHTTPDispatcher_OnlyClientErrorsAreRejections(t *testing.T) {
	cases := map[int]bool{
		http.StatusBadRequest:          true,
		http.StatusUnprocessableEntity: true,
		http.StatusRequestTimeout:      false,
		http.StatusConflict:            false,
		http.StatusTooManyRequests:     false,
		http.StatusInternalServerError: false,
		http.StatusGatewayTimeout:      false,
	}
	for status, want := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		_, err := NewHTTPDispatcher(srv.URL, "", nil).Dispatch(context.Background(), TransferRequest{TransferID: "t1"})
		srv.Close()
		require.Error(t, err, status)
		assert.Equal(t, want, errors.Is(err, ErrTransferRejected), "status %d", status)
	}
}

func TestHTTPResolver(t *testing.T) {
	statuses := map[string]string{
		"/transfers/ok":      `{"status":"succeeded"}`,
		"/transfers/bad":     `{"status":"failed","message":"receiver rejected"}`,
		"/transfers/waiting": `{"status":"pending"}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := statuses[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	r := NewHTTPResolver(srv.URL, "", nil, time.Second)
	ctx := context.Background()

	done, success, _, _, err := r.Resolve(ctx, domain.Transfer{ID: "x", Reference: "ok"})
	require.NoError(t, err)
	assert.True(t, done && success)

	done, success, msg, _, err := r.Resolve(ctx, domain.Transfer{ID: "x", Reference: "bad"})
	require.NoError(t, err)
	assert.True(t, done)
	assert.False(t, success)
	assert.Equal(t, "receiver rejected", msg)

	done, _, _, retry, err := r.Resolve(ctx, domain.Transfer{ID: "waiting"})
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, time.Second, retry)

	done, _, _, _, err = r.Resolve(ctx, domain.Transfer{ID: "unknown"})
	require.NoError(t, err)
	assert.False(t, done)
}

func TestNoopDispatcher(t *testing.T) {
	ref, err := NoopDispatcher{}.Dispatch(context.Background(), TransferRequest{TransferID: "t9"})
	require.NoError(t, err)
	assert.Equal(t, "t9", ref)
}
