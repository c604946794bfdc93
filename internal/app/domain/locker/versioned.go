package locker

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// Record versions. Writes always produce the current version; the previous
// one is upgraded on read.
const (
	AccountRecordV1      = 1
	AccountRecordV2      = 2
	AccountRecordCurrent = AccountRecordV2

	MetadataRecordV1      = 1
	MetadataRecordV2      = 2
	MetadataRecordCurrent = MetadataRecordV2
)

type accountRecordV1 struct {
	V            int                     `json:"v"`
	AccountID    string                  `json:"account_id"`
	LockedTokens map[string]lockRecordV1 `json:"locked_tokens"`
}

type lockRecordV1 struct {
	LockedBalance decimal.Decimal `json:"locked_balance"`
	UnlockTimeNs  uint64          `json:"unlock_time_ns"`
}

type accountRecordV2 struct {
	V            int                 `json:"v"`
	AccountID    string              `json:"account_id"`
	LockedTokens map[string]LockInfo `json:"locked_tokens"`
}

type metadataRecordV1 struct {
	V       int    `json:"v"`
	OwnerID string `json:"owner_id"`
}

type metadataRecordV2 struct {
	V             int    `json:"v"`
	OwnerID       string `json:"owner_id"`
	BurnAccountID string `json:"burn_account_id"`
}

// EncodeAccount serialises acct as a current-version record.
func EncodeAccount(acct *Account) ([]byte, error) {
	tokens := acct.LockedTokens
	if tokens == nil {
		tokens = map[string]LockInfo{}
	}
	return json.Marshal(accountRecordV2{V: AccountRecordCurrent, AccountID: acct.AccountID, LockedTokens: tokens})
}

// DecodeAccount reads any supported account record version.
func DecodeAccount(data []byte) (*Account, error) {
	switch v := recordVersion(data); v {
	case AccountRecordV1:
		var rec accountRecordV1
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode account v1: %w", err)
		}
		return upgradeAccountV1(rec), nil
	case AccountRecordV2:
		var rec accountRecordV2
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode account v2: %w", err)
		}
		acct := &Account{AccountID: rec.AccountID, LockedTokens: rec.LockedTokens}
		if acct.LockedTokens == nil {
			acct.LockedTokens = make(map[string]LockInfo)
		}
		return acct, nil
	default:
		return nil, fmt.Errorf("unsupported account record version %d", v)
	}
}

// upgradeAccountV1 converts nanosecond unlock times to seconds, rounding down.
func upgradeAccountV1(rec accountRecordV1) *Account {
	acct := NewAccount(rec.AccountID)
	for token, lock := range rec.LockedTokens {
		acct.LockedTokens[token] = LockInfo{
			LockedBalance: lock.LockedBalance,
			UnlockTimeSec: uint32(lock.UnlockTimeNs / 1_000_000_000),
		}
	}
	return acct
}

// EncodeMetadata serialises the persisted part of md. The account count is
// derived from the store and never written.
func EncodeMetadata(md Metadata) ([]byte, error) {
	return json.Marshal(metadataRecordV2{V: MetadataRecordCurrent, OwnerID: md.OwnerID, BurnAccountID: md.BurnAccountID})
}

// DecodeMetadata reads any supported metadata record version.
func DecodeMetadata(data []byte) (Metadata, error) {
	switch v := recordVersion(data); v {
	case MetadataRecordV1:
		var rec metadataRecordV1
		if err := json.Unmarshal(data, &rec); err != nil {
			return Metadata{}, fmt.Errorf("decode metadata v1: %w", err)
		}
		return Metadata{OwnerID: rec.OwnerID}, nil
	case MetadataRecordV2:
		var rec metadataRecordV2
		if err := json.Unmarshal(data, &rec); err != nil {
			return Metadata{}, fmt.Errorf("decode metadata v2: %w", err)
		}
		return Metadata{OwnerID: rec.OwnerID, BurnAccountID: rec.BurnAccountID}, nil
	default:
		return Metadata{}, fmt.Errorf("unsupported metadata record version %d", v)
	}
}

func recordVersion(data []byte) int {
	if !gjson.ValidBytes(data) {
		return 0
	}
	return int(gjson.GetBytes(data, "v").Int())
}
