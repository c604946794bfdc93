package locker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestAccountRecord_WritesCurrentVersion(t *testing.T) {
	acct := NewAccount("alice.near")
	acct.LockedTokens["x.near"] = LockInfo{LockedBalance: dec(12345678901234567), UnlockTimeSec: 77}

	data, err := EncodeAccount(acct)
	require.NoError(t, err)
	assert.EqualValues(t, AccountRecordCurrent, gjson.GetBytes(data, "v").Int())
	assert.Equal(t, "12345678901234567", gjson.GetBytes(data, `locked_tokens.x\.near.locked_balance`).String())

	back, err := DecodeAccount(data)
	require.NoError(t, err)
	assert.Equal(t, "alice.near", back.AccountID)
	info, ok := back.Lock("x.near")
	require.True(t, ok)
	assert.True(t, info.LockedBalance.Equal(dec(12345678901234567)))
	assert.EqualValues(t, 77, info.UnlockTimeSec)
}

func TestAccountRecord_UpgradesV1(t *testing.T) {
	legacy := []byte(`{"v":1,"account_id":"bob.near","locked_tokens":{"y.near":{"locked_balance":"30","unlock_time_ns":1700000000999999999}}}`)
	acct, err := DecodeAccount(legacy)
	require.NoError(t, err)
	info, ok := acct.Lock("y.near")
	require.True(t, ok)
	assert.EqualValues(t, 1700000000, info.UnlockTimeSec)
	assert.True(t, info.LockedBalance.Equal(dec(30)))
}

func TestAccountRecord_UnknownVersion(t *testing.T) {
	_, err := DecodeAccount([]byte(`{"v":9,"account_id":"x"}`))
	assert.Error(t, err)
	_, err = DecodeAccount([]byte(`garbage`))
	assert.Error(t, err)
}

func TestMetadataRecord(t *testing.T) {
	md, err := DecodeMetadata([]byte(`{"v":1,"owner_id":"owner.near"}`))
	require.NoError(t, err)
	assert.Equal(t, Metadata{OwnerID: "owner.near"}, md)

	data, err := EncodeMetadata(Metadata{OwnerID: "owner.near", BurnAccountID: "burn.near", CurrentAccountNum: 5})
	require.NoError(t, err)
	assert.EqualValues(t, MetadataRecordCurrent, gjson.GetBytes(data, "v").Int())
	assert.False(t, gjson.GetBytes(data, "current_account_num").Exists())

	md, err = DecodeMetadata(data)
	require.NoError(t, err)
	assert.Equal(t, "burn.near", md.BurnAccountID)
}
