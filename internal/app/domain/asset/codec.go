// Package asset encodes and decodes the identifiers the ledger uses to name
// the assets it holds.
//
// A bare identifier names a whole token contract ("usdt.tether-token.near").
// A compound identifier names one sub-asset hosted inside a multi-token
// contract and is written as <contract-id>@<sub-asset-id>. The separator can
// never occur in a contract id, so decoding splits on it unambiguously.
package asset

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nspcc-dev/neo-go/pkg/util"
)

// Separator joins a multi-token contract id and the sub-asset id.
const Separator = "@"

// ErrMalformedAssetID is returned for identifiers that cannot be decoded.
var ErrMalformedAssetID = errors.New("malformed asset id")

// ContractValidator reports whether s is a well formed contract identifier.
type ContractValidator func(s string) error

// Codec encodes and decodes asset identifiers using a contract id validator.
type Codec struct {
	validate ContractValidator
}

// NewCodec returns a codec checking contract ids with validate. A nil
// validator selects ValidateAccountID.
func NewCodec(validate ContractValidator) *Codec {
	if validate == nil {
		validate = ValidateAccountID
	}
	return &Codec{validate: validate}
}

// CodecFor returns the codec for a configured contract id format: "account"
// (named accounts, the default) or "neo" (N3 script hashes).
func CodecFor(format string) (*Codec, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "account":
		return NewCodec(ValidateAccountID), nil
	case "neo":
		return NewCodec(ValidateScriptHash), nil
	default:
		return nil, fmt.Errorf("unknown contract id format %q", format)
	}
}

// Encode builds the compound identifier for subAssetID hosted by contractID.
func (c *Codec) Encode(contractID, subAssetID string) (string, error) {
	if err := c.validate(contractID); err != nil {
		return "", fmt.Errorf("%w: contract %q: %v", ErrMalformedAssetID, contractID, err)
	}
	if subAssetID == "" || strings.Contains(subAssetID, Separator) {
		return "", fmt.Errorf("%w: sub-asset %q", ErrMalformedAssetID, subAssetID)
	}
	return contractID + Separator + subAssetID, nil
}

// Decode splits id into its contract id and, for compound identifiers, the
// sub-asset id. subAssetID is empty for bare identifiers.
func (c *Codec) Decode(id string) (contractID, subAssetID string, err error) {
	parts := strings.Split(id, Separator)
	switch len(parts) {
	case 1:
		contractID = parts[0]
	case 2:
		contractID, subAssetID = parts[0], parts[1]
		if subAssetID == "" {
			return "", "", fmt.Errorf("%w: %q has an empty sub-asset", ErrMalformedAssetID, id)
		}
	default:
		return "", "", fmt.Errorf("%w: %q has more than one separator", ErrMalformedAssetID, id)
	}
	if err := c.validate(contractID); err != nil {
		return "", "", fmt.Errorf("%w: contract %q: %v", ErrMalformedAssetID, contractID, err)
	}
	return contractID, subAssetID, nil
}

// ValidateAccount checks an account id against the same grammar as contract
// ids: named accounts in account format, script hashes in neo format.
func (c *Codec) ValidateAccount(id string) error {
	return c.validate(id)
}

// ValidateAccountID accepts named account ids: 2 to 64 characters of
// lowercase letters and digits, separated by single '-', '_' or '.'.
func ValidateAccountID(s string) error {
	if len(s) < 2 || len(s) > 64 {
		return fmt.Errorf("length %d outside [2, 64]", len(s))
	}
	prevSep := true
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= '0' && ch <= '9':
			prevSep = false
		case ch == '-' || ch == '_' || ch == '.':
			if prevSep {
				return fmt.Errorf("unexpected separator at %d", i)
			}
			prevSep = true
		default:
			return fmt.Errorf("invalid character %q at %d", ch, i)
		}
	}
	if prevSep {
		return errors.New("trailing separator")
	}
	return nil
}

// ValidateScriptHash accepts Neo N3 contract script hashes in their display
// form (40 hex characters), with or without a 0x prefix.
func ValidateScriptHash(s string) error {
	_, err := util.Uint160DecodeStringLE(strings.TrimPrefix(s, "0x"))
	return err
}
