package ledger

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeCollateral AccountSubType = iota

	// System sub-types
	SubTypeSystemABRReserve

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
)

// MaxSystemNameLen is the number of bytes a system account name can occupy in EntityID.
const MaxSystemNameLen = 16

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

var (
	assetToID = map[string]AssetID{
		"USDT": 1,
		"USDC": 2,
		"BTC":  3,
		"ETH":  4,
	}
	idToAsset = map[AssetID]string{
		1: "USDT",
		2: "USDC",
		3: "BTC",
		4: "ETH",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking (20 bytes, comparable)
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for users, market name for system accounts
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(userID uuid.UUID, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewSystemAccountKey creates a key for system accounts.
// Names longer than MaxSystemNameLen are truncated; callers validate beforehand.
func NewSystemAccountKey(name string, subType AccountSubType, assetID AssetID) AccountKey {
	var entityID [16]byte
	copy(entityID[:], []byte(name))
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: entityID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewReserveAccountKey returns the ABR reserve account of a market.
func NewReserveAccountKey(market string, assetID AssetID) AccountKey {
	return NewSystemAccountKey(market, SubTypeSystemABRReserve, assetID)
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// SystemName returns the name stored in a system account key.
func (k AccountKey) SystemName() string {
	return string(bytes.TrimRight(k.EntityID[:], "\x00"))
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s:%s", k.SystemName(), k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")

	var scope, sub, asset string
	var entity [16]byte

	switch {
	case len(parts) == 4 && parts[0] == "user":
		uid, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		entity = uid
		scope, sub, asset = parts[0], parts[2], parts[3]
	case len(parts) == 4 && parts[0] == "system":
		if len(parts[1]) > MaxSystemNameLen {
			return AccountKey{}, fmt.Errorf("account path %q: system name too long", path)
		}
		copy(entity[:], parts[1])
		scope, sub, asset = parts[0], parts[2], parts[3]
	case len(parts) == 3 && parts[0] == "external":
		scope, sub, asset = parts[0], parts[1], parts[2]
	default:
		return AccountKey{}, fmt.Errorf("malformed account path %q", path)
	}

	subType, ok := subTypeByName[sub]
	if !ok {
		return AccountKey{}, fmt.Errorf("account path %q: unknown sub-type %q", path, sub)
	}
	assetID, ok := GetAssetID(asset)
	if !ok {
		return AccountKey{}, fmt.Errorf("account path %q: unknown asset %q", path, asset)
	}

	key := AccountKey{EntityID: entity, SubType: subType, AssetID: assetID}
	switch scope {
	case "user":
		key.Scope = AccountScopeUser
	case "system":
		key.Scope = AccountScopeSystem
	case "external":
		key.Scope = AccountScopeExternal
	}
	return key, nil
}

// MarshalText encodes the key as its account path (JSON map keys, journal payloads).
func (k AccountKey) MarshalText() ([]byte, error) {
	return []byte(k.AccountPath()), nil
}

func (k *AccountKey) UnmarshalText(text []byte) error {
	parsed, err := ParseAccountPath(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

var subTypeByName = map[string]AccountSubType{
	"collateral":  SubTypeCollateral,
	"abr_reserve": SubTypeSystemABRReserve,
	"deposits":    SubTypeExternalDeposits,
	"withdrawals": SubTypeExternalWithdrawals,
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeCollateral:
		return "collateral"
	case SubTypeSystemABRReserve:
		return "abr_reserve"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	default:
		return "unknown"
	}
}

// guarded reports whether the account must never go below zero.
// External accounts mirror the outside world and carry the offsetting negative balance.
func (k AccountKey) guarded() bool {
	return k.Scope != AccountScopeExternal
}
