// Package policy holds the static cache policy for supported contract functions:
// their TTLs, the query parameters they consume, cache key derivation and the
// on-chain events that make their cached results stale.
package policy

import (
	"time"
)

// Function is one of the closed set of supported read-only contract functions.
type Function uint8

const (
	FunctionInvalid Function = iota

	// ERC-721
	Name
	Symbol
	TotalSupply
	BalanceOf
	OwnerOf
	GetApproved
	IsApprovedForAll
	TokenURI
	TokenByIndex
	TokenOfOwnerByIndex
	SupportsInterface

	// contract specific, no parameters
	InverseBasisPoint
	LastID
	MaxFeeRate
	MintFee
	ContractOwner
	TotalBurned
	GetCreatorCount
	GetCreators
	GetTotalBurned

	// contract specific, with parameters
	Importers
	OriginalTokenInfo
	SBTFlag
	TotalDonations
	GetCreatorName
	GetCreatorTokenCount
	GetCreatorTokens
	GetTokenCreator
	Royalties
	RoyaltyInfo

	// ERC-6551 token bound account
	Owner
	Token
	Nonce
	IsValidSignature

	// ERC-6551 registry
	Account

	functionCount
)

// ParamKind groups functions by the positional query parameters they require.
type ParamKind uint8

const (
	ParamsNone ParamKind = iota
	ParamsTokenID
	ParamsAddress
	ParamsInterfaceID
	ParamsOwnerOperator
	ParamsOwnerIndex
	ParamsTokenIDSalePrice
	ParamsHashSignature
	ParamsAccount
)

var paramNames = [...][]string{
	ParamsNone:             nil,
	ParamsTokenID:          {"tokenId"},
	ParamsAddress:          {"address"},
	ParamsInterfaceID:      {"interfaceId"},
	ParamsOwnerOperator:    {"owner", "operator"},
	ParamsOwnerIndex:       {"owner", "index"},
	ParamsTokenIDSalePrice: {"tokenId", "salePrice"},
	ParamsHashSignature:    {"hash", "signature"},
	ParamsAccount:          {"implementation", "chainId", "tokenContract", "tokenId", "salt"},
}

type functionInfo struct {
	name   string
	ttl    uint32 // seconds
	params ParamKind
}

const (
	minute = 60
	hour   = 60 * minute
	day    = 24 * hour
)

var functionTable = [functionCount]functionInfo{
	Name:                {"name", day, ParamsNone},
	Symbol:              {"symbol", day, ParamsNone},
	TotalSupply:         {"totalSupply", 5 * minute, ParamsNone},
	BalanceOf:           {"balanceOf", minute, ParamsAddress},
	OwnerOf:             {"ownerOf", 5 * minute, ParamsTokenID},
	GetApproved:         {"getApproved", 5 * minute, ParamsTokenID},
	IsApprovedForAll:    {"isApprovedForAll", 5 * minute, ParamsOwnerOperator},
	TokenURI:            {"tokenURI", hour, ParamsTokenID},
	TokenByIndex:        {"tokenByIndex", 5 * minute, ParamsTokenID},
	TokenOfOwnerByIndex: {"tokenOfOwnerByIndex", minute, ParamsOwnerIndex},
	SupportsInterface:   {"supportsInterface", day, ParamsInterfaceID},

	InverseBasisPoint: {"INVERSE_BASIS_POINT", day, ParamsNone},
	LastID:            {"_lastId", minute, ParamsNone},
	MaxFeeRate:        {"_maxFeeRate", hour, ParamsNone},
	MintFee:           {"_mintFee", hour, ParamsNone},
	ContractOwner:     {"_owner", hour, ParamsNone},
	TotalBurned:       {"_totalBurned", 5 * minute, ParamsNone},
	GetCreatorCount:   {"getCreatorCount", 5 * minute, ParamsNone},
	GetCreators:       {"getCreators", 5 * minute, ParamsNone},
	GetTotalBurned:    {"getTotalBurned", 5 * minute, ParamsNone},

	Importers:            {"_importers", hour, ParamsAddress},
	OriginalTokenInfo:    {"_originalTokenInfo", hour, ParamsTokenID},
	SBTFlag:              {"_sbtFlag", hour, ParamsTokenID},
	TotalDonations:       {"_totalDonations", 5 * minute, ParamsAddress},
	GetCreatorName:       {"getCreatorName", hour, ParamsAddress},
	GetCreatorTokenCount: {"getCreatorTokenCount", 5 * minute, ParamsAddress},
	GetCreatorTokens:     {"getCreatorTokens", 5 * minute, ParamsAddress},
	GetTokenCreator:      {"getTokenCreator", day, ParamsTokenID},
	Royalties:            {"royalties", day, ParamsTokenID},
	RoyaltyInfo:          {"royaltyInfo", day, ParamsTokenIDSalePrice},

	Owner:            {"owner", 5 * minute, ParamsNone},
	Token:            {"token", day, ParamsNone},
	Nonce:            {"nonce", minute, ParamsNone},
	IsValidSignature: {"isValidSignature", 5 * minute, ParamsHashSignature},

	Account: {"account", day, ParamsAccount},
}

var functionsByName = func() map[string]Function {
	m := make(map[string]Function, functionCount)
	for f := Name; f < functionCount; f++ {
		m[functionTable[f].name] = f
	}
	return m
}()

// Lookup resolves a contract function name. Names are case-sensitive.
func Lookup(name string) (Function, bool) {
	f, ok := functionsByName[name]
	return f, ok
}

// Functions returns every supported function in declaration order.
func Functions() []Function {
	out := make([]Function, 0, functionCount-1)
	for f := Name; f < functionCount; f++ {
		out = append(out, f)
	}
	return out
}

func (f Function) Valid() bool {
	return f > FunctionInvalid && f < functionCount
}

func (f Function) String() string {
	if !f.Valid() {
		return "invalid"
	}
	return functionTable[f].name
}

// TTL is how long a freshly fetched result stays fresh.
func (f Function) TTL() time.Duration {
	if !f.Valid() {
		return 0
	}
	return time.Duration(functionTable[f].ttl) * time.Second
}

func (f Function) ParamKind() ParamKind {
	if !f.Valid() {
		return ParamsNone
	}
	return functionTable[f].params
}

// ParamNames lists the query fields the function consumes, in call order.
func (f Function) ParamNames() []string {
	return paramNames[f.ParamKind()]
}

// TTLFor returns the TTL of a function by name. ok is false for unsupported names.
func TTLFor(name string) (ttl time.Duration, ok bool) {
	f, ok := Lookup(name)
	if !ok {
		return 0, false
	}
	return f.TTL(), true
}
