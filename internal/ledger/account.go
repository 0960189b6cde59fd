package ledger

import (
	"fmt"

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
	SubTypeTokensPosted AccountSubType = iota
	SubTypeTicketsPosted
	SubTypeEntitledTokens
	SubTypeEntitledTickets
	SubTypeStakedTickets

	// System sub-types
	SubTypeSystemFees
	SubTypeSystemRepaymentPool

	// External sub-types
	SubTypeExternalWallet
	SubTypeExternalDisbursed
	SubTypeExternalTicketMint
	SubTypeExternalTicketBurn
)

// Asset identifies what a journal moves.
type Asset uint8

const (
	// AssetUnderlying is the lent token.
	AssetUnderlying Asset = iota + 1
	// AssetTicket is the zero-coupon claim to one underlying token at maturity.
	AssetTicket
)

func (a Asset) String() string {
	switch a {
	case AssetUnderlying:
		return "token"
	case AssetTicket:
		return "ticket"
	default:
		return "unknown"
	}
}

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // user id, or market id for system accounts
	SubType  AccountSubType
	Asset    Asset
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(userID uuid.UUID, subType AccountSubType, asset Asset) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  subType,
		Asset:    asset,
	}
}

// NewSystemAccountKey creates a market-level system account key
func NewSystemAccountKey(marketID uuid.UUID, subType AccountSubType, asset Asset) AccountKey {
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: marketID,
		SubType:  subType,
		Asset:    asset,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, asset Asset) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		Asset:   asset,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s:%s", uuid.UUID(k.EntityID), k.subTypeName(), k.Asset)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s:%s", uuid.UUID(k.EntityID), k.subTypeName(), k.Asset)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), k.Asset)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeTokensPosted:
		return "tokens_posted"
	case SubTypeTicketsPosted:
		return "tickets_posted"
	case SubTypeEntitledTokens:
		return "entitled_tokens"
	case SubTypeEntitledTickets:
		return "entitled_tickets"
	case SubTypeStakedTickets:
		return "staked_tickets"
	case SubTypeSystemFees:
		return "fees"
	case SubTypeSystemRepaymentPool:
		return "repayment_pool"
	case SubTypeExternalWallet:
		return "wallet"
	case SubTypeExternalDisbursed:
		return "disbursed"
	case SubTypeExternalTicketMint:
		return "ticket_mint"
	case SubTypeExternalTicketBurn:
		return "ticket_burn"
	default:
		return "unknown"
	}
}
