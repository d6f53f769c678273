// Package store implements the six tables of the proposal lifecycle
// engine's persistence contract as GORM models, following
// services/otc-gateway/models.Models conventions: explicit CreatedAt/
// UpdatedAt, gorm index tags, and a single AutoMigrate entrypoint.
package store

import (
	"time"

	"gorm.io/gorm"
)

// ModeratorRow is the persisted shape of one moderator: its pool-authority
// map and monotonic proposal-id counter.
type ModeratorRow struct {
	ID                int64  `gorm:"primaryKey"`
	ProposalIDCounter int64  `gorm:"not null;default:0"`
	ProtocolName      string `gorm:"size:64"`
	ConfigJSON        []byte `gorm:"type:jsonb"`
	UpdatedAt         time.Time
}

func (ModeratorRow) TableName() string { return "moderators" }

// ProposalRow is the persisted shape of one proposal, keyed by the
// (moderator_id, proposal_id) composite primary key.
// base_mint/quote_mint/base_decimals/quote_decimals are intentionally not
// duplicated here: they live on the owning ModeratorRow and are derivable
// by joining on moderator_id (a Moderator owns exactly one
// (base-mint, quote-mint, pool) triple).
type ProposalRow struct {
	ModeratorID        int64   `gorm:"primaryKey;autoIncrement:false"`
	ProposalID         int64   `gorm:"primaryKey;autoIncrement:false"`
	Title              string  `gorm:"size:256"`
	Description        string  `gorm:"size:1024"`
	Status             string  `gorm:"size:32;index"`
	CreatedAt          int64
	FinalizedAt        int64
	ProposalLengthMs   int64
	Markets            int
	MarketLabelsJSON   []byte  `gorm:"type:jsonb"`
	TwapOracleDataJSON []byte  `gorm:"type:jsonb"` // full TwapConfig is embedded in this snapshot
	AmmDataJSON        []byte  `gorm:"type:jsonb"` // array of {kind, data} per market, in market order
	BaseVaultJSON      []byte  `gorm:"type:jsonb"`
	QuoteVaultJSON     []byte  `gorm:"type:jsonb"`
	SpotPoolAddress    *string `gorm:"size:64;index"`
	TotalSupply        string
	RowUpdatedAt       time.Time `gorm:"autoUpdateTime"`
}

func (ProposalRow) TableName() string { return "proposals" }

// WithdrawalRow is the persisted pre-proposal liquidity snapshot, FK-
// dependent on its owning ProposalRow.
type WithdrawalRow struct {
	ModeratorID      int64  `gorm:"primaryKey;autoIncrement:false"`
	ProposalID       int64  `gorm:"primaryKey;autoIncrement:false"`
	RequestID        string `gorm:"size:128"`
	Signature        string `gorm:"size:128"`
	Percentage       float64
	WithdrawnTokenA  string
	WithdrawnTokenB  string
	SpotPrice        string
	NeedsDepositBack bool `gorm:"index"`
	DepositSignature *string `gorm:"size:128"`
	DepositedTokenA  *string
	DepositedTokenB  *string
	DepositedAt      *int64
	PoolAddress      string `gorm:"size:64;index"`
}

func (WithdrawalRow) TableName() string { return "proposal_withdrawals" }

// PriceHistoryRow is one append-only price observation; Market = -1
// indicates a spot-price sample rather than a conditional-market one.
type PriceHistoryRow struct {
	ID          int64 `gorm:"primaryKey"`
	Timestamp   int64 `gorm:"index"`
	ModeratorID int64 `gorm:"index"`
	ProposalID  int64 `gorm:"index"`
	Market      int32
	Price       string
}

func (PriceHistoryRow) TableName() string { return "price_history" }

// TwapHistoryRow is one append-only crank result.
type TwapHistoryRow struct {
	ID              int64 `gorm:"primaryKey"`
	Timestamp       int64 `gorm:"index"`
	ModeratorID     int64 `gorm:"index"`
	ProposalID      int64 `gorm:"index"`
	TwapsJSON       []byte `gorm:"type:jsonb"`
	AggregationsJSON []byte `gorm:"type:jsonb"`
}

func (TwapHistoryRow) TableName() string { return "twap_history" }

// TradeHistoryRow is one observed trade against a conditional market. The
// engine never executes trades itself; this table
// exists so an external indexer or UI can attach observed fills to a
// proposal/market without the engine knowing about trade execution.
type TradeHistoryRow struct {
	ID          int64 `gorm:"primaryKey"`
	Timestamp   int64 `gorm:"index"`
	ModeratorID int64 `gorm:"index"`
	ProposalID  int64 `gorm:"index"`
	Market      int32
	User        string `gorm:"size:128"`
	Direction   string `gorm:"size:8"`
	AmountIn    string
	AmountOut   string
	Price       string
	TxSignature *string `gorm:"size:128"`
}

func (TradeHistoryRow) TableName() string { return "trade_history" }

// AutoMigrate performs all schema migrations for futarchyd.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&ModeratorRow{},
		&ProposalRow{},
		&WithdrawalRow{},
		&PriceHistoryRow{},
		&TwapHistoryRow{},
		&TradeHistoryRow{},
	)
}
