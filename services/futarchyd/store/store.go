package store

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"time"

	"github.com/cockroachdb/apd/v2"
	"gorm.io/gorm"

	"futarchyd/native/futarchy"
)

// sourceEnvelope is the per-market wrapper persisted alongside each
// PriceSource's own serialized bytes, so the store can dispatch
// deserialization to the right adapter factory without guessing.
type sourceEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// vaultEnvelope mirrors sourceEnvelope for the two Vault fields a proposal
// carries.
type vaultEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Store is the GORM-backed implementation of futarchy.PersistenceStore and
// futarchy.HistoryStore. Apart from cmd/futarchyd, which opens the
// connection, it is the only package in this repository that imports gorm
// directly, mirroring services/otc-gateway's
// concentration of database access behind its models/store packages.
type Store struct {
	db              *gorm.DB
	rpcEndpoint     string
	sourceFactories map[string]futarchy.PriceSourceFactory
	sourceKindOf    func(futarchy.PriceSource) string
	vaultFactory    futarchy.VaultFactory
	vaultKindOf     func(futarchy.Vault) string
	feed            *Feed
}

// New constructs a Store. sourceFactories and sourceKindOf let the caller
// register every PriceSource adapter kind the process can rehydrate
// (core/futarchyamm ships "constant_product" and "dynamic_fee");
// vaultFactory/vaultKindOf do the same for the single Vault adapter kind
// core/futarchyvault ships ("split_merge").
func New(
	db *gorm.DB,
	rpcEndpoint string,
	sourceFactories map[string]futarchy.PriceSourceFactory,
	sourceKindOf func(futarchy.PriceSource) string,
	vaultFactory futarchy.VaultFactory,
	vaultKindOf func(futarchy.Vault) string,
) *Store {
	return &Store{
		db:              db,
		rpcEndpoint:     rpcEndpoint,
		sourceFactories: sourceFactories,
		sourceKindOf:    sourceKindOf,
		vaultFactory:    vaultFactory,
		vaultKindOf:     vaultKindOf,
		feed:            NewFeed(),
	}
}

// Feed exposes the price-history change-notification broadcaster.
func (s *Store) Feed() *Feed { return s.feed }

// LoadModerator implements futarchy.PersistenceStore.
func (s *Store) LoadModerator(ctx context.Context, moderatorID int64) (futarchy.ModeratorRecord, error) {
	var row ModeratorRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", moderatorID).Error; err != nil {
		return futarchy.ModeratorRecord{}, futarchy.Wrap(futarchy.ErrKindPersistence, moderatorID, 0, err, "load moderator")
	}
	rec := futarchy.ModeratorRecord{
		ID:                row.ID,
		ProposalIDCounter: row.ProposalIDCounter,
		ProtocolName:      row.ProtocolName,
		PoolAuthorities:   map[string]futarchy.SigningKeyRef{},
	}
	if len(row.ConfigJSON) > 0 {
		var cfg moderatorConfig
		if err := json.Unmarshal(row.ConfigJSON, &cfg); err != nil {
			return futarchy.ModeratorRecord{}, futarchy.Wrap(futarchy.ErrKindPersistence, moderatorID, 0, err, "decode moderator config")
		}
		applyModeratorConfig(&rec, cfg)
	}
	return rec, nil
}

// moderatorConfig is the config_json payload on a moderator row: everything
// about the (base-mint, quote-mint, pool) triple that is not a dedicated
// column.
type moderatorConfig struct {
	BaseMint             string            `json:"base_mint"`
	QuoteMint            string            `json:"quote_mint"`
	BaseDecimals         int32             `json:"base_decimals"`
	QuoteDecimals        int32             `json:"quote_decimals"`
	RPCEndpoint          string            `json:"rpc_endpoint,omitempty"`
	PoolAuthorities      map[string]string `json:"pool_authorities"`
	WithdrawalPercentage float64           `json:"damm_withdrawal_percentage,omitempty"`
}

func applyModeratorConfig(rec *futarchy.ModeratorRecord, cfg moderatorConfig) {
	rec.BaseMint = cfg.BaseMint
	rec.QuoteMint = cfg.QuoteMint
	rec.BaseDecimals = cfg.BaseDecimals
	rec.QuoteDecimals = cfg.QuoteDecimals
	rec.RPCEndpoint = cfg.RPCEndpoint
	rec.WithdrawalPercentage = cfg.WithdrawalPercentage
	for pool, ticker := range cfg.PoolAuthorities {
		rec.PoolAuthorities[pool] = futarchy.SigningKeyRef{Ticker: ticker}
	}
}

// UpsertModerator writes the initial moderator row during router
// bootstrap; it is not part of the futarchy.PersistenceStore contract
// (which only ever bumps the counter after creation) but is needed once at
// configuration load time.
func (s *Store) UpsertModerator(ctx context.Context, rec futarchy.ModeratorRecord) error {
	tickers := make(map[string]string, len(rec.PoolAuthorities))
	for pool, ref := range rec.PoolAuthorities {
		tickers[pool] = ref.Ticker
	}
	cfgJSON, err := json.Marshal(moderatorConfig{
		BaseMint:             rec.BaseMint,
		QuoteMint:            rec.QuoteMint,
		BaseDecimals:         rec.BaseDecimals,
		QuoteDecimals:        rec.QuoteDecimals,
		RPCEndpoint:          rec.RPCEndpoint,
		PoolAuthorities:      tickers,
		WithdrawalPercentage: rec.WithdrawalPercentage,
	})
	if err != nil {
		return futarchy.Wrap(futarchy.ErrKindPersistence, rec.ID, 0, err, "encode moderator config")
	}
	row := ModeratorRow{
		ID:                rec.ID,
		ProposalIDCounter: rec.ProposalIDCounter,
		ProtocolName:      rec.ProtocolName,
		ConfigJSON:        cfgJSON,
	}
	err = s.db.WithContext(ctx).
		Clauses(onConflictUpdateModerator()).
		Create(&row).Error
	if err != nil {
		return futarchy.Wrap(futarchy.ErrKindPersistence, rec.ID, 0, err, "upsert moderator")
	}
	return nil
}

// SaveModeratorCounter implements futarchy.PersistenceStore.
func (s *Store) SaveModeratorCounter(ctx context.Context, moderatorID int64, counter int64) error {
	err := s.db.WithContext(ctx).Model(&ModeratorRow{}).
		Where("id = ?", moderatorID).
		Updates(map[string]any{"proposal_id_counter": counter, "updated_at": time.Now().UTC()}).Error
	if err != nil {
		return futarchy.Wrap(futarchy.ErrKindPersistence, moderatorID, 0, err, "save moderator counter")
	}
	return nil
}

// SaveProposal implements futarchy.PersistenceStore: the entire Proposal,
// its Oracle, its N PriceSources, and its two Vaults are serialized into
// one row, so a restart can rebuild the in-memory object graph exactly.
func (s *Store) SaveProposal(ctx context.Context, moderatorID int64, p *futarchy.Proposal) error {
	row, err := s.encodeProposal(moderatorID, p)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).
		Clauses(onConflictUpdateProposal()).
		Create(row).Error
	if err != nil {
		return futarchy.Wrap(futarchy.ErrKindPersistence, moderatorID, p.ID, err, "save proposal")
	}
	return nil
}

// LoadProposal implements futarchy.PersistenceStore. A missing row wraps
// futarchy.ErrProposalNotFound so callers can cancel the proposal's tasks
// instead of retrying forever.
func (s *Store) LoadProposal(ctx context.Context, moderatorID, proposalID int64) (*futarchy.Proposal, error) {
	var row ProposalRow
	err := s.db.WithContext(ctx).
		First(&row, "moderator_id = ? AND proposal_id = ?", moderatorID, proposalID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, futarchy.Wrap(futarchy.ErrKindPersistence, moderatorID, proposalID, futarchy.ErrProposalNotFound, "load proposal")
	}
	if err != nil {
		return nil, futarchy.Wrap(futarchy.ErrKindPersistence, moderatorID, proposalID, err, "load proposal")
	}
	return s.decodeProposal(row)
}

// ListPendingProposals implements futarchy.PersistenceStore, used by the
// router's recovery pass.
func (s *Store) ListPendingProposals(ctx context.Context, moderatorID int64) ([]*futarchy.Proposal, error) {
	var rows []ProposalRow
	err := s.db.WithContext(ctx).
		Where("moderator_id = ? AND status = ?", moderatorID, futarchy.StatusPending.String()).
		Find(&rows).Error
	if err != nil {
		return nil, futarchy.Wrap(futarchy.ErrKindPersistence, moderatorID, 0, err, "list pending proposals")
	}
	out := make([]*futarchy.Proposal, 0, len(rows))
	for _, row := range rows {
		p, err := s.decodeProposal(row)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// ListAllPendingProposals scans every moderator for Pending proposals,
// used by Router.RecoverPendingProposals at startup before
// any single moderator has been asked for its own proposals.
func (s *Store) ListAllPendingProposals(ctx context.Context) (map[int64][]*futarchy.Proposal, error) {
	var rows []ProposalRow
	err := s.db.WithContext(ctx).Where("status = ?", futarchy.StatusPending.String()).Find(&rows).Error
	if err != nil {
		return nil, futarchy.Wrap(futarchy.ErrKindPersistence, 0, 0, err, "list all pending proposals")
	}
	byModerator := make(map[int64][]*futarchy.Proposal)
	for _, row := range rows {
		p, err := s.decodeProposal(row)
		if err != nil {
			return nil, err
		}
		byModerator[row.ModeratorID] = append(byModerator[row.ModeratorID], p)
	}
	return byModerator, nil
}

// ListModerators reads every moderator row, used by Router.LoadModerators.
func (s *Store) ListModerators(ctx context.Context) ([]futarchy.ModeratorRecord, error) {
	var rows []ModeratorRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, futarchy.Wrap(futarchy.ErrKindPersistence, 0, 0, err, "list moderators")
	}
	out := make([]futarchy.ModeratorRecord, 0, len(rows))
	for _, row := range rows {
		rec := futarchy.ModeratorRecord{
			ID:                row.ID,
			ProposalIDCounter: row.ProposalIDCounter,
			ProtocolName:      row.ProtocolName,
			PoolAuthorities:   map[string]futarchy.SigningKeyRef{},
		}
		if len(row.ConfigJSON) > 0 {
			var cfg moderatorConfig
			if err := json.Unmarshal(row.ConfigJSON, &cfg); err == nil {
				applyModeratorConfig(&rec, cfg)
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

// SaveWithdrawalRecord implements futarchy.PersistenceStore.
func (s *Store) SaveWithdrawalRecord(ctx context.Context, rec futarchy.WithdrawalRecord) error {
	row := WithdrawalRow{
		ModeratorID:      rec.ModeratorID,
		ProposalID:       rec.ProposalID,
		RequestID:        rec.RequestID,
		Signature:        rec.Signature,
		Percentage:       rec.Percentage,
		NeedsDepositBack: rec.NeedsDepositBack,
		PoolAddress:      rec.PoolAddress,
		DepositSignature: rec.DepositSignature,
		DepositedAt:      rec.DepositedAt,
	}
	if rec.WithdrawnTokenA != nil {
		row.WithdrawnTokenA = rec.WithdrawnTokenA.String()
	}
	if rec.WithdrawnTokenB != nil {
		row.WithdrawnTokenB = rec.WithdrawnTokenB.String()
	}
	if rec.SpotPrice != nil {
		row.SpotPrice = *rec.SpotPrice
	}
	if rec.DepositedTokenA != nil {
		v := rec.DepositedTokenA.String()
		row.DepositedTokenA = &v
	}
	if rec.DepositedTokenB != nil {
		v := rec.DepositedTokenB.String()
		row.DepositedTokenB = &v
	}
	err := s.db.WithContext(ctx).
		Clauses(onConflictUpdateWithdrawal()).
		Create(&row).Error
	if err != nil {
		return futarchy.Wrap(futarchy.ErrKindPersistence, rec.ModeratorID, rec.ProposalID, err, "save withdrawal record")
	}
	return nil
}

// MarkWithdrawalDepositedBack implements futarchy.PersistenceStore, flipping
// a withdrawal record's needs_deposit_back to false exactly once.
func (s *Store) MarkWithdrawalDepositedBack(ctx context.Context, moderatorID, proposalID int64, signature string, depositedAt int64) error {
	err := s.db.WithContext(ctx).Model(&WithdrawalRow{}).
		Where("moderator_id = ? AND proposal_id = ?", moderatorID, proposalID).
		Updates(map[string]any{
			"needs_deposit_back": false,
			"deposit_signature":  signature,
			"deposited_at":       depositedAt,
		}).Error
	if err != nil {
		return futarchy.Wrap(futarchy.ErrKindPersistence, moderatorID, proposalID, err, "mark deposited back")
	}
	return nil
}

// RecordPrice implements futarchy.HistoryStore and publishes a
// notification on the price feed for the new price_history row.
func (s *Store) RecordPrice(ctx context.Context, moderatorID, proposalID int64, market int, price futarchy.DecimalLike) error {
	row := PriceHistoryRow{
		Timestamp:   nowMs(),
		ModeratorID: moderatorID,
		ProposalID:  proposalID,
		Market:      int32(market),
		Price:       price.String(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return futarchy.Wrap(futarchy.ErrKindPersistence, moderatorID, proposalID, err, "record price")
	}
	s.feed.Publish(PriceEvent{
		ModeratorID: moderatorID,
		ProposalID:  proposalID,
		Market:      market,
		Price:       row.Price,
		Timestamp:   row.Timestamp,
	})
	return nil
}

// RecordTwap implements futarchy.HistoryStore.
func (s *Store) RecordTwap(ctx context.Context, moderatorID, proposalID int64, twaps, aggregations []futarchy.DecimalLike) error {
	twapsJSON, err := marshalDecimalLikes(twaps)
	if err != nil {
		return err
	}
	aggsJSON, err := marshalDecimalLikes(aggregations)
	if err != nil {
		return err
	}
	row := TwapHistoryRow{
		Timestamp:        nowMs(),
		ModeratorID:      moderatorID,
		ProposalID:       proposalID,
		TwapsJSON:        twapsJSON,
		AggregationsJSON: aggsJSON,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return futarchy.Wrap(futarchy.ErrKindPersistence, moderatorID, proposalID, err, "record twap")
	}
	return nil
}

// RecordTrade appends an observed fill against a conditional market. The
// engine itself never originates trades; this is
// for external indexers that observe on-chain activity to attach to a
// proposal.
func (s *Store) RecordTrade(ctx context.Context, moderatorID, proposalID int64, market int, user, direction string, amountIn, amountOut *big.Int, price *apd.Decimal, txSignature *string) error {
	row := TradeHistoryRow{
		Timestamp:   nowMs(),
		ModeratorID: moderatorID,
		ProposalID:  proposalID,
		Market:      int32(market),
		User:        user,
		Direction:   direction,
		TxSignature: txSignature,
	}
	if amountIn != nil {
		row.AmountIn = amountIn.String()
	}
	if amountOut != nil {
		row.AmountOut = amountOut.String()
	}
	if price != nil {
		row.Price = price.String()
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return futarchy.Wrap(futarchy.ErrKindPersistence, moderatorID, proposalID, err, "record trade")
	}
	return nil
}

func marshalDecimalLikes(values []futarchy.DecimalLike) ([]byte, error) {
	strs := make([]string, len(values))
	for i, v := range values {
		strs[i] = v.String()
	}
	data, err := json.Marshal(strs)
	if err != nil {
		return nil, futarchy.NewError(futarchy.ErrKindPersistence, "encode decimal slice: "+err.Error())
	}
	return data, nil
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

func (s *Store) encodeProposal(moderatorID int64, p *futarchy.Proposal) (*ProposalRow, error) {
	labelsJSON, err := json.Marshal(p.Labels)
	if err != nil {
		return nil, futarchy.Wrap(futarchy.ErrKindPersistence, moderatorID, p.ID, err, "encode labels")
	}
	oracleJSON, err := p.Oracle.Serialize()
	if err != nil {
		return nil, futarchy.Wrap(futarchy.ErrKindPersistence, moderatorID, p.ID, err, "encode oracle")
	}

	sources := make([]sourceEnvelope, len(p.Sources))
	for i, src := range p.Sources {
		data, err := src.Serialize()
		if err != nil {
			return nil, futarchy.Wrap(futarchy.ErrKindPersistence, moderatorID, p.ID, err, "encode price source")
		}
		sources[i] = sourceEnvelope{Kind: s.sourceKindOf(src), Data: data}
	}
	ammDataJSON, err := json.Marshal(sources)
	if err != nil {
		return nil, futarchy.Wrap(futarchy.ErrKindPersistence, moderatorID, p.ID, err, "encode sources")
	}

	baseVaultJSON, err := s.encodeVault(moderatorID, p.ID, p.BaseVault)
	if err != nil {
		return nil, err
	}
	quoteVaultJSON, err := s.encodeVault(moderatorID, p.ID, p.QuoteVault)
	if err != nil {
		return nil, err
	}

	totalSupply := ""
	if p.TotalSupply != nil {
		totalSupply = p.TotalSupply.String()
	}

	return &ProposalRow{
		ModeratorID:        moderatorID,
		ProposalID:         p.ID,
		Title:              p.Title,
		Description:        p.Description,
		MarketLabelsJSON:   labelsJSON,
		Status:             p.Status.String(),
		CreatedAt:          p.CreatedAt,
		FinalizedAt:        p.FinalizedAt,
		ProposalLengthMs:   p.FinalizedAt - p.CreatedAt,
		Markets:            p.Markets,
		TwapOracleDataJSON: oracleJSON,
		AmmDataJSON:        ammDataJSON,
		BaseVaultJSON:      baseVaultJSON,
		QuoteVaultJSON:     quoteVaultJSON,
		SpotPoolAddress:    p.SpotPoolAddress,
		TotalSupply:        totalSupply,
	}, nil
}

func (s *Store) encodeVault(moderatorID, proposalID int64, v futarchy.Vault) ([]byte, error) {
	data, err := vaultSerializer(v).Serialize()
	if err != nil {
		return nil, futarchy.Wrap(futarchy.ErrKindPersistence, moderatorID, proposalID, err, "encode vault")
	}
	env := vaultEnvelope{Kind: s.vaultKindOf(v), Data: data}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, futarchy.Wrap(futarchy.ErrKindPersistence, moderatorID, proposalID, err, "encode vault envelope")
	}
	return out, nil
}

// serializable is satisfied by any Vault that also exposes Serialize;
// core/futarchyvault.SplitMergeVault does. Declared locally so this
// package does not need to extend futarchy.Vault with a method every
// future adapter would otherwise be forced to implement even when it has
// no serialized state of its own.
type serializable interface {
	Serialize() ([]byte, error)
}

func vaultSerializer(v futarchy.Vault) serializable {
	return v.(serializable)
}

func (s *Store) decodeProposal(row ProposalRow) (*futarchy.Proposal, error) {
	var labels []string
	if err := json.Unmarshal(row.MarketLabelsJSON, &labels); err != nil {
		return nil, futarchy.Wrap(futarchy.ErrKindPersistence, row.ModeratorID, row.ProposalID, err, "decode labels")
	}

	oracle, err := futarchy.DeserializeTwapOracle(row.TwapOracleDataJSON)
	if err != nil {
		return nil, futarchy.Wrap(futarchy.ErrKindPersistence, row.ModeratorID, row.ProposalID, err, "decode oracle")
	}

	var envelopes []sourceEnvelope
	if err := json.Unmarshal(row.AmmDataJSON, &envelopes); err != nil {
		return nil, futarchy.Wrap(futarchy.ErrKindPersistence, row.ModeratorID, row.ProposalID, err, "decode sources")
	}
	sources := make([]futarchy.PriceSource, len(envelopes))
	for i, env := range envelopes {
		factory, ok := s.sourceFactories[env.Kind]
		if !ok {
			return nil, futarchy.NewProposalError(futarchy.ErrKindPersistence, row.ModeratorID, row.ProposalID, "unknown price source kind "+env.Kind)
		}
		src, err := factory.Deserialize(env.Data, futarchy.PriceSourceDeps{RPCEndpoint: s.rpcEndpoint})
		if err != nil {
			return nil, futarchy.Wrap(futarchy.ErrKindPersistence, row.ModeratorID, row.ProposalID, err, "decode price source")
		}
		sources[i] = src
	}
	if err := oracle.BindSources(sources); err != nil {
		return nil, futarchy.Wrap(futarchy.ErrKindPersistence, row.ModeratorID, row.ProposalID, err, "rebind oracle sources")
	}

	baseVault, err := s.decodeVault(row.ModeratorID, row.ProposalID, row.BaseVaultJSON)
	if err != nil {
		return nil, err
	}
	quoteVault, err := s.decodeVault(row.ModeratorID, row.ProposalID, row.QuoteVaultJSON)
	if err != nil {
		return nil, err
	}

	var totalSupply *big.Int
	if row.TotalSupply != "" {
		if v, ok := new(big.Int).SetString(row.TotalSupply, 10); ok {
			totalSupply = v
		}
	}

	status := futarchy.StatusUninitialized
	switch row.Status {
	case futarchy.StatusPending.String():
		status = futarchy.StatusPending
	case futarchy.StatusFinalized.String():
		status = futarchy.StatusFinalized
	}

	return &futarchy.Proposal{
		ID:              row.ProposalID,
		ModeratorID:     row.ModeratorID,
		Title:           row.Title,
		Description:     row.Description,
		Markets:         row.Markets,
		Labels:          labels,
		CreatedAt:       row.CreatedAt,
		FinalizedAt:     row.FinalizedAt,
		Status:          status,
		Sources:         sources,
		BaseVault:       baseVault,
		QuoteVault:      quoteVault,
		Oracle:          oracle,
		SpotPoolAddress: row.SpotPoolAddress,
		TotalSupply:     totalSupply,
	}, nil
}

func (s *Store) decodeVault(moderatorID, proposalID int64, data []byte) (futarchy.Vault, error) {
	var env vaultEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, futarchy.Wrap(futarchy.ErrKindPersistence, moderatorID, proposalID, err, "decode vault envelope")
	}
	v, err := s.vaultFactory.Deserialize(env.Data, futarchy.VaultDeps{RPCEndpoint: s.rpcEndpoint})
	if err != nil {
		return nil, futarchy.Wrap(futarchy.ErrKindPersistence, moderatorID, proposalID, err, "decode vault")
	}
	return v, nil
}
