package store

import "gorm.io/gorm/clause"

// onConflictUpdateModerator upserts by primary key. proposal_id_counter is
// deliberately excluded: bootstrap re-runs on every restart with a zero
// counter, and only SaveModeratorCounter may advance the persisted value.
func onConflictUpdateModerator() clause.OnConflict {
	return clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"protocol_name", "config_json", "updated_at"}),
	}
}

// onConflictUpdateProposal upserts by the (moderator_id, proposal_id)
// composite key so every Store.SaveProposal call after the first is a
// plain update; the row, not any in-memory cache, is what
// Moderator.CreateProposal/FinalizeProposal persist against.
func onConflictUpdateProposal() clause.OnConflict {
	return clause.OnConflict{
		Columns: []clause.Column{{Name: "moderator_id"}, {Name: "proposal_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"title", "description", "status", "created_at", "finalized_at",
			"proposal_length_ms", "markets", "market_labels_json",
			"twap_oracle_data_json", "amm_data_json", "base_vault_json",
			"quote_vault_json", "spot_pool_address", "total_supply", "row_updated_at",
		}),
	}
}

func onConflictUpdateWithdrawal() clause.OnConflict {
	return clause.OnConflict{
		Columns: []clause.Column{{Name: "moderator_id"}, {Name: "proposal_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"request_id", "signature", "percentage", "withdrawn_token_a",
			"withdrawn_token_b", "spot_price", "needs_deposit_back",
			"deposit_signature", "deposited_token_a", "deposited_token_b",
			"deposited_at", "pool_address",
		}),
	}
}
