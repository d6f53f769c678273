package futarchyvault

import (
	"encoding/json"
	"math/big"

	"futarchyd/native/futarchy"
)

type vaultSnapshot struct {
	Mints       []string                  `json:"mints"`
	State       uint8                     `json:"state"`
	WinningMint string                    `json:"winning_mint,omitempty"`
	TxCounter   int64                     `json:"tx_counter"`
	Escrow      map[string]string         `json:"escrow"`
	Conditional map[string]map[string]string `json:"conditional"`
}

// Serialize renders the vault's full escrow and conditional-balance state
// for persistence, so a restart observes exactly the same user balances.
func (v *SplitMergeVault) Serialize() ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	snap := vaultSnapshot{
		Mints:       append([]string(nil), v.mints...),
		State:       uint8(v.state),
		WinningMint: v.winningMint,
		TxCounter:   v.txCounter,
		Escrow:      make(map[string]string, len(v.escrow)),
		Conditional: make(map[string]map[string]string, len(v.conditional)),
	}
	for user, amount := range v.escrow {
		snap.Escrow[user] = amount.String()
	}
	for user, balances := range v.conditional {
		converted := make(map[string]string, len(balances))
		for mint, amount := range balances {
			converted[mint] = amount.String()
		}
		snap.Conditional[user] = converted
	}
	return json.Marshal(snap)
}

// DeserializeSplitMergeVault rehydrates a vault from its serialized
// snapshot. deps.RPCEndpoint is accepted for VaultFactory symmetry but
// unused by this in-process backend.
func DeserializeSplitMergeVault(data []byte, deps futarchy.VaultDeps) (futarchy.Vault, error) {
	var snap vaultSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, futarchy.NewError(futarchy.ErrKindPersistence, "decode vault snapshot: "+err.Error())
	}
	v := &SplitMergeVault{
		mints:       append([]string(nil), snap.Mints...),
		state:       futarchy.VaultState(snap.State),
		winningMint: snap.WinningMint,
		txCounter:   snap.TxCounter,
		escrow:      make(map[string]*big.Int, len(snap.Escrow)),
		conditional: make(map[string]map[string]*big.Int, len(snap.Conditional)),
	}
	for user, amount := range snap.Escrow {
		n, ok := new(big.Int).SetString(amount, 10)
		if !ok {
			return nil, futarchy.NewError(futarchy.ErrKindPersistence, "invalid escrow amount in snapshot")
		}
		v.escrow[user] = n
	}
	for user, balances := range snap.Conditional {
		converted := make(map[string]*big.Int, len(balances))
		for mint, amount := range balances {
			n, ok := new(big.Int).SetString(amount, 10)
			if !ok {
				return nil, futarchy.NewError(futarchy.ErrKindPersistence, "invalid conditional balance in snapshot")
			}
			converted[mint] = n
		}
		v.conditional[user] = converted
	}
	return v, nil
}

// SplitMergeVaultFactory adapts DeserializeSplitMergeVault to
// futarchy.VaultFactory so a store can rehydrate vaults without knowing the
// concrete package.
type SplitMergeVaultFactory struct{}

func (SplitMergeVaultFactory) Deserialize(data []byte, deps futarchy.VaultDeps) (futarchy.Vault, error) {
	return DeserializeSplitMergeVault(data, deps)
}

// KindOf returns the adapter kind tag for any Vault this package produces,
// for use as a store's vaultKindOf callback.
func KindOf(futarchy.Vault) string { return "split_merge" }
