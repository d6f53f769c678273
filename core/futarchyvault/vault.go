// Package futarchyvault adapts futarchy.Vault to a reference split/merge
// implementation: N conditional mints backed by a single escrowed balance
// per user, with finalize/redeem settling against the winning mint only.
package futarchyvault

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"futarchyd/native/futarchy"
)

// SplitMergeVault is the reference Vault adapter: splitting locks `amount`
// of the underlying asset and credits the user with `amount` of each of the
// N conditional tokens; merging reverses that for any user holding a full
// set. Redemption after finalize pays out 1:1 against the winning mint only.
type SplitMergeVault struct {
	mu sync.Mutex

	mints []string
	state futarchy.VaultState

	escrow      map[string]*big.Int            // user -> underlying locked
	conditional map[string]map[string]*big.Int // user -> mint -> balance

	winningMint string
	txCounter   int64
}

// NewSplitMergeVault constructs an uninitialized vault for the given
// conditional mint identifiers (one per market).
func NewSplitMergeVault(mints []string) *SplitMergeVault {
	return &SplitMergeVault{
		mints:       append([]string(nil), mints...),
		state:       futarchy.VaultUninitialized,
		escrow:      make(map[string]*big.Int),
		conditional: make(map[string]map[string]*big.Int),
	}
}

func (v *SplitMergeVault) ConditionalMints() []string {
	return append([]string(nil), v.mints...)
}

func (v *SplitMergeVault) State() futarchy.VaultState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

func (v *SplitMergeVault) Initialize(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != futarchy.VaultUninitialized {
		return nil
	}
	v.state = futarchy.VaultInitialized
	return nil
}

func (v *SplitMergeVault) BuildSplitTx(ctx context.Context, user string, amount *big.Int) (*futarchy.SplitTx, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, futarchy.NewError(futarchy.ErrKindNumeric, "split amount must be positive")
	}
	raw, err := json.Marshal(splitEnvelope{User: user, Amount: amount.String(), Mints: v.mints})
	if err != nil {
		return nil, err
	}
	return &futarchy.SplitTx{User: user, Amount: new(big.Int).Set(amount), Raw: raw}, nil
}

func (v *SplitMergeVault) ExecuteSplitTx(ctx context.Context, tx *futarchy.SplitTx) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == futarchy.VaultUninitialized {
		return "", futarchy.NewError(futarchy.ErrKindState, "executeSplitTx requires an initialized vault")
	}
	if tx == nil || tx.Amount == nil || tx.Amount.Sign() <= 0 {
		return "", futarchy.NewError(futarchy.ErrKindNumeric, "split amount must be positive")
	}
	locked := v.escrow[tx.User]
	if locked == nil {
		locked = big.NewInt(0)
	}
	v.escrow[tx.User] = new(big.Int).Add(locked, tx.Amount)

	balances := v.conditional[tx.User]
	if balances == nil {
		balances = make(map[string]*big.Int)
		v.conditional[tx.User] = balances
	}
	for _, mint := range v.mints {
		bal := balances[mint]
		if bal == nil {
			bal = big.NewInt(0)
		}
		balances[mint] = new(big.Int).Add(bal, tx.Amount)
	}
	return v.nextSignature("split"), nil
}

func (v *SplitMergeVault) BuildMergeTx(ctx context.Context, user string, amount *big.Int) (*futarchy.MergeTx, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, futarchy.NewError(futarchy.ErrKindNumeric, "merge amount must be positive")
	}
	raw, err := json.Marshal(mergeEnvelope{User: user, Amount: amount.String(), Mints: v.mints})
	if err != nil {
		return nil, err
	}
	return &futarchy.MergeTx{User: user, Amount: new(big.Int).Set(amount), Raw: raw}, nil
}

func (v *SplitMergeVault) ExecuteMergeTx(ctx context.Context, tx *futarchy.MergeTx) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == futarchy.VaultUninitialized {
		return "", futarchy.NewError(futarchy.ErrKindState, "executeMergeTx requires an initialized vault")
	}
	if tx == nil || tx.Amount == nil || tx.Amount.Sign() <= 0 {
		return "", futarchy.NewError(futarchy.ErrKindNumeric, "merge amount must be positive")
	}
	balances := v.conditional[tx.User]
	for _, mint := range v.mints {
		bal := balances[mint]
		if bal == nil || bal.Cmp(tx.Amount) < 0 {
			return "", futarchy.NewError(futarchy.ErrKindState, fmt.Sprintf("insufficient %s balance to merge", mint))
		}
	}
	for _, mint := range v.mints {
		balances[mint] = new(big.Int).Sub(balances[mint], tx.Amount)
	}
	locked := v.escrow[tx.User]
	if locked == nil || locked.Cmp(tx.Amount) < 0 {
		return "", futarchy.NewError(futarchy.ErrKindState, "insufficient escrow to merge")
	}
	v.escrow[tx.User] = new(big.Int).Sub(locked, tx.Amount)
	return v.nextSignature("merge"), nil
}

// Finalize closes the vault against the winning mint. Terminal and
// idempotent: a second call with any mint is a no-op once Finalized.
func (v *SplitMergeVault) Finalize(ctx context.Context, winningMint string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == futarchy.VaultFinalized {
		return nil
	}
	v.winningMint = winningMint
	v.state = futarchy.VaultFinalized
	return nil
}

// WinningMint reports the mint Finalize settled against; empty until the
// vault is Finalized.
func (v *SplitMergeVault) WinningMint() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.winningMint
}

func (v *SplitMergeVault) BuildRedeemWinningTokensTx(ctx context.Context, user string) (*futarchy.RedeemTx, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != futarchy.VaultFinalized {
		return nil, futarchy.NewError(futarchy.ErrKindState, "redeem requires a finalized vault")
	}
	raw, err := json.Marshal(redeemEnvelope{User: user, WinningMint: v.winningMint})
	if err != nil {
		return nil, err
	}
	return &futarchy.RedeemTx{User: user, Raw: raw}, nil
}

func (v *SplitMergeVault) ExecuteRedeemWinningTokensTx(ctx context.Context, tx *futarchy.RedeemTx) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != futarchy.VaultFinalized {
		return "", futarchy.NewError(futarchy.ErrKindState, "redeem requires a finalized vault")
	}
	if tx == nil {
		return "", futarchy.NewError(futarchy.ErrKindConfig, "redeem tx required")
	}
	balances := v.conditional[tx.User]
	amount := big.NewInt(0)
	if balances != nil {
		if bal := balances[v.winningMint]; bal != nil {
			amount = new(big.Int).Set(bal)
			balances[v.winningMint] = big.NewInt(0)
		}
	}
	locked := v.escrow[tx.User]
	if locked != nil {
		payout := amount
		if locked.Cmp(payout) < 0 {
			payout = locked
		}
		v.escrow[tx.User] = new(big.Int).Sub(locked, payout)
	}
	return v.nextSignature("redeem"), nil
}

func (v *SplitMergeVault) nextSignature(op string) string {
	v.txCounter++
	return fmt.Sprintf("%s:%d", op, v.txCounter)
}

type splitEnvelope struct {
	User   string   `json:"user"`
	Amount string   `json:"amount"`
	Mints  []string `json:"mints"`
}

type mergeEnvelope struct {
	User   string   `json:"user"`
	Amount string   `json:"amount"`
	Mints  []string `json:"mints"`
}

type redeemEnvelope struct {
	User        string `json:"user"`
	WinningMint string `json:"winning_mint"`
}
