package futarchyvault

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"futarchyd/native/futarchy"
)

func TestSplitMergeRoundTrip(t *testing.T) {
	ctx := context.Background()
	v := NewSplitMergeVault([]string{"mintYes", "mintNo"})
	require.NoError(t, v.Initialize(ctx))

	splitTx, err := v.BuildSplitTx(ctx, "alice", big.NewInt(100))
	require.NoError(t, err)
	_, err = v.ExecuteSplitTx(ctx, splitTx)
	require.NoError(t, err)

	mergeTx, err := v.BuildMergeTx(ctx, "alice", big.NewInt(40))
	require.NoError(t, err)
	_, err = v.ExecuteMergeTx(ctx, mergeTx)
	require.NoError(t, err)

	require.Equal(t, big.NewInt(60), v.escrow["alice"])
	require.Equal(t, big.NewInt(60), v.conditional["alice"]["mintYes"])
}

func TestMergeFailsWithoutFullSet(t *testing.T) {
	ctx := context.Background()
	v := NewSplitMergeVault([]string{"mintYes", "mintNo"})
	require.NoError(t, v.Initialize(ctx))

	mergeTx, err := v.BuildMergeTx(ctx, "bob", big.NewInt(10))
	require.NoError(t, err)
	_, err = v.ExecuteMergeTx(ctx, mergeTx)
	require.Error(t, err)
}

func TestFinalizeAndRedeemWinningOnly(t *testing.T) {
	ctx := context.Background()
	v := NewSplitMergeVault([]string{"mintYes", "mintNo"})
	require.NoError(t, v.Initialize(ctx))

	splitTx, err := v.BuildSplitTx(ctx, "carol", big.NewInt(50))
	require.NoError(t, err)
	_, err = v.ExecuteSplitTx(ctx, splitTx)
	require.NoError(t, err)

	require.NoError(t, v.Finalize(ctx, "mintYes"))
	require.Equal(t, futarchy.VaultFinalized, v.State())

	redeemTx, err := v.BuildRedeemWinningTokensTx(ctx, "carol")
	require.NoError(t, err)
	_, err = v.ExecuteRedeemWinningTokensTx(ctx, redeemTx)
	require.NoError(t, err)

	require.Equal(t, big.NewInt(0), v.conditional["carol"]["mintYes"])
	require.Equal(t, big.NewInt(50), v.conditional["carol"]["mintNo"])

	require.NoError(t, v.Finalize(ctx, "mintNo"))
	require.Equal(t, "mintYes", v.winningMint)
}

func TestSplitMergeVaultSerializeRoundTrip(t *testing.T) {
	ctx := context.Background()
	v := NewSplitMergeVault([]string{"mintYes", "mintNo"})
	require.NoError(t, v.Initialize(ctx))
	splitTx, err := v.BuildSplitTx(ctx, "dave", big.NewInt(20))
	require.NoError(t, err)
	_, err = v.ExecuteSplitTx(ctx, splitTx)
	require.NoError(t, err)

	data, err := v.Serialize()
	require.NoError(t, err)

	restored, err := DeserializeSplitMergeVault(data, futarchy.VaultDeps{})
	require.NoError(t, err)
	require.ElementsMatch(t, v.ConditionalMints(), restored.ConditionalMints())
	require.Equal(t, futarchy.VaultInitialized, restored.State())
}
