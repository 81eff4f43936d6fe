package chain

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func logAt(tx common.Hash, block uint64, index uint) types.Log {
	return types.Log{TxHash: tx, BlockNumber: block, Index: index}
}

func TestMergeLogsDeduplicatesAndSorts(t *testing.T) {
	txA := common.HexToHash("0x0a")
	txB := common.HexToHash("0x0b")

	outbound := []types.Log{
		logAt(txB, 12, 3),
		logAt(txA, 10, 1),
	}
	// A self-transfer appears in both directional queries.
	inbound := []types.Log{
		logAt(txA, 10, 1),
		logAt(txA, 10, 0),
	}

	merged := mergeLogs(outbound, inbound)
	if len(merged) != 3 {
		t.Fatalf("expected 3 unique logs, got %d", len(merged))
	}

	want := []struct {
		block uint64
		index uint
	}{
		{10, 0},
		{10, 1},
		{12, 3},
	}
	for i, w := range want {
		if merged[i].BlockNumber != w.block || merged[i].Index != w.index {
			t.Errorf("merged[%d] = block %d index %d, want block %d index %d",
				i, merged[i].BlockNumber, merged[i].Index, w.block, w.index)
		}
	}
}

func TestMergeLogsEmpty(t *testing.T) {
	if merged := mergeLogs(nil, nil); len(merged) != 0 {
		t.Fatalf("expected empty merge, got %d entries", len(merged))
	}
}
