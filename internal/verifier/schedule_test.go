package verifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBlockSubsidyHalves(t *testing.T) {
	assert.Equal(t, uint64(50*SatoshiPerBitcoin), BlockSubsidy(0))
	assert.Equal(t, uint64(50*SatoshiPerBitcoin), BlockSubsidy(209_999))
	assert.Equal(t, uint64(25*SatoshiPerBitcoin), BlockSubsidy(210_000))
	assert.Equal(t, uint64(1_250_000_000), BlockSubsidy(420_000))
	assert.Equal(t, uint64(625_000_000), BlockSubsidy(630_000))
	assert.Equal(t, uint64(0), BlockSubsidy(64*SubsidyHalvingPeriod))
}

func TestMaxSupplyAt(t *testing.T) {
	assert.Equal(t, uint64(50*SatoshiPerBitcoin), MaxSupplyAt(0))
	assert.Equal(t, uint64(100*SatoshiPerBitcoin), MaxSupplyAt(1))
	assert.Equal(t, uint64(210_000)*50*SatoshiPerBitcoin, MaxSupplyAt(209_999))
	assert.Equal(t, uint64(210_000)*50*SatoshiPerBitcoin+25*SatoshiPerBitcoin, MaxSupplyAt(210_000))
}

func TestMaxSupplyNeverExceedsCap(t *testing.T) {
	// far past the last halving the total must sit just under 21M BTC
	limit := uint64(21_000_000) * SatoshiPerBitcoin
	total := MaxSupplyAt(64 * SubsidyHalvingPeriod)
	assert.Less(t, total, limit)
	assert.Greater(t, total, limit-uint64(SatoshiPerBitcoin))
}

func TestMaxSupplyMonotonic(t *testing.T) {
	heights := []uint32{0, 1, 100, 209_999, 210_000, 210_001, 420_000, 840_000}
	for i := 1; i < len(heights); i++ {
		assert.Greater(t, MaxSupplyAt(heights[i]), MaxSupplyAt(heights[i-1]))
	}
}
