package verifier

// Issuance schedule constants. Subsidy starts at 50 BTC and halves every
// 210,000 blocks until it reaches zero.
const (
	SatoshiPerBitcoin    = 100_000_000
	InitialSubsidy       = 50 * SatoshiPerBitcoin
	SubsidyHalvingPeriod = 210_000
)

// BlockSubsidy returns the coinbase subsidy for a single block height.
func BlockSubsidy(height uint32) uint64 {
	halvings := height / SubsidyHalvingPeriod
	if halvings >= 64 {
		return 0
	}
	return InitialSubsidy >> halvings
}

// MaxSupplyAt returns the maximum issuable supply after the block at the
// given height, the sum of every subsidy from genesis through that height.
// Pure function of height.
func MaxSupplyAt(height uint32) uint64 {
	var total uint64
	h := uint64(height)
	for halvings := uint64(0); halvings < 64; halvings++ {
		subsidy := uint64(InitialSubsidy) >> halvings
		if subsidy == 0 {
			break
		}
		epochStart := halvings * SubsidyHalvingPeriod
		if h < epochStart {
			break
		}
		blocks := uint64(SubsidyHalvingPeriod)
		if h < epochStart+SubsidyHalvingPeriod-1 {
			blocks = h - epochStart + 1
		}
		total += blocks * subsidy
	}
	return total
}
