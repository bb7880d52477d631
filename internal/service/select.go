package service

import (
	"sort"

	"github.com/alanyoungcy/cashbridge/internal/domain"
)

// SelectMerchant picks the counterparty for an auto-matched request. The
// order is total: rating desc, average response time asc, best rate for the
// requester, then merchant id asc. Merchants without a rate for the coin sort
// after those with one.
func SelectMerchant(candidates []domain.MerchantView, coin domain.Coin, side domain.TradeType) (domain.MerchantView, bool) {
	if len(candidates) == 0 {
		return domain.MerchantView{}, false
	}
	ranked := make([]domain.MerchantView, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		return merchantLess(ranked[i], ranked[j], coin, side)
	})
	return ranked[0], true
}

func merchantLess(a, b domain.MerchantView, coin domain.Coin, side domain.TradeType) bool {
	if a.Rating != b.Rating {
		return a.Rating > b.Rating
	}
	if a.AvgResponseSeconds != b.AvgResponseSeconds {
		return a.AvgResponseSeconds < b.AvgResponseSeconds
	}

	ra, okA := a.RateFor(coin, side)
	rb, okB := b.RateFor(coin, side)
	switch {
	case okA && !okB:
		return true
	case !okA && okB:
		return false
	case okA && okB && !ra.Equal(rb):
		// A seller wants the merchant paying the most; a buyer wants the
		// merchant charging the least.
		if side == domain.TradeTypeSell {
			return ra.GreaterThan(rb)
		}
		return ra.LessThan(rb)
	}

	return a.UserID < b.UserID
}
