package steps

import (
	"fmt"

	"github.com/sendloop/automation-engine/pkg/model"
)

// ChooseVariant performs a weighted draw over variants using a value in
// [0,100) derived from the subscriber's stable per-step seed (see
// pkg/clock.RandomPercent), so a crash-recovery re-execution of the same
// split_test step reproduces the same choice. Variants are walked in their
// configured order, each owning the half-open percentage range
// [cumulative, cumulative+percentage).
func ChooseVariant(variants []model.SplitVariant, draw int) (model.SplitVariant, error) {
	cumulative := 0
	for _, v := range variants {
		cumulative += v.Percentage
		if draw < cumulative {
			return v, nil
		}
	}
	return model.SplitVariant{}, fmt.Errorf("split_test: draw %d exceeds cumulative variant percentage %d", draw, cumulative)
}
