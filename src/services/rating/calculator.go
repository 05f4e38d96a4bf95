package rating

import (
	"math"

	"github.com/creasty/defaults"
	"github.com/samber/oops"

	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/platform/perr"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/platform/validation"
)

// Calculator derives post-match Elo ratings. It is pure and stateless:
// the same inputs always produce the same outputs, and nothing is shared,
// so one value serves all goroutines.
type Calculator struct {
	kFactor   float64
	maxRating int
}

type Options struct {
	// KFactor scales how far one match moves a rating.
	KFactor int `default:"32" validate:"gt=0"`
	// MaxRating caps ratings from above; the floor is always zero.
	MaxRating int `default:"10000" validate:"gt=0"`
}

func NewCalculator(options Options) (*Calculator, error) {
	errorb := oops.
		In("rating calculator").
		Code(perr.ECONFIG)

	if err := defaults.Set(&options); err != nil {
		return nil, errorb.Wrapf(err, "failed to set defaults")
	}
	if err := validation.Instance.Struct(&options); err != nil {
		return nil, errorb.Wrapf(err, "failed to validate")
	}

	return &Calculator{
		kFactor:   float64(options.KFactor),
		maxRating: options.MaxRating,
	}, nil
}

// Compute returns both players' ratings after a match ending
// score1:score2. Expected scores follow the logistic curve
// E1 = 1/(1+10^((r2-r1)/400)); the actual score is 1 for a win, 0 for a
// loss, 0.5 for a tie. Deltas are rounded half away from zero and results
// clamped to [0, maxRating]. Away from the clamp boundaries the two deltas
// cancel to within one point.
func (c *Calculator) Compute(rating1, rating2, score1, score2 int) (int, int) {
	expected1 := 1 / (1 + math.Pow(10, float64(rating2-rating1)/400))
	expected2 := 1 - expected1

	var actual1 float64
	switch {
	case score1 > score2:
		actual1 = 1
	case score1 < score2:
		actual1 = 0
	default:
		actual1 = 0.5
	}
	actual2 := 1 - actual1

	next1 := c.clamp(float64(rating1) + c.kFactor*(actual1-expected1))
	next2 := c.clamp(float64(rating2) + c.kFactor*(actual2-expected2))
	return next1, next2
}

func (c *Calculator) clamp(rating float64) int {
	return c.ClampRating(int(math.Round(rating)))
}

// ClampRating bounds a rating to the calculator's [0, max] range. Undo
// reversals go through it so a reversed delta can never push a rating
// outside what registration could have produced.
func (c *Calculator) ClampRating(rating int) int {
	if rating < 0 {
		return 0
	}
	if rating > c.maxRating {
		return c.maxRating
	}
	return rating
}
