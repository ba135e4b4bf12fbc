package certify

import (
	"fmt"

	"gonum.org/v1/gonum/stat/distuv"

	apperrors "github.com/vlmcert/vlm-certify/internal/pkg/errors"
)

// DefaultAlpha gives a 95% interval.
const DefaultAlpha = 0.05

// ClopperPearson returns the exact two-sided 1-alpha confidence interval for
// a binomial proportion with successes out of trials.
//
// The bounds are quantiles of the beta distribution:
//
//	lower = Beta(x, n-x+1).Quantile(alpha/2)    (0 when x == 0)
//	upper = Beta(x+1, n-x).Quantile(1-alpha/2)  (1 when x == n)
func ClopperPearson(successes, trials int, alpha float64) (lower, upper float64, err error) {
	if trials <= 0 {
		return 0, 0, apperrors.ValidationError(fmt.Sprintf("trials must be positive, got %d", trials))
	}
	if successes < 0 || successes > trials {
		return 0, 0, apperrors.ValidationError(
			fmt.Sprintf("successes must be within [0, %d], got %d", trials, successes))
	}
	if alpha <= 0 || alpha >= 1 {
		return 0, 0, apperrors.ValidationError(fmt.Sprintf("alpha must be within (0, 1), got %g", alpha))
	}

	x, n := float64(successes), float64(trials)

	lower = 0
	if successes > 0 {
		lower = distuv.Beta{Alpha: x, Beta: n - x + 1}.Quantile(alpha / 2)
	}

	upper = 1
	if successes < trials {
		upper = distuv.Beta{Alpha: x + 1, Beta: n - x}.Quantile(1 - alpha/2)
	}

	return lower, upper, nil
}
