package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"reclaim/internal/domain"
)

// Any sequence of verify attempts leaves the item with Finder set iff IsFound,
// and the first successful finder is never replaced.
func TestItemFinderInvariant(t *testing.T) {
	c := newChain(t)
	ctx := context.Background()
	finders := []string{finderA, finderB, owner, ""}
	callers := []string{owner, finderA, dispute}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	properties.Property("finder set exactly once", prop.ForAll(
		func(ops []int) bool {
			item, _, err := c.SubmitItem(ctx, owner, "fp")
			if err != nil {
				return false
			}
			first := ""
			for _, op := range ops {
				finder := finders[op%len(finders)]
				caller := callers[(op/len(finders))%len(callers)]
				_, err := c.VerifyFound(ctx, item.ID, finder, caller)
				if err == nil {
					if first != "" {
						return false
					}
					first = finder
				} else if first != "" && !errors.Is(err, domain.ErrAlreadyVerified) &&
					!errors.Is(err, domain.ErrUnauthorized) && !errors.Is(err, domain.ErrInvalidInput) {
					return false
				}
				got, err := c.GetItem(ctx, item.ID)
				if err != nil {
					return false
				}
				if got.IsFound != (got.Finder != "") || got.Finder != first {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 11)),
	))

	properties.TestingRun(t)
}
