//go:build property

package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestPipelineOrderProperties checks that any acyclic graph, registered
// in any order, produces an order in which every stage follows its
// predecessors.
func TestPipelineOrderProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("order respects every edge", prop.ForAll(
		func(n int, density int, seed int64) bool {
			rng := rand.New(rand.NewSource(seed))

			// Edges only point from lower to higher index, so the graph is acyclic
			after := make([][]string, n)
			for i := 0; i < n; i++ {
				for j := 0; j < i; j++ {
					if rng.Intn(100) < density {
						after[i] = append(after[i], stageName(j))
					}
				}
			}

			p := NewPipeline()
			for _, i := range rng.Perm(n) {
				if err := p.Add(stageName(i), func(context.Context) error { return nil }, after[i]...); err != nil {
					return false
				}
			}

			order, err := p.Order()
			if err != nil || len(order) != n {
				return false
			}

			pos := make(map[string]int, n)
			for idx, name := range order {
				pos[name] = idx
			}
			for i := 0; i < n; i++ {
				for _, dep := range after[i] {
					if pos[dep] >= pos[stageName(i)] {
						return false
					}
				}
			}
			return true
		},
		gen.IntRange(1, 12),
		gen.IntRange(0, 100),
		gen.Int64(),
	))

	properties.Property("a back edge is always rejected", prop.ForAll(
		func(n int) bool {
			p := NewPipeline()
			for i := 0; i < n; i++ {
				var after []string
				if i > 0 {
					after = []string{stageName(i - 1)}
				} else {
					after = []string{stageName(n - 1)}
				}
				if err := p.Add(stageName(i), func(context.Context) error { return nil }, after...); err != nil {
					return false
				}
			}
			_, err := p.Order()
			return err != nil
		},
		gen.IntRange(2, 12),
	))

	properties.TestingRun(t)
}

func stageName(i int) string {
	return fmt.Sprintf("stage-%02d", i)
}
