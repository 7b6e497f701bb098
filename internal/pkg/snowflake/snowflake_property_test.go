package snowflake

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestProperty_IDUniqueness(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("all generated IDs are unique", prop.ForAll(
		func(count int) bool {
			g, err := NewGenerator(1)
			if err != nil {
				return false
			}

			ids := make(map[int64]bool)
			for range count {
				id, err := g.NextID()
				if err != nil {
					return false
				}
				if ids[id] {
					return false
				}
				ids[id] = true
			}
			return len(ids) == count
		},
		gen.IntRange(100, 1000),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestProperty_IDsIncreaseWithTime(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("IDs from the same generator increase", prop.ForAll(
		func(workerID int64, count int) bool {
			g, err := NewGenerator(workerID)
			if err != nil {
				return false
			}

			var prev int64
			for range count {
				id, err := g.NextID()
				if err != nil || id <= prev {
					return false
				}
				prev = id
			}
			return true
		},
		gen.Int64Range(0, maxWorkerID),
		gen.IntRange(10, 500),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
