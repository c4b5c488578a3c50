package procdisp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestRing(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		var r ring
		assert.Equal(t, -1, r.pick())
	})

	t.Run("wraps around", func(t *testing.T) {
		var r ring
		r.reset(3)

		var got []int
		for i := 0; i < 7; i++ {
			got = append(got, r.pick())
		}
		assert.Equal(t, []int{0, 1, 2, 0, 1, 2, 0}, got)
	})

	t.Run("grow keeps position", func(t *testing.T) {
		var r ring
		r.reset(2)
		r.pick()

		r.resize(3)
		assert.Equal(t, 1, r.pick())
		assert.Equal(t, 2, r.pick())
		assert.Equal(t, 0, r.pick())
	})

	t.Run("shrink past cursor rewinds", func(t *testing.T) {
		var r ring
		r.reset(4)
		r.pick()
		r.pick()
		r.pick()

		r.resize(2)
		assert.Equal(t, 0, r.pick())
	})

	t.Run("removing a slot behind the cursor keeps the rotation", func(t *testing.T) {
		var r ring
		r.reset(3)
		assert.Equal(t, 0, r.pick())

		r.remove(0)
		assert.Equal(t, 0, r.pick())
		assert.Equal(t, 1, r.pick())
	})

	t.Run("removing a slot ahead of the cursor", func(t *testing.T) {
		var r ring
		r.reset(3)
		assert.Equal(t, 0, r.pick())

		r.remove(2)
		assert.Equal(t, 1, r.pick())
		assert.Equal(t, 0, r.pick())
	})

	t.Run("removing the last slot wraps", func(t *testing.T) {
		var r ring
		r.reset(3)
		r.pick()
		r.pick()
		assert.Equal(t, 2, r.pick())

		r.remove(2)
		assert.Equal(t, 0, r.pick())
	})

	t.Run("shrink to empty", func(t *testing.T) {
		var r ring
		r.reset(2)
		r.pick()
		r.resize(0)
		assert.Equal(t, -1, r.pick())
	})
}

func TestRing_Fairness(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		size := rapid.IntRange(1, 16).Draw(t, "size")
		rounds := rapid.IntRange(1, 8).Draw(t, "rounds")
		start := rapid.IntRange(0, 64).Draw(t, "start")

		var r ring
		r.reset(size)
		for i := 0; i < start; i++ {
			r.pick()
		}

		counts := make([]int, size)
		for i := 0; i < size*rounds; i++ {
			idx := r.pick()
			if idx < 0 || idx >= size {
				t.Fatalf("index %d out of range for size %d", idx, size)
			}
			counts[idx]++
		}
		for idx, n := range counts {
			if n != rounds {
				t.Fatalf("slot %d picked %d times, want %d", idx, n, rounds)
			}
		}
	})
}
