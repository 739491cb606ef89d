package services

import (
	"errors"
	"fmt"
	"image"
	"math/rand/v2"
	"testing"

	"github.com/Lllllllleong/safeviewer/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeArtifact struct {
	name     string
	releases int
	err      error
	panics   bool
}

func (a *fakeArtifact) Release() error {
	a.releases++
	if a.panics {
		panic("release exploded")
	}
	return a.err
}

func artifacts(names ...string) []*fakeArtifact {
	out := make([]*fakeArtifact, len(names))
	for i, n := range names {
		out[i] = &fakeArtifact{name: n}
	}
	return out
}

func TestPageCache_EvictsLeastRecentlyUsed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNewMetrics(reg)
	c := NewPageCache[*fakeArtifact](2, nil, m)
	a := artifacts("A", "B", "C")

	c.Put(1, a[0])
	c.Put(2, a[1])
	c.Put(3, a[2])

	assert.Equal(t, []int{2, 3}, c.Keys())
	assert.Equal(t, 1, a[0].releases)
	assert.Zero(t, a[1].releases)
	assert.Zero(t, a[2].releases)
	assert.Equal(t, CacheStats{Inserted: 3, Evicted: 1, Resident: 2}, c.Stats())

	assert.Equal(t, 3.0, testutil.ToFloat64(m.cacheInserted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheEvicted))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheResident))
}

func TestPageCache_PutResidentPromotes(t *testing.T) {
	c := NewPageCache[*fakeArtifact](2, nil, nil)
	a := artifacts("A", "B", "C")

	c.Put(1, a[0])
	c.Put(2, a[1])
	c.Put(1, a[0])
	c.Put(3, a[2])

	assert.Equal(t, []int{1, 3}, c.Keys())
	assert.Zero(t, a[0].releases)
	assert.Equal(t, 1, a[1].releases)
	assert.Equal(t, CacheStats{Inserted: 3, Evicted: 1, Resident: 2}, c.Stats())
}

func TestPageCache_GetPromotes(t *testing.T) {
	c := NewPageCache[*fakeArtifact](2, nil, nil)
	a := artifacts("A", "B", "C")
	c.Put(1, a[0])
	c.Put(2, a[1])

	got, ok := c.Get(1)
	require.True(t, ok)
	assert.Same(t, a[0], got)

	c.Put(3, a[2])
	assert.False(t, c.Contains(2))
	assert.Equal(t, 1, a[1].releases)

	_, ok = c.Get(2)
	assert.False(t, ok)
}

func TestPageCache_ReplaceReleasesOld(t *testing.T) {
	c := NewPageCache[*fakeArtifact](2, nil, nil)
	a := artifacts("old", "new")
	c.Put(1, a[0])
	c.Put(1, a[1])

	got, ok := c.Get(1)
	require.True(t, ok)
	assert.Same(t, a[1], got)
	assert.Equal(t, 1, a[0].releases)
	assert.Zero(t, a[1].releases)
	assert.Equal(t, CacheStats{Inserted: 1, Replaced: 1, Resident: 1}, c.Stats())
}

func TestPageCache_ClearRange(t *testing.T) {
	c := NewPageCache[*fakeArtifact](10, nil, nil)
	a := artifacts("1", "2", "3", "4", "5", "6", "7", "8")
	for i, art := range a {
		c.Put(i+1, art)
	}

	c.ClearRange(4, 5, 1)

	assert.ElementsMatch(t, []int{3, 4, 5, 6}, c.Keys())
	for i, art := range a {
		page := i + 1
		if page >= 3 && page <= 6 {
			assert.Zero(t, art.releases, "page %d", page)
		} else {
			assert.Equal(t, 1, art.releases, "page %d", page)
		}
	}
	assert.Equal(t, 4, c.Stats().Evicted)

	// clearing again with the same window evicts nothing
	c.ClearRange(4, 5, 1)
	assert.Equal(t, 4, c.Stats().Evicted)
}

func TestPageCache_ClearAllIsIdempotent(t *testing.T) {
	c := NewPageCache[*fakeArtifact](3, nil, nil)
	a := artifacts("A", "B", "C")
	for i, art := range a {
		c.Put(i, art)
	}

	c.ClearAll()
	c.ClearAll()

	for _, art := range a {
		assert.Equal(t, 1, art.releases)
	}
	assert.Equal(t, CacheStats{Inserted: 3, Evicted: 3}, c.Stats())
}

func TestPageCache_ReleaseFailuresAreContained(t *testing.T) {
	c := NewPageCache[*fakeArtifact](1, nil, nil)
	bad := &fakeArtifact{name: "bad", err: errors.New("gone")}
	worse := &fakeArtifact{name: "worse", panics: true}
	ok := &fakeArtifact{name: "ok"}

	c.Put(1, bad)
	c.Put(2, worse)
	assert.NotPanics(t, func() { c.Put(3, ok) })

	assert.Equal(t, 1, bad.releases)
	assert.Equal(t, 1, worse.releases)
	assert.Equal(t, []int{3}, c.Keys())
}

func TestPageCache_DefaultCapacity(t *testing.T) {
	c := NewPageCache[*fakeArtifact](0, nil, nil)
	for i := 0; i < DefaultPageCacheSize+2; i++ {
		c.Put(i, &fakeArtifact{})
	}
	assert.Equal(t, DefaultPageCacheSize, c.Stats().Resident)
}

func TestPageCache_RenderedPages(t *testing.T) {
	released := 0
	c := NewPageCache[*models.RenderedPage](1, nil, nil)
	first := models.NewRenderedPage(1, image.NewRGBA(image.Rect(0, 0, 4, 4)), func() { released++ })
	c.Put(1, first)
	c.Put(2, models.NewRenderedPage(2, image.NewRGBA(image.Rect(0, 0, 4, 4)), nil))

	assert.Equal(t, 1, released)
	assert.Nil(t, first.Image)
}

func TestPageCache_RandomOpsReleaseEachArtifactOnce(t *testing.T) {
	for seed := uint64(1); seed <= 200; seed++ {
		rng := rand.New(rand.NewPCG(seed, seed*31))
		c := NewPageCache[*fakeArtifact](1+rng.IntN(8), nil, nil)
		var all []*fakeArtifact

		for step := 0; step < 100; step++ {
			page := 1 + rng.IntN(20)
			switch op := rng.IntN(10); {
			case op < 5:
				a := &fakeArtifact{name: fmt.Sprintf("%d/%d", seed, step)}
				all = append(all, a)
				c.Put(page, a)
			case op < 7:
				if a, ok := c.Get(page); ok {
					c.Put(page, a)
				}
			case op < 9:
				c.ClearRange(page, page+rng.IntN(5), rng.IntN(3))
			default:
				c.ClearAll()
			}

			unreleased := 0
			for _, a := range all {
				require.LessOrEqual(t, a.releases, 1, "seed %d step %d: %s released twice", seed, step, a.name)
				if a.releases == 0 {
					unreleased++
				}
			}
			require.Equal(t, c.Stats().Resident, unreleased, "seed %d step %d", seed, step)
		}

		c.ClearAll()
		for _, a := range all {
			require.Equal(t, 1, a.releases, "seed %d: %s", seed, a.name)
		}
	}
}
