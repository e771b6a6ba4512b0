package bst

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	node Node[*item]
	key  uint64
}

func newItem(key uint64) *item {
	it := &item{key: key}
	it.node.Item = it
	return it
}

func itemLess(a, b *item) bool {
	return a.key < b.key
}

func collect(t *Tree[*item]) []uint64 {
	var out []uint64
	t.ForEach(func(it *item) bool {
		out = append(out, it.key)
		return true
	})
	return out
}

func TestTree_InsertOrder(t *testing.T) {
	tree := New(itemLess)
	require.True(t, tree.Empty())

	keys := []uint64{50, 20, 80, 10, 30, 70, 90}
	for _, k := range keys {
		tree.Insert(&newItem(k).node)
	}

	assert.Equal(t, []uint64{10, 20, 30, 50, 70, 80, 90}, collect(tree))
	assert.Equal(t, uint64(10), tree.First().Item.key)
	assert.Equal(t, uint64(90), tree.Last().Item.key)
}

func TestTree_PrevNext(t *testing.T) {
	tree := New(itemLess)
	for _, k := range []uint64{10, 20, 30} {
		tree.Insert(&newItem(k).node)
	}

	n := tree.First()
	assert.Equal(t, uint64(10), n.Item.key)
	n = tree.Next(n)
	assert.Equal(t, uint64(20), n.Item.key)
	n = tree.Next(n)
	assert.Equal(t, uint64(30), n.Item.key)
	assert.Nil(t, tree.Next(n))

	assert.Equal(t, uint64(20), tree.Prev(tree.Last()).Item.key)

	// nil node means "from the edge"
	assert.Equal(t, uint64(30), tree.Prev(nil).Item.key)
	assert.Equal(t, uint64(10), tree.Next(nil).Item.key)
}

func TestTree_DeleteCases(t *testing.T) {
	// Exercise leaf, one-child, and two-children deletion.
	tree := New(itemLess)
	items := map[uint64]*item{}
	for _, k := range []uint64{50, 20, 80, 10, 30, 70, 90, 25} {
		it := newItem(k)
		items[k] = it
		tree.Insert(&it.node)
	}

	tree.Delete(&items[10].node) // leaf
	assert.Equal(t, []uint64{20, 25, 30, 50, 70, 80, 90}, collect(tree))

	tree.Delete(&items[30].node) // interior
	assert.Equal(t, []uint64{20, 25, 50, 70, 80, 90}, collect(tree))

	tree.Delete(&items[50].node) // root with two children
	assert.Equal(t, []uint64{20, 25, 70, 80, 90}, collect(tree))

	tree.Delete(&items[20].node) // one child
	assert.Equal(t, []uint64{25, 70, 80, 90}, collect(tree))

	for _, k := range []uint64{25, 70, 80, 90} {
		tree.Delete(&items[k].node)
	}
	assert.True(t, tree.Empty())
}

func TestTree_FindAndFloor(t *testing.T) {
	tree := New(itemLess)
	for _, k := range []uint64{10, 30, 50} {
		tree.Insert(&newItem(k).node)
	}

	cmpAgainst := func(target uint64) func(*item) int {
		return func(it *item) int {
			switch {
			case target < it.key:
				return -1
			case target > it.key:
				return 1
			default:
				return 0
			}
		}
	}

	require.NotNil(t, tree.Find(cmpAgainst(30)))
	assert.Equal(t, uint64(30), tree.Find(cmpAgainst(30)).Item.key)
	assert.Nil(t, tree.Find(cmpAgainst(40)))

	assert.Equal(t, uint64(30), tree.Floor(cmpAgainst(40)).Item.key)
	assert.Equal(t, uint64(30), tree.Floor(cmpAgainst(30)).Item.key)
	assert.Equal(t, uint64(50), tree.Floor(cmpAgainst(999)).Item.key)
	assert.Nil(t, tree.Floor(cmpAgainst(5)))
}

func TestTree_RandomizedDeleteReinsert(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	tree := New(itemLess)

	var items []*item
	for i := 0; i < 200; i++ {
		it := newItem(uint64(rng.Intn(100000)))
		items = append(items, it)
		tree.Insert(&it.node)
	}

	// Delete half in random order, then verify the remainder is sorted.
	rng.Shuffle(len(items), func(i, j int) { items[i], items[j] = items[j], items[i] })
	for _, it := range items[:100] {
		tree.Delete(&it.node)
	}

	var want []uint64
	for _, it := range items[100:] {
		want = append(want, it.key)
	}
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
	assert.Equal(t, want, collect(tree))
}
