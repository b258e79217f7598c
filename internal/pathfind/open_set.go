package pathfind

import (
	"container/heap"

	"github.com/ChuLiYu/beaver-nav/pkg/types"
)

type openItem struct {
	coord types.TileCoord
	g     float64
	f     float64
	seq   uint64
}

// openSet is a min-heap on (f, seq). seq is a monotonic insertion counter,
// so equal-f entries pop in insertion order.
type openSet []openItem

func (o openSet) Len() int { return len(o) }

func (o openSet) Less(i, j int) bool {
	if o[i].f != o[j].f {
		return o[i].f < o[j].f
	}
	return o[i].seq < o[j].seq
}

func (o openSet) Swap(i, j int) { o[i], o[j] = o[j], o[i] }

func (o *openSet) Push(x any) { *o = append(*o, x.(openItem)) }

func (o *openSet) Pop() any {
	old := *o
	n := len(old)
	item := old[n-1]
	*o = old[:n-1]
	return item
}

func (o *openSet) push(item openItem) { heap.Push(o, item) }

func (o *openSet) pop() openItem { return heap.Pop(o).(openItem) }
