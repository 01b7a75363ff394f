package constraints

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// trie indexes the alternatives of a disjunctive constraint. Children keep
// insertion order so the tokens offered at each level are deterministic.
type trie struct {
	root   *trieNode
	height int
}

type trieNode struct {
	children *orderedmap.OrderedMap[int, *trieNode]
}

func newNode() *trieNode {
	return &trieNode{children: orderedmap.New[int, *trieNode]()}
}

func newTrie(seqs [][]int) *trie {
	t := &trie{root: newNode()}
	for _, seq := range seqs {
		n := t.root
		for _, tok := range seq {
			child, ok := n.children.Get(tok)
			if !ok {
				child = newNode()
				n.children.Set(tok, child)
			}
			n = child
		}
		t.height = max(t.height, len(seq))
	}
	return t
}

// next returns the children of the node reached by following prefix. A
// prefix that leaves the trie has no continuations.
func (t *trie) next(prefix []int) []int {
	n := t.root
	for _, tok := range prefix {
		child, ok := n.children.Get(tok)
		if !ok {
			return nil
		}
		n = child
	}
	out := make([]int, 0, n.children.Len())
	for pair := n.children.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

func (t *trie) reachedLeaf(prefix []int) bool {
	return len(prefix) > 0 && len(t.next(prefix)) == 0
}

// leaves counts terminal nodes. It is smaller than the number of inserted
// sequences when one sequence is a prefix of another.
func (t *trie) leaves() int {
	return countLeaves(t.root)
}

func countLeaves(n *trieNode) int {
	if n.children.Len() == 0 {
		return 1
	}
	total := 0
	for pair := n.children.Oldest(); pair != nil; pair = pair.Next() {
		total += countLeaves(pair.Value)
	}
	return total
}
