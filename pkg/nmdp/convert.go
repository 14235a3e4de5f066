package nmdp

import (
	"math"

	"github.com/veristate/veristate/pkg/fault"
	"github.com/veristate/veristate/pkg/ltmdp"
)

// Option adjusts a conversion.
type Option func(*converter)

// WithAtoms records the atomic propositions backing the labeling bits, in
// bit order. Exports and formula evaluation resolve names through them.
func WithAtoms(names []string) Option {
	return func(c *converter) { c.atoms = names }
}

// Convert rebuilds an accumulated LTMDP into the canonical result model.
// States are exactly the distinct transition targets of the index, numbered
// densely in first-seen order; each state's continuation graph and the
// initial distribution's graph are rebuilt into one result arena by the same
// routine. Every source node maps to exactly one result node, so the arena
// is sized from the source node count and the walk is linear in nodes, not
// paths. The source is retired on success to bound peak memory.
//
// Convert is single-threaded; independent conversions of different models
// may run in parallel.
func Convert(src *ltmdp.LTMDP, idx *ltmdp.TargetIndex, opts ...Option) (*Model, error) {
	nodes := src.Nodes()
	if nodes == nil {
		return nil, fault.Orderingf("converting a retired LTMDP")
	}
	if src.InitialRoot() == ltmdp.NoCID {
		return nil, fault.Orderingf("converting before the initial distribution was explored")
	}

	c := &converter{
		src: nodes,
		idx: idx,
		dst: &Model{
			nodes:   make([]Node, len(nodes)),
			states:  make([]State, idx.Count()),
			initial: NoLocation,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.dst.atoms = c.atoms

	initial, err := c.convertRoot(src.InitialRoot())
	if err != nil {
		return nil, err
	}
	c.dst.initial = initial

	for id := range c.dst.states {
		root := src.RootOf(ltmdp.StateID(id))
		if root == ltmdp.NoCID {
			return nil, fault.Orderingf("state %d was discovered but never explored", id)
		}
		loc, err := c.convertRoot(root)
		if err != nil {
			return nil, err
		}
		c.dst.states[id] = State{Root: loc, Labeling: c.idx.KeyOf(ltmdp.StateID(id)).Labeling}
	}

	if c.used != len(c.dst.nodes) {
		return nil, fault.Consistencyf("%d of %d source nodes unreachable from any root", len(c.dst.nodes)-c.used, len(c.dst.nodes))
	}

	src.Retire()
	return c.dst, nil
}

// converter carries the conversion state. The cid buffer is scoped to
// exactly one convertRoot call at a time.
type converter struct {
	src   []ltmdp.Node
	idx   *ltmdp.TargetIndex
	dst   *Model
	used  int
	buf   cidBuffer
	stack []workItem
	atoms []string
}

// workItem names one source node awaiting expansion, the result location
// reserved for it, and the kind of the decision it belongs to.
type workItem struct {
	cid      ltmdp.CID
	loc      Location
	decision ltmdp.Kind
}

// convertRoot rebuilds the graph rooted at the given source cid and returns
// its new root location. Recursion is replaced by an explicit work stack so
// pathological graphs cannot exhaust the call stack.
func (c *converter) convertRoot(root ltmdp.CID) (Location, error) {
	c.buf.clear(root)

	rootLoc, err := c.reserve(1)
	if err != nil {
		return NoLocation, err
	}
	if err := c.buf.put(root, rootLoc); err != nil {
		return NoLocation, err
	}

	c.stack = append(c.stack[:0], workItem{cid: root, loc: rootLoc, decision: ltmdp.KindNondeterministic})
	for len(c.stack) > 0 {
		it := c.stack[len(c.stack)-1]
		c.stack = c.stack[:len(c.stack)-1]
		if err := c.convertNode(it); err != nil {
			return NoLocation, err
		}
	}
	return rootLoc, nil
}

func (c *converter) convertNode(it workItem) error {
	if it.cid < 0 || int64(it.cid) >= int64(len(c.src)) {
		return fault.Consistencyf("continuation %d outside the source arena of %d nodes", it.cid, len(c.src))
	}
	n := c.src[it.cid]

	switch n.Kind {
	case ltmdp.KindLeaf:
		id, ok := c.idx.Lookup(n.Target)
		if !ok {
			return fault.Consistencyf("leaf %d reaches an unindexed transition target", it.cid)
		}
		c.dst.nodes[it.loc] = Node{
			Probability: n.Probability,
			Reward:      n.Reward,
			State:       id,
			From:        NoLocation,
			To:          NoLocation,
			Kind:        ltmdp.KindLeaf,
		}

	case ltmdp.KindForward:
		// The redirect target is never expanded again; its location was
		// buffered when the decision containing it was converted. Reusing
		// it is what keeps conversion linear in the node count rather than
		// the path count. An unbuffered target means the forward crosses
		// state scope, which the builders never produce.
		loc, ok := c.buf.get(n.From)
		if !ok {
			return fault.Consistencyf("forward %d targets continuation %d outside the current conversion scope", it.cid, n.From)
		}
		c.dst.nodes[it.loc] = Node{
			Probability: n.Probability,
			State:       ltmdp.NoState,
			From:        loc,
			To:          loc,
			Kind:        it.decision,
		}

	case ltmdp.KindProbabilistic, ltmdp.KindNondeterministic:
		count := int64(n.To) - int64(n.From) + 1
		if n.From == ltmdp.NoCID || count <= 0 {
			return fault.Consistencyf("%s continuation %d has child range [%d,%d]", n.Kind, it.cid, n.From, n.To)
		}
		first, err := c.reserve(int(count))
		if err != nil {
			return err
		}
		c.dst.nodes[it.loc] = Node{
			Probability: n.Probability,
			State:       ltmdp.NoState,
			From:        first,
			To:          first + Location(count) - 1,
			Kind:        n.Kind,
		}
		// Buffer the whole sibling block before expanding anything under
		// it: forwards inside the block resolve against these entries.
		for i := int64(0); i < count; i++ {
			if err := c.buf.put(n.From+ltmdp.CID(i), first+Location(i)); err != nil {
				return err
			}
		}
		// Pushed in reverse so children convert in order.
		for i := count - 1; i >= 0; i-- {
			c.stack = append(c.stack, workItem{
				cid:      n.From + ltmdp.CID(i),
				loc:      first + Location(i),
				decision: n.Kind,
			})
		}

	default:
		return fault.Consistencyf("converting %s continuation %d", n.Kind, it.cid)
	}
	return nil
}

// reserve claims a contiguous block of result locations.
func (c *converter) reserve(count int) (Location, error) {
	if c.used+count > len(c.dst.nodes) {
		return NoLocation, fault.Capacityf("result arena exhausted at %d nodes", len(c.dst.nodes))
	}
	loc := Location(c.used)
	c.used += count
	return loc, nil
}

// cidBuffer maps source cids to result locations during one root's
// conversion. Positions are relative to the root cid: per-state graphs are
// committed as contiguous blocks, so the buffer never grows beyond the
// state's own node count. A cid below the offset belongs to another block
// and is rejected.
type cidBuffer struct {
	offset ltmdp.CID
	locs   []Location
}

func (b *cidBuffer) clear(offset ltmdp.CID) {
	b.offset = offset
	b.locs = b.locs[:0]
}

func (b *cidBuffer) put(cid ltmdp.CID, loc Location) error {
	pos := int64(cid) - int64(b.offset)
	if pos < 0 {
		return fault.Consistencyf("continuation %d below the conversion scope at %d", cid, b.offset)
	}
	if pos >= math.MaxInt32 {
		return fault.Capacityf("cid buffer position %d exceeds int32 addressing", pos)
	}
	for int64(len(b.locs)) <= pos {
		b.locs = append(b.locs, NoLocation)
	}
	b.locs[pos] = loc
	return nil
}

func (b *cidBuffer) get(cid ltmdp.CID) (Location, bool) {
	pos := int64(cid) - int64(b.offset)
	if pos < 0 || pos >= int64(len(b.locs)) {
		return NoLocation, false
	}
	loc := b.locs[pos]
	if loc == NoLocation {
		return NoLocation, false
	}
	return loc, true
}
