package nmdp

import (
	"fmt"
	"io"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/veristate/veristate/pkg/ltmdp"
)

// WriteDOT renders the model as a Graphviz digraph for diagnostics. States
// become boxes labeled with their atoms; continuation nodes become small
// circles; leaves collapse into edges to their target state.
func (m *Model) WriteDOT(w io.Writer) error {
	var sb strings.Builder
	sb.WriteString("digraph nmdp {\n")
	sb.WriteString("\trankdir=LR;\n")
	sb.WriteString("\tnode [fontsize=10];\n")

	sb.WriteString("\tinit [shape=point];\n")
	fmt.Fprintf(&sb, "\tinit -> n%d;\n", m.initial)

	for id, st := range m.states {
		label := fmt.Sprintf("s%d", id)
		if names := m.atomNames(st.Labeling); len(names) > 0 {
			label += "\\n" + strings.Join(names, "\\n")
		}
		fmt.Fprintf(&sb, "\ts%d [shape=box, label=\"%s\"];\n", id, label)
		fmt.Fprintf(&sb, "\ts%d -> n%d [style=dotted];\n", id, st.Root)
	}

	for loc, n := range m.nodes {
		switch n.Kind {
		case ltmdp.KindLeaf:
			fmt.Fprintf(&sb, "\tn%d [shape=circle, label=\"\"];\n", loc)
			fmt.Fprintf(&sb, "\tn%d -> s%d [label=\"%g\"];\n", loc, n.State, n.Probability)
		case ltmdp.KindProbabilistic:
			fmt.Fprintf(&sb, "\tn%d [shape=circle, label=\"P\"];\n", loc)
			for c := n.From; c <= n.To; c++ {
				fmt.Fprintf(&sb, "\tn%d -> n%d [label=\"%g\"];\n", loc, c, m.nodes[c].Probability)
			}
		case ltmdp.KindNondeterministic:
			fmt.Fprintf(&sb, "\tn%d [shape=diamond, label=\"N\"];\n", loc)
			for c := n.From; c <= n.To; c++ {
				fmt.Fprintf(&sb, "\tn%d -> n%d;\n", loc, c)
			}
		}
	}

	sb.WriteString("}\n")
	_, err := io.WriteString(w, sb.String())
	return err
}

// exportDoc is the JSON shape of a model export.
type exportDoc struct {
	Atoms   []string      `json:"atoms"`
	Initial Location      `json:"initial"`
	States  []exportState `json:"states"`
	Nodes   []exportNode  `json:"nodes"`
}

type exportState struct {
	ID       int      `json:"id"`
	Root     Location `json:"root"`
	Labeling []string `json:"labeling,omitempty"`
}

type exportNode struct {
	Kind        string         `json:"kind"`
	Probability float64        `json:"probability"`
	Reward      float64        `json:"reward,omitempty"`
	Target      *ltmdp.StateID `json:"target,omitempty"`
	From        *Location      `json:"from,omitempty"`
	To          *Location      `json:"to,omitempty"`
}

// WriteJSON writes the whole model as one JSON document for offline
// inspection and tooling.
func (m *Model) WriteJSON(w io.Writer) error {
	doc := exportDoc{
		Atoms:   m.atoms,
		Initial: m.initial,
		States:  make([]exportState, len(m.states)),
		Nodes:   make([]exportNode, len(m.nodes)),
	}
	for id, st := range m.states {
		doc.States[id] = exportState{
			ID:       id,
			Root:     st.Root,
			Labeling: m.atomNames(st.Labeling),
		}
	}
	for loc := range m.nodes {
		n := m.nodes[loc]
		en := exportNode{
			Kind:        n.Kind.String(),
			Probability: n.Probability,
			Reward:      n.Reward,
		}
		if n.Kind == ltmdp.KindLeaf {
			target := n.State
			en.Target = &target
		} else {
			from, to := n.From, n.To
			en.From, en.To = &from, &to
		}
		doc.Nodes[loc] = en
	}
	return sonic.ConfigDefault.NewEncoder(w).Encode(doc)
}
