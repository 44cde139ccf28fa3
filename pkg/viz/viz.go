// Package viz renders a room's causal change graph as an SVG, for the
// debug HTTP endpoint and the offline docviz tool. One node per change,
// one edge per dependency, labelled with the document's state as of that
// change — the same walk-and-fork approach the original experiments used
// to visualize a single counter field, generalized here to the room's
// whole root map since a room's schema is client-defined, not fixed.
package viz

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// RenderChangeGraph walks doc's full change history and renders it as an
// SVG causal graph directly into memory, suitable for streaming as an HTTP
// response body without touching disk.
func RenderChangeGraph(doc *automerge.Doc) ([]byte, error) {
	g := graphviz.New()

	graph, err := g.Graph()
	if err != nil {
		return nil, fmt.Errorf("viz: setup graph: %w", err)
	}

	changes, err := doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("viz: list changes: %w", err)
	}

	nodeMap := make(map[string]*cgraph.Node, len(changes))
	var edgeCounter uint64
	for _, change := range changes {
		docAt, err := doc.Fork(change.Hash())
		if err != nil {
			return nil, fmt.Errorf("viz: fork at %s: %w", change.Hash(), err)
		}

		var stateAtChange interface{}
		if root := docAt.RootMap(); root != nil {
			stateAtChange = root.GoString()
		}
		encodedState, err := json.Marshal(stateAtChange)
		if err != nil {
			return nil, fmt.Errorf("viz: marshal state at %s: %w", change.Hash(), err)
		}

		n, err := graph.CreateNode(change.Hash().String())
		if err != nil {
			return nil, fmt.Errorf("viz: create node: %w", err)
		}
		n.SetLabel(fmt.Sprintf("%s %s@%d %s", change.Hash().String()[:8], change.ActorID(), change.ActorSeq(), string(encodedState)))
		nodeMap[n.Name()] = n

		for _, dep := range change.Dependencies() {
			parent, ok := nodeMap[dep.String()]
			if !ok {
				continue
			}
			if _, err := graph.CreateEdge(strconv.Itoa(int(atomic.AddUint64(&edgeCounter, 1))), parent, n); err != nil {
				return nil, fmt.Errorf("viz: create edge: %w", err)
			}
		}
	}

	var buf bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buf); err != nil {
		return nil, fmt.Errorf("viz: render: %w", err)
	}
	return buf.Bytes(), nil
}
