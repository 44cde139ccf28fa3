// Command docviz renders a saved room snapshot's causal change graph to an
// SVG file, for offline inspection of a document pulled out of the
// snapshot store — the same debugging role the original experiments'
// standalone debug tool played against a dumped automerge file.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/automerge/automerge-go"

	"github.com/collabrelay/roomrelay/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	outVar := flag.String("out", "graph.svg", "path to write the rendered SVG to")
	flag.Parse()
	if flag.NArg() != 1 {
		return fmt.Errorf("expected one positional argument: the snapshot file to read")
	}

	f, err := os.Open(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("opening input file: %w", err)
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("reading input file: %w", err)
	}

	doc, err := automerge.Load(raw)
	if err != nil {
		return fmt.Errorf("loading snapshot: %w", err)
	}
	slog.Info("loaded snapshot", "heads", doc.Heads(), "state", doc.RootMap().GoString())

	svg, err := viz.RenderChangeGraph(doc)
	if err != nil {
		return fmt.Errorf("rendering graph: %w", err)
	}

	if err := os.WriteFile(*outVar, svg, 0o644); err != nil {
		return fmt.Errorf("writing svg: %w", err)
	}
	slog.Info("rendered", "path", *outVar)
	return nil
}
