package viz

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/hasparus/gist-mom/pkg/rtd"
)

// Output formats accepted by Render. XDOT is graphviz's dot text output.
const (
	SVG  = graphviz.SVG
	XDOT = graphviz.XDOT
)

func short(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// Render draws the change DAG of doc, one node per change labelled with its author, message and the content length
// as of that change.
func Render(doc *rtd.Document, format graphviz.Format, w io.Writer) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	history, err := doc.History()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}

	nodeMap := make(map[string]*cgraph.Node, len(history))
	edgeCounter := 0
	for _, change := range history {
		length := -1
		if docAt, err := doc.At(change.Hash); err == nil {
			length = docAt.Len()
		}

		n, err := graph.CreateNode(change.Hash)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(fmt.Sprintf("%s %s@%d %s len=%d", short(change.Hash), short(change.Actor), change.Seq, change.Message, length))
		nodeMap[change.Hash] = n

		for _, dep := range change.Deps {
			parent, ok := nodeMap[dep]
			if !ok {
				continue
			}
			edgeCounter++
			if _, err := graph.CreateEdge(strconv.Itoa(edgeCounter), parent, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	if err := g.Render(graph, format, w); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}

// RenderToTemp writes an SVG of doc's history to the temp directory and returns its path.
func RenderToTemp(doc *rtd.Document) (string, error) {
	var buff bytes.Buffer
	if err := Render(doc, SVG, &buff); err != nil {
		return "", err
	}
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%s-%d.svg", short(doc.SiteID()), time.Now().UnixNano()))
	if err := os.WriteFile(tf, buff.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("failed to write: %w", err)
	}
	return tf, nil
}
