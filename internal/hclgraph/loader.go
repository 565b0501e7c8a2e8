// Package hclgraph loads workflow graphs from HCL or JSON definition files.
//
// A definition is a set of node blocks:
//
//	graph_id = "greeting"
//
//	node "input" {
//	  block = "constant"
//	  data  = { value = "hello ${env.USER}" }
//	}
//
//	node "shout" {
//	  block  = "text"
//	  data   = { op = "upper" }
//	  inputs = { value = input.value }
//	}
//
// Input connections are written as input.value or "input.value"; a list
// feeds several producers into one input. Data expressions may reference env
// and call the usual string and collection functions.
package hclgraph

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/blockflow/internal/ctxlog"
	"github.com/vk/blockflow/internal/fsutil"
	"github.com/vk/blockflow/internal/graph"
)

type fileRoot struct {
	GraphID *string     `hcl:"graph_id,optional"`
	Nodes   []nodeBlock `hcl:"node,block"`
}

type nodeBlock struct {
	ID       string         `hcl:"id,label"`
	Block    string         `hcl:"block"`
	Name     *string        `hcl:"name,optional"`
	Disabled *bool          `hcl:"disabled,optional"`
	Data     hcl.Expression `hcl:"data,optional"`
	Inputs   hcl.Expression `hcl:"inputs,optional"`
}

// connection is a parsed input reference before it is wired into the graph.
type connection struct {
	to, input    string
	from, output string
	rng          hcl.Range
}

// Loader accumulates node definitions from any number of files into one
// graph.
type Loader struct {
	parser  *hclparse.Parser
	evalCtx *hcl.EvalContext
	graphID string
	nodes   []*graph.Node
	conns   []connection
}

// NewLoader creates a loader whose data expressions see the given environment
// under env. A nil env uses the process environment.
func NewLoader(env map[string]string) *Loader {
	if env == nil {
		env = environ()
	}
	return &Loader{
		parser:  hclparse.NewParser(),
		evalCtx: newEvalContext(env),
	}
}

// Load reads every .hcl and .json file under paths and returns the graph they
// define.
func Load(ctx context.Context, paths ...string) (*graph.Graph, error) {
	logger := ctxlog.FromContext(ctx)
	files, err := findGraphFiles(paths)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no graph files found in %s", strings.Join(paths, ", "))
	}
	logger.Debug("Discovered graph files.", "count", len(files))

	l := NewLoader(nil)
	for _, file := range files {
		src, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read graph file %s: %w", file, err)
		}
		if err := l.Add(file, src); err != nil {
			return nil, err
		}
	}
	if l.graphID == "" {
		l.graphID = strings.TrimSuffix(filepath.Base(files[0]), filepath.Ext(files[0]))
	}

	g, err := l.Graph()
	if err != nil {
		return nil, err
	}
	logger.Debug("Graph loaded.", "graph_id", g.ID, "nodes", g.Len())
	return g, nil
}

// Parse builds a graph from a single in-memory definition. filename picks
// the syntax and, when the definition sets no graph_id, the graph id.
func Parse(filename string, src []byte) (*graph.Graph, error) {
	l := NewLoader(nil)
	if err := l.Add(filename, src); err != nil {
		return nil, err
	}
	if l.graphID == "" {
		l.graphID = strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	}
	return l.Graph()
}

// Add parses one definition. The syntax is picked by the file extension:
// .json is JSON, anything else is native HCL.
func (l *Loader) Add(filename string, src []byte) error {
	var (
		file  *hcl.File
		diags hcl.Diagnostics
	)
	if filepath.Ext(filename) == ".json" {
		file, diags = l.parser.ParseJSON(src, filename)
	} else {
		file, diags = l.parser.ParseHCL(src, filename)
	}
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse graph file %s: %w", filename, diags)
	}

	var root fileRoot
	if diags := gohcl.DecodeBody(file.Body, nil, &root); diags.HasErrors() {
		return fmt.Errorf("failed to decode graph file %s: %w", filename, diags)
	}
	if root.GraphID != nil {
		if l.graphID != "" && l.graphID != *root.GraphID {
			return fmt.Errorf("%s: graph_id %q conflicts with %q", filename, *root.GraphID, l.graphID)
		}
		l.graphID = *root.GraphID
	}

	for _, nb := range root.Nodes {
		n, err := l.translateNode(nb)
		if err != nil {
			return fmt.Errorf("%s: node %q: %w", filename, nb.ID, err)
		}
		l.nodes = append(l.nodes, n)
	}
	return nil
}

// Graph builds the graph from everything added so far. Every connection must
// name a defined node.
func (l *Loader) Graph() (*graph.Graph, error) {
	g := graph.New(l.graphID)
	for _, n := range l.nodes {
		if err := g.AddNode(n); err != nil {
			return nil, err
		}
	}
	for _, c := range l.conns {
		if _, ok := g.Node(c.from); !ok {
			return nil, fmt.Errorf("%s: input %q of node %q references unknown node %q", c.rng, c.input, c.to, c.from)
		}
		if err := g.Connect(c.from, c.output, c.to, c.input); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (l *Loader) translateNode(nb nodeBlock) (*graph.Node, error) {
	if nb.Block == "" {
		return nil, fmt.Errorf("block must not be empty")
	}
	n := &graph.Node{ID: nb.ID, Block: nb.Block}
	if nb.Name != nil {
		n.Name = *nb.Name
	}
	if nb.Disabled != nil {
		n.Disabled = *nb.Disabled
	}

	if nb.Data != nil {
		val, diags := nb.Data.Value(l.evalCtx)
		if diags.HasErrors() {
			return nil, diags
		}
		if !val.IsNull() {
			if !val.Type().IsObjectType() && !val.Type().IsMapType() {
				return nil, fmt.Errorf("data must be an object, got %s", val.Type().FriendlyName())
			}
			data, err := toGo(val)
			if err != nil {
				return nil, fmt.Errorf("data: %w", err)
			}
			n.Data = data.(map[string]any)
		}
	}

	if nb.Inputs != nil {
		conns, err := l.parseInputs(nb.ID, nb.Inputs)
		if err != nil {
			return nil, err
		}
		l.conns = append(l.conns, conns...)
	}
	return n, nil
}

// parseInputs reads the inputs object. Each value is a reference or a list of
// references.
func (l *Loader) parseInputs(nodeID string, expr hcl.Expression) ([]connection, error) {
	pairs, diags := hcl.ExprMap(expr)
	if diags.HasErrors() {
		if v, vd := expr.Value(nil); !vd.HasErrors() && v.IsNull() {
			return nil, nil
		}
		return nil, diags
	}

	var out []connection
	for _, kv := range pairs {
		kval, kd := kv.Key.Value(nil)
		if kd.HasErrors() {
			return nil, kd
		}
		if kval.Type() != cty.String || kval.IsNull() {
			return nil, fmt.Errorf("%s: input names must be strings", kv.Key.Range())
		}
		input := kval.AsString()

		refs := []hcl.Expression{kv.Value}
		if list, ld := hcl.ExprList(kv.Value); !ld.HasErrors() {
			refs = list
		}
		for _, ref := range refs {
			from, output, err := l.parseReference(ref)
			if err != nil {
				return nil, fmt.Errorf("input %q: %w", input, err)
			}
			out = append(out, connection{to: nodeID, input: input, from: from, output: output, rng: ref.Range()})
		}
	}
	return out, nil
}

// parseReference accepts a bare traversal such as producer.value or a string
// holding the same.
func (l *Loader) parseReference(expr hcl.Expression) (string, string, error) {
	if trav, diags := hcl.AbsTraversalForExpr(expr); !diags.HasErrors() {
		return splitTraversal(trav)
	}
	val, diags := expr.Value(l.evalCtx)
	if diags.HasErrors() {
		return "", "", diags
	}
	if val.Type() != cty.String || val.IsNull() {
		return "", "", fmt.Errorf("%s: reference must be written as <node>.<output>", expr.Range())
	}
	return splitReference(val.AsString())
}

func splitTraversal(trav hcl.Traversal) (string, string, error) {
	if len(trav) != 2 {
		return "", "", fmt.Errorf("%s: reference must be written as <node>.<output>", trav.SourceRange())
	}
	attr, ok := trav[1].(hcl.TraverseAttr)
	if !ok {
		return "", "", fmt.Errorf("%s: reference must be written as <node>.<output>", trav.SourceRange())
	}
	return trav.RootName(), attr.Name, nil
}

func splitReference(s string) (string, string, error) {
	from, output, ok := strings.Cut(s, ".")
	if !ok || from == "" || output == "" {
		return "", "", fmt.Errorf("invalid reference %q: must be written as <node>.<output>", s)
	}
	return from, output, nil
}

// findGraphFiles expands paths into a list of definition files. Missing paths
// are skipped.
func findGraphFiles(paths []string) ([]string, error) {
	var files []string
	seen := make(map[string]struct{})
	add := func(p string) {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			files = append(files, p)
		}
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("error accessing path %s: %w", path, err)
		}
		if !info.IsDir() {
			add(path)
			continue
		}
		found, err := fsutil.FindFiles(path, ".hcl", ".json")
		if err != nil {
			return nil, err
		}
		for _, f := range found {
			add(f)
		}
	}
	return files, nil
}
