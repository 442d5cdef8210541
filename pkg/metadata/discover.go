package metadata

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/openshift-eng/testpulse/pkg/errkind"
	"github.com/openshift-eng/testpulse/pkg/testpulseapi"
)

// FileError is one file the discovery could not process.
type FileError struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Discovery is the outcome of one walk over the metadata repository.
type Discovery struct {
	Tests        []testpulseapi.DiscoveredTest
	FilesScanned int64
	FileErrors   []FileError
}

// Discoverer extracts test metadata from python sources by AST
// inspection. Files are never executed.
type Discoverer struct {
	parser *sitter.Parser
}

// NewDiscoverer builds a python AST discoverer.
func NewDiscoverer() *Discoverer {
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())
	return &Discoverer{parser: parser}
}

// Discover walks every *.py file under baseDir and extracts decorated
// tests. Per-file failures are collected, not fatal; the caller applies
// its abort policy to the totals. Cancellation is honored between
// files.
func (d *Discoverer) Discover(ctx context.Context, baseDir string, staging map[string]bool) (*Discovery, error) {
	discovery := &Discovery{}
	err := filepath.WalkDir(baseDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".py") {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		discovery.FilesScanned++
		relPath, err := filepath.Rel(baseDir, path)
		if err != nil {
			relPath = path
		}
		tests, err := d.discoverFile(ctx, path, relPath, staging)
		if err != nil {
			discovery.FileErrors = append(discovery.FileErrors, FileError{Path: relPath, Reason: err.Error()})
			return nil
		}
		discovery.Tests = append(discovery.Tests, tests...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not walk %s: %w", baseDir, err)
	}
	return discovery, nil
}

func (d *Discoverer) discoverFile(ctx context.Context, path, relPath string, staging map[string]bool) ([]testpulseapi.DiscoveredTest, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, errkind.ForReason(errkind.ReasonTransient).WithError(err).Errorf("could not read %s", relPath)
	}
	tree, err := d.parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, errkind.ForReason(errkind.ReasonSourceDefect).WithError(err).Errorf("could not parse %s", relPath)
	}
	defer tree.Close()

	var tests []testpulseapi.DiscoveredTest
	walkModule(tree.RootNode(), source, fileContext{
		relPath: relPath,
		module:  moduleOfPath(relPath),
		staging: staging,
	}, &tests)
	return tests, nil
}

// fileContext carries per-file constants plus decorator values inherited
// from an enclosing class down to its methods.
type fileContext struct {
	relPath   string
	module    string
	staging   map[string]bool
	className string
	inherited decoratorValues
}

// decoratorValues holds what the two recognized decorators contribute.
type decoratorValues struct {
	topology   string
	testCaseID string
	testrailID string
	priority   string
}

func (v decoratorValues) overlay(base decoratorValues) decoratorValues {
	if v.topology == "" {
		v.topology = base.topology
	}
	if v.testCaseID == "" {
		v.testCaseID = base.testCaseID
	}
	if v.testrailID == "" {
		v.testrailID = base.testrailID
	}
	if v.priority == "" {
		v.priority = base.priority
	}
	return v
}

func walkModule(node *sitter.Node, source []byte, fctx fileContext, tests *[]testpulseapi.DiscoveredTest) {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		switch child.Type() {
		case "decorated_definition":
			values := decoratorsOf(child, source).overlay(fctx.inherited)
			definition := child.ChildByFieldName("definition")
			if definition == nil {
				continue
			}
			collectDefinition(definition, source, fctx, values, tests)
		case "function_definition", "class_definition":
			collectDefinition(child, source, fctx, fctx.inherited, tests)
		}
	}
}

func collectDefinition(definition *sitter.Node, source []byte, fctx fileContext, values decoratorValues, tests *[]testpulseapi.DiscoveredTest) {
	name := fieldContent(definition, "name", source)
	switch definition.Type() {
	case "class_definition":
		if !strings.HasPrefix(name, "Test") {
			return
		}
		body := definition.ChildByFieldName("body")
		if body == nil {
			return
		}
		inner := fctx
		inner.className = name
		inner.inherited = values
		walkModule(body, source, inner, tests)
	case "function_definition":
		if !strings.HasPrefix(name, "test") {
			return
		}
		state := testpulseapi.TestStateProd
		if fctx.staging[name] {
			state = testpulseapi.TestStateStaging
		}
		test := testpulseapi.DiscoveredTest{
			TestcaseName:  name,
			TestClassName: fctx.className,
			Module:        fctx.module,
			Topology:      values.topology,
			TestState:     state,
			TestCaseID:    values.testCaseID,
			TestrailID:    values.testrailID,
			TestPath:      fctx.relPath,
		}
		if values.priority != "" {
			test.Priority = testpulseapi.NormalizePriority(values.priority)
		}
		*tests = append(*tests, test)
	}
}

// decoratorsOf folds every recognized decorator on one decorated
// definition. testbed contributes the topology; testmanagement
// contributes the case ids and priority, with testrail_id derived from
// the numeric case as "C{N}".
func decoratorsOf(decorated *sitter.Node, source []byte) decoratorValues {
	var values decoratorValues
	for i := 0; i < int(decorated.NamedChildCount()); i++ {
		child := decorated.NamedChild(i)
		if child.Type() != "decorator" {
			continue
		}
		call := namedChildOfType(child, "call")
		if call == nil {
			continue
		}
		function := call.ChildByFieldName("function")
		if function == nil {
			continue
		}
		// Both plain and attribute-qualified decorator names count.
		callee := nodeContent(function, source)
		if dot := strings.LastIndex(callee, "."); dot >= 0 {
			callee = callee[dot+1:]
		}
		kwargs := keywordArguments(call, source)
		switch callee {
		case "testbed":
			if topology, ok := kwargs["topology"]; ok {
				values.topology = topology
			}
		case "testmanagement":
			if caseID, ok := kwargs["case"]; ok && caseID != "" {
				values.testrailID = "C" + caseID
			}
			if qtest, ok := kwargs["qtest_tc_id"]; ok {
				values.testCaseID = qtest
			}
			if priority, ok := kwargs["priority"]; ok {
				values.priority = priority
			}
		}
	}
	return values
}

func keywordArguments(call *sitter.Node, source []byte) map[string]string {
	kwargs := map[string]string{}
	arguments := call.ChildByFieldName("arguments")
	if arguments == nil {
		return kwargs
	}
	for i := 0; i < int(arguments.NamedChildCount()); i++ {
		argument := arguments.NamedChild(i)
		if argument.Type() != "keyword_argument" {
			continue
		}
		name := fieldContent(argument, "name", source)
		value := argument.ChildByFieldName("value")
		if name == "" || value == nil {
			continue
		}
		kwargs[name] = literalValue(value, source)
	}
	return kwargs
}

// literalValue renders a python literal as its string content. Strings
// lose their quotes; anything else keeps its source text.
func literalValue(node *sitter.Node, source []byte) string {
	content := nodeContent(node, source)
	if node.Type() == "string" {
		return strings.Trim(content, `"'`)
	}
	return content
}

func namedChildOfType(node *sitter.Node, nodeType string) *sitter.Node {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		if child := node.NamedChild(i); child.Type() == nodeType {
			return child
		}
	}
	return nil
}

func fieldContent(node *sitter.Node, field string, source []byte) string {
	child := node.ChildByFieldName(field)
	if child == nil {
		return ""
	}
	return nodeContent(child, source)
}

func nodeContent(node *sitter.Node, source []byte) string {
	return string(source[node.StartByte():node.EndByte()])
}

// moduleOfPath derives the metadata module from the first directory of
// the file's path relative to the discovery base.
func moduleOfPath(relPath string) string {
	parts := strings.Split(filepath.ToSlash(relPath), "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[0]
}
