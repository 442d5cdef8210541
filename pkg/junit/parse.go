package junit

import (
	"encoding/xml"
	"fmt"
	"io"
	"regexp"

	"github.com/openshift-eng/testpulse/pkg/testpulseapi"
)

const excerptLen = 120

// ArtifactParseError reports malformed XML in a test-results artifact,
// carrying the byte offset the decoder reached and a short excerpt of
// the input around it.
type ArtifactParseError struct {
	Offset  int64
	Excerpt string
	wrapped error
}

func (e *ArtifactParseError) Error() string {
	return fmt.Sprintf("malformed artifact at byte %d (near %q): %v", e.Offset, e.Excerpt, e.wrapped)
}

func (e *ArtifactParseError) Unwrap() error {
	return e.wrapped
}

// Parser streams jUnit XML artifacts into normalized test outcomes.
// Artifacts can run to several MB and ~50k entries, so the parser never
// materializes the document; each <testcase> is decoded and handed to
// the callback before the next one is read.
type Parser struct {
	moduleRe *regexp.Regexp
}

// NewParser builds a parser that derives testcase modules from file
// paths under testRoot: the first path segment below the root is the
// module, anything else yields no module.
func NewParser(testRoot string) *Parser {
	return &Parser{
		moduleRe: regexp.MustCompile(`^` + regexp.QuoteMeta(testRoot) + `/(?P<module>[^/]+)/`),
	}
}

// DeriveModule extracts the module segment from a test file path, or ""
// when the path does not sit under the configured test root.
func (p *Parser) DeriveModule(filePath string) string {
	match := p.moduleRe.FindStringSubmatch(filePath)
	if match == nil {
		return ""
	}
	return match[p.moduleRe.SubexpIndex("module")]
}

// Parse reads one artifact and invokes fn once per test case, in
// document order. It returns the per-status summary of everything that
// was handed to fn. A callback error aborts the parse and is returned
// verbatim; malformed XML aborts with an *ArtifactParseError.
func (p *Parser) Parse(r io.Reader, fn func(testpulseapi.TestOutcome) error) (testpulseapi.Summary, error) {
	var summary testpulseapi.Summary

	tail := &tailReader{delegate: r}
	decoder := xml.NewDecoder(tail)

	for {
		token, err := decoder.Token()
		if err == io.EOF {
			return summary, nil
		}
		if err != nil {
			return summary, &ArtifactParseError{Offset: decoder.InputOffset(), Excerpt: tail.excerpt(), wrapped: err}
		}
		start, ok := token.(xml.StartElement)
		if !ok || start.Name.Local != "testcase" {
			continue
		}
		var testCase TestCase
		if err := decoder.DecodeElement(&testCase, &start); err != nil {
			return summary, &ArtifactParseError{Offset: decoder.InputOffset(), Excerpt: tail.excerpt(), wrapped: err}
		}
		outcome := p.normalize(&testCase)
		summary.Add(outcome.Status)
		if err := fn(outcome); err != nil {
			return summary, err
		}
	}
}

// normalize maps one decoded test case to its outcome. Status mapping:
// <failure> wins over <error>, <error> over <skipped>, no child means
// PASSED.
func (p *Parser) normalize(testCase *TestCase) testpulseapi.TestOutcome {
	outcome := testpulseapi.TestOutcome{
		TestName:       testCase.Name,
		FilePath:       testCase.File,
		TestcaseModule: p.DeriveModule(testCase.File),
	}
	if testCase.Duration != nil {
		outcome.DurationSec = *testCase.Duration
		outcome.HasDuration = true
	}
	switch {
	case testCase.FailureOutput != nil:
		outcome.Status = testpulseapi.StatusFailed
		outcome.Message = testCase.FailureOutput.Message
		outcome.StackTrace = testCase.FailureOutput.Output
	case testCase.ErrorOutput != nil:
		outcome.Status = testpulseapi.StatusError
		outcome.Message = testCase.ErrorOutput.Message
		outcome.StackTrace = testCase.ErrorOutput.Output
	case testCase.SkipMessage != nil:
		outcome.Status = testpulseapi.StatusSkipped
		outcome.Message = testCase.SkipMessage.Message
	default:
		outcome.Status = testpulseapi.StatusPassed
	}
	return outcome
}

// tailReader keeps the most recent bytes read so a parse error can show
// what the decoder choked on.
type tailReader struct {
	delegate io.Reader
	window   []byte
}

func (t *tailReader) Read(p []byte) (int, error) {
	n, err := t.delegate.Read(p)
	if n > 0 {
		t.window = append(t.window, p[:n]...)
		if len(t.window) > excerptLen {
			t.window = t.window[len(t.window)-excerptLen:]
		}
	}
	return n, err
}

func (t *tailReader) excerpt() string {
	return string(t.window)
}
