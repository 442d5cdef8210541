package junit

import "encoding/xml"

// TestSuites holds the top-level <testsuites> element of a jUnit report.
// Only used by callers that can afford a full unmarshal of a small
// document; the ingestion path streams with Parser instead.
type TestSuites struct {
	XMLName xml.Name     `xml:"testsuites"`
	Suites  []*TestSuite `xml:"testsuite"`
}

// TestSuite is one <testsuite> element.
type TestSuite struct {
	XMLName   xml.Name     `xml:"testsuite"`
	Name      string       `xml:"name,attr"`
	NumTests  uint         `xml:"tests,attr"`
	NumFailed uint         `xml:"failures,attr"`
	Duration  float64      `xml:"time,attr"`
	TestCases []*TestCase  `xml:"testcase"`
	Children  []*TestSuite `xml:"testsuite"`
}

// TestCase is one <testcase> element. Duration is a pointer so a
// missing time attribute is distinguishable from time="0.0".
type TestCase struct {
	XMLName       xml.Name       `xml:"testcase"`
	Name          string         `xml:"name,attr"`
	ClassName     string         `xml:"classname,attr"`
	File          string         `xml:"file,attr"`
	Duration      *float64       `xml:"time,attr"`
	SkipMessage   *SkipMessage   `xml:"skipped"`
	FailureOutput *FailureOutput `xml:"failure"`
	ErrorOutput   *FailureOutput `xml:"error"`
	SystemOut     string         `xml:"system-out"`
	SystemErr     string         `xml:"system-err"`
}

// SkipMessage holds a <skipped> child.
type SkipMessage struct {
	Message string `xml:"message,attr"`
}

// FailureOutput holds a <failure> or <error> child: the short message
// attribute plus the body, which carries the stack trace.
type FailureOutput struct {
	Message string `xml:"message,attr"`
	Output  string `xml:",chardata"`
}
