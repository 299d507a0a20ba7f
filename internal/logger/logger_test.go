package logger

import (
	"bytes"
	"regexp"
	"testing"

	"github.com/stretchr/testify/suite"
)

type LoggerTest struct {
	suite.Suite
}

func TestLoggerSuite(t *testing.T) {
	suite.Run(t, new(LoggerTest))
}

func logAllSeverities() {
	Tracef("trace line")
	Debugf("debug line")
	Infof("info line")
	Warnf("warning line")
	Errorf("error line")
}

func captureAtSeverity(format string, severity Severity) string {
	var buf bytes.Buffer
	Init(Options{Format: format, Severity: severity, Writer: &buf})
	logAllSeverities()
	return buf.String()
}

func (t *LoggerTest) TestTextFormat_LevelInfo() {
	out := captureAtSeverity("text", Info)

	t.NotContains(out, "trace line")
	t.NotContains(out, "debug line")
	t.Contains(out, "info line")
	t.Contains(out, "warning line")
	t.Contains(out, "error line")
}

func (t *LoggerTest) TestTextFormat_LevelTrace() {
	out := captureAtSeverity("text", Trace)

	t.Contains(out, "trace line")
	t.Contains(out, "debug line")
	t.Contains(out, "info line")
}

func (t *LoggerTest) TestOff_SuppressesEverything() {
	out := captureAtSeverity("text", Off)

	t.Empty(out)
}

func (t *LoggerTest) TestJSONFormat_HasSeverityField() {
	out := captureAtSeverity("json", Error)

	t.Regexp(regexp.MustCompile(`"severity":"ERROR"`), out)
}

func (t *LoggerTest) TestComponentPrefix() {
	var buf bytes.Buffer
	Init(Options{Format: "text", Severity: Info, Writer: &buf})
	c := NewComponent("snapshot")
	c.Infof("created %s", "s1")

	t.Contains(buf.String(), "[snapshot] created s1")
}
