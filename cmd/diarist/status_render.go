package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// severity mirrors daemonctl.StatusLine.Severity.
type severity string

const (
	severityInfo  severity = "info"
	severityOK    severity = "ok"
	severityWarn  severity = "warn"
	severityError severity = "error"
)

const ansiReset = "\x1b[0m"

type severityStyle struct {
	tag   string
	color string
}

var severityStyles = map[severity]severityStyle{
	severityInfo:  {tag: "INFO", color: "\x1b[34m"},
	severityOK:    {tag: "OK", color: "\x1b[32m"},
	severityWarn:  {tag: "WARN", color: "\x1b[33m"},
	severityError: {tag: "ERROR", color: "\x1b[31m"},
}

const statusLabelWidth = 20

// parseSeverity maps unknown values to info.
func parseSeverity(value string) severity {
	s := severity(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := severityStyles[s]; ok {
		return s
	}
	return severityInfo
}

type statusPrinter struct {
	out      io.Writer
	colorize bool
}

func newStatusPrinter(out io.Writer) *statusPrinter {
	return &statusPrinter{out: out, colorize: shouldColorize(out)}
}

func (p *statusPrinter) paint(sev severity, text string) string {
	if !p.colorize {
		return text
	}
	return severityStyles[sev].color + text + ansiReset
}

func (p *statusPrinter) section(title string) {
	heading := fmt.Sprintf("== %s ==", strings.TrimSpace(title))
	fmt.Fprintln(p.out, p.paint(severityInfo, heading))
	fmt.Fprintln(p.out, p.paint(severityInfo, strings.Repeat("-", len(heading))))
}

func (p *statusPrinter) line(label string, sev severity, detail string) {
	tag := "[" + severityStyles[sev].tag + "]"
	if detail != "" {
		tag += " " + detail
	}
	fmt.Fprintln(p.out, p.paint(sev, fmt.Sprintf("  %-*s %s", statusLabelWidth, label+":", tag)))
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
