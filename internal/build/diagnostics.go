package build

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Diagnostic is one problem reported by the compiler.
type Diagnostic struct {
	Title   string `json:"title,omitempty"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Message string `json:"message"`
}

// Location renders file:line:column, leaving out what is unknown.
func (d Diagnostic) Location() string {
	if d.File == "" {
		return ""
	}
	loc := d.File
	if d.Line > 0 {
		loc += ":" + strconv.Itoa(d.Line)
		if d.Column > 0 {
			loc += ":" + strconv.Itoa(d.Column)
		}
	}
	return loc
}

func (d Diagnostic) String() string {
	var b strings.Builder
	if d.Title != "" {
		b.WriteString(d.Title)
		b.WriteString(": ")
	}
	b.WriteString(d.Message)
	if loc := d.Location(); loc != "" {
		fmt.Fprintf(&b, " (%s)", loc)
	}
	return b.String()
}

var (
	// -- TYPE MISMATCH ------------------------------------ src/Main.elm
	elmHeader   = regexp.MustCompile(`^-- ([A-Z][A-Z ]*[A-Z]) -+ (.+)$`)
	elmCodeLine = regexp.MustCompile(`^(\d+)\|`)

	// ✘ [ERROR] Could not resolve "./missing"
	//     src/app.ts:3:19:
	esbuildError    = regexp.MustCompile(`^(?:✘ )?\[ERROR\] (.+)$`)
	esbuildLocation = regexp.MustCompile(`^\s+(.+?):(\d+):(\d+):$`)

	// src/app.ts(3,19): error TS2307: Cannot find module './missing'.
	tscError = regexp.MustCompile(`^(.+?)\((\d+),(\d+)\): error (TS\d+): (.+)$`)

	// file:line:column: message, as go, gcc and most linters print it
	lineColError = regexp.MustCompile(`^(.+?):(\d+):(\d+): (.+)$`)
)

// ParseDiagnostics extracts the problems from combined compiler output.
// Elm reports, esbuild errors, tsc errors and file:line:col lines are
// recognised; anything else is ignored.
func ParseDiagnostics(output string) []Diagnostic {
	lines := strings.Split(strings.ReplaceAll(output, "\r\n", "\n"), "\n")

	var diags []Diagnostic
	for i := 0; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], " \t")

		if m := elmHeader.FindStringSubmatch(line); m != nil {
			d, next := parseElmReport(lines, i+1, m[1], strings.TrimSpace(m[2]))
			diags = append(diags, d)
			i = next - 1
			continue
		}

		if m := esbuildError.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			d := Diagnostic{Title: "ERROR", Message: m[1]}
			for j := i + 1; j < len(lines) && j <= i+3; j++ {
				if loc := esbuildLocation.FindStringSubmatch(lines[j]); loc != nil {
					d.File = loc[1]
					d.Line, _ = strconv.Atoi(loc[2])
					d.Column, _ = strconv.Atoi(loc[3])
					break
				}
			}
			diags = append(diags, d)
			continue
		}

		if m := tscError.FindStringSubmatch(line); m != nil {
			lineNum, _ := strconv.Atoi(m[2])
			col, _ := strconv.Atoi(m[3])
			diags = append(diags, Diagnostic{Title: m[4], File: m[1], Line: lineNum, Column: col, Message: m[5]})
			continue
		}

		if m := lineColError.FindStringSubmatch(line); m != nil {
			lineNum, _ := strconv.Atoi(m[2])
			col, _ := strconv.Atoi(m[3])
			diags = append(diags, Diagnostic{File: m[1], Line: lineNum, Column: col, Message: m[4]})
		}
	}

	return diags
}

// parseElmReport reads the body of one Elm report starting at lines[start]
// and returns the index of the first line after it.
func parseElmReport(lines []string, start int, title, file string) (Diagnostic, int) {
	d := Diagnostic{Title: title, File: file}

	i := start
	for ; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if elmHeader.MatchString(line) {
			break
		}
		if d.Message == "" && line != "" && !elmCodeLine.MatchString(line) {
			d.Message = line
			continue
		}
		if d.Line == 0 {
			if m := elmCodeLine.FindStringSubmatch(line); m != nil {
				d.Line, _ = strconv.Atoi(m[1])
			}
		}
	}

	if d.Message == "" {
		d.Message = strings.ToLower(title)
	}
	return d, i
}
