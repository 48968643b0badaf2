package worker

import (
	"regexp"

	"javelin/pkg/protocol"
)

// declPattern matches top-level-ish Java type declarations. A real parser is
// not the point here; the index needs declaration names, not semantics.
var declPattern = regexp.MustCompile(`\b(?:class|interface|enum|record)\s+([A-Za-z_$][A-Za-z0-9_$]*)`)

// checkBalance scans a source file for unmatched braces and parentheses and
// reports each as a diagnostic. Positions are 1-based. Like the symbol
// extractor it ignores comments and strings; close enough for a smoke check.
func checkBalance(text string) []protocol.Diagnostic {
	type opener struct {
		ch   byte
		line uint32
		col  uint32
	}
	var stack []opener
	var diags []protocol.Diagnostic
	line, col := uint32(1), uint32(0)

	for i := 0; i < len(text); i++ {
		c := text[i]
		if c == '\n' {
			line++
			col = 0
			continue
		}
		col++
		switch c {
		case '{', '(':
			stack = append(stack, opener{ch: c, line: line, col: col})
		case '}', ')':
			want := byte('{')
			if c == ')' {
				want = '('
			}
			if len(stack) > 0 && stack[len(stack)-1].ch == want {
				stack = stack[:len(stack)-1]
				continue
			}
			diags = append(diags, protocol.Diagnostic{
				Severity: protocol.SeverityError,
				Line:     line,
				Column:   col,
				Message:  "unmatched " + string(c),
			})
		}
	}
	for _, open := range stack {
		diags = append(diags, protocol.Diagnostic{
			Severity: protocol.SeverityError,
			Line:     open.line,
			Column:   open.col,
			Message:  "unclosed " + string(open.ch),
		})
	}
	return diags
}

// extractSymbols pulls type declarations out of one Java source file.
// Declarations inside comments or strings are matched too; the index
// tolerates that noise the same way a trigram index would.
func extractSymbols(path, text string) []protocol.Symbol {
	matches := declPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	symbols := make([]protocol.Symbol, 0, len(matches))
	seen := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		name := m[1]
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		symbols = append(symbols, protocol.Symbol{Name: name, Path: path})
	}
	return symbols
}
