package repl

import (
	"sort"
	"strings"
)

// Complete returns the state-th candidate that extends text, or false
// once the candidates are exhausted. A text starting with '$' completes
// variable names; anything else completes commands and variables.
//
// Candidates are recomputed on each call, so the sequence reflects the
// variables defined at the time of the query.
func (c *Console) Complete(text string, state int) (string, bool) {
	if state < 0 {
		return "", false
	}
	cands := c.candidates(text)
	if state >= len(cands) {
		return "", false
	}
	return cands[state], true
}

func (c *Console) candidates(text string) []string {
	var out []string
	if strings.HasPrefix(text, "$") {
		prefix := text[1:]
		for _, name := range c.varNames() {
			if strings.HasPrefix(name, prefix) {
				out = append(out, "$"+name)
			}
		}
		return out
	}

	seen := make(map[string]bool)
	for _, name := range c.names {
		if strings.HasPrefix(name, text) {
			out = append(out, name)
			seen[name] = true
		}
	}
	for _, name := range c.varNames() {
		if strings.HasPrefix(name, text) && !seen[name] {
			out = append(out, name)
		}
	}
	return out
}

func (c *Console) varNames() []string {
	c.mu.Lock()
	names := make([]string, 0, len(c.vars))
	for name := range c.vars {
		names = append(names, name)
	}
	c.mu.Unlock()
	sort.Strings(names)
	return names
}
