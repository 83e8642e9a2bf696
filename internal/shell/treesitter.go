package shell

import (
	"strings"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_bash "github.com/tree-sitter/tree-sitter-bash/bindings/go"
)

// rawParse holds unexpanded, still-quoted words per simple command.
type rawParse struct {
	commands  [][]string
	redirects []string
	failed    bool
}

func (p *rawParse) merge(other rawParse) {
	p.commands = append(p.commands, other.commands...)
	have := make(map[string]bool, len(p.redirects))
	for _, r := range p.redirects {
		have[r] = true
	}
	for _, r := range other.redirects {
		if !have[r] {
			p.redirects = append(p.redirects, r)
			have[r] = true
		}
	}
}

var bashLanguage = tree_sitter.NewLanguage(tree_sitter_bash.Language())

// parseTree extracts simple commands with the bash grammar. Nested commands
// (substitutions, subshells, function bodies, pipelines) are included.
func parseTree(src string) rawParse {
	var out rawParse

	parser := tree_sitter.NewParser()
	defer parser.Close()
	if err := parser.SetLanguage(bashLanguage); err != nil {
		out.failed = true
		return out
	}

	source := []byte(src)
	tree := parser.Parse(source, nil)
	if tree == nil {
		out.failed = true
		return out
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		out.failed = true
		return out
	}
	out.failed = root.HasError()
	walk(root, source, &out)
	return out
}

func nodeText(n *tree_sitter.Node, src []byte) string {
	start, end := n.StartByte(), n.EndByte()
	if start >= end || end > uint(len(src)) {
		return ""
	}
	return string(src[start:end])
}

func walk(n *tree_sitter.Node, src []byte, out *rawParse) {
	if n == nil {
		return
	}
	switch n.Kind() {
	case "command":
		var words []string
		for i := uint(0); i < n.ChildCount(); i++ {
			c := n.Child(i)
			if c == nil {
				continue
			}
			switch c.Kind() {
			case "file_redirect", "herestring_redirect", "heredoc_redirect", "comment":
				continue
			}
			if c.IsNamed() {
				if text := nodeText(c, src); text != "" {
					words = append(words, text)
				}
			}
		}
		if len(words) > 0 {
			out.commands = append(out.commands, words)
		}
	case "file_redirect":
		if dest := redirectTarget(n, src); dest != "" {
			out.redirects = append(out.redirects, dest)
		}
		return
	}

	for i := uint(0); i < n.ChildCount(); i++ {
		walk(n.Child(i), src, out)
	}
}

func redirectTarget(n *tree_sitter.Node, src []byte) string {
	if text := nodeText(n, src); strings.Contains(text, ">&") || strings.Contains(text, "<&") {
		if !strings.HasPrefix(text, "&>") {
			return ""
		}
	}
	var dest string
	for i := uint(0); i < n.NamedChildCount(); i++ {
		c := n.NamedChild(i)
		if c == nil || c.Kind() == "file_descriptor" {
			continue
		}
		dest = nodeText(c, src)
	}
	return dest
}
