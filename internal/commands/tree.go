package commands

import (
	"sort"
	"strings"
	"unicode"

	kit "automemer/internal/transport"
)

type cmdNode struct {
	name     string
	cmd      *Command
	children map[string]*cmdNode
}

func newRoot() *cmdNode {
	return &cmdNode{children: map[string]*cmdNode{}}
}

func splitRoute(route string) []string {
	return strings.Fields(strings.ToLower(route))
}

func (n *cmdNode) add(route []string, c Command) *cmdNode {
	cur := n
	for _, tok := range route {
		next, ok := cur.children[tok]
		if !ok {
			next = &cmdNode{name: tok, children: map[string]*cmdNode{}}
			cur.children[tok] = next
		}
		cur = next
	}
	cur.cmd = &c
	return cur
}

func (n *cmdNode) child(name string) (*cmdNode, bool) {
	c, ok := n.children[name]
	return c, ok
}

func (n *cmdNode) childNames() []string {
	out := make([]string, 0, len(n.children))
	for k := range n.children {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ownerOnly reports whether every command under n is owner-only.
func (n *cmdNode) ownerOnly() bool {
	if n.cmd != nil && n.cmd.Access != AccessOwnerOnly {
		return false
	}
	for _, c := range n.children {
		if !c.ownerOnly() {
			return false
		}
	}
	return n.cmd != nil || len(n.children) > 0
}

// description is the command's own description, or a list of its
// subcommands for a group node.
func (n *cmdNode) description() string {
	if n.cmd != nil && strings.TrimSpace(n.cmd.Description) != "" {
		return strings.TrimSpace(n.cmd.Description)
	}
	if len(n.children) > 0 {
		return strings.Join(n.childNames(), ", ")
	}
	return ""
}

// menuName converts a route or alias into a Telegram command name
// ([a-z0-9_]{1,32}).
func menuName(s string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			underscore = false
		case r == '_' || r == '-' || r == '/' || unicode.IsSpace(r):
			if b.Len() > 0 && !underscore {
				b.WriteByte('_')
				underscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	return out
}

// buildMenu lists top-level commands first, then multi-token routes as
// underscore shortcuts ("interval_post").
func buildMenu(root *cmdNode, cmds []Command) []kit.BotCommand {
	seen := map[string]bool{}
	var out []kit.BotCommand
	add := func(name, desc string, locked bool) {
		name = menuName(name)
		if name == "" || seen[name] || len(out) >= 100 {
			return
		}
		seen[name] = true
		desc = strings.ReplaceAll(strings.TrimSpace(desc), "\n", " ")
		if desc == "" {
			desc = name
		}
		if locked {
			desc = "(owner) " + desc
		}
		if len(desc) > 256 {
			desc = desc[:256]
		}
		out = append(out, kit.BotCommand{Command: name, Description: desc})
	}

	for _, name := range root.childNames() {
		n, _ := root.child(name)
		add(name, n.description(), n.ownerOnly())
	}
	var multi []Command
	for _, c := range cmds {
		if len(splitRoute(c.Route)) > 1 {
			multi = append(multi, c)
		}
	}
	sort.Slice(multi, func(i, j int) bool { return multi[i].Route < multi[j].Route })
	for _, c := range multi {
		add(c.Route, c.Description, c.Access == AccessOwnerOnly)
	}
	return out
}
