package commands

import (
	"html"
	"sort"
	"strings"
)

// helpText renders help in Telegram HTML: the command list for an empty
// path, otherwise the description and usage of one command or group.
func (m *Manager) helpText(path []string) string {
	m.mu.RLock()
	root, alias := m.root, m.alias
	m.mu.RUnlock()

	if len(path) == 0 {
		return helpTop(root)
	}

	cur := root
	full := make([]string, 0, len(path))
	for i, p := range path {
		p = strings.ToLower(strings.TrimPrefix(p, "/"))
		n, ok := cur.child(p)
		if !ok {
			if leaf, ok := alias[p]; ok && i == 0 && leaf.cmd != nil {
				cur = leaf
				full = splitRoute(leaf.cmd.Route)
				break
			}
			return "Unknown command. Type <code>/help</code> for the list."
		}
		cur = n
		full = append(full, p)
	}
	return helpNode(cur, full)
}

func helpTop(root *cmdNode) string {
	type row struct {
		name, desc string
		locked     bool
	}
	var rows []row
	for _, name := range root.childNames() {
		n, _ := root.child(name)
		rows = append(rows, row{name: name, desc: n.description(), locked: n.ownerOnly()})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].locked != rows[j].locked {
			return !rows[i].locked
		}
		return rows[i].name < rows[j].name
	})

	lines := []string{"<b>Commands</b>", ""}
	for _, r := range rows {
		line := "<code>/" + html.EscapeString(r.name) + "</code>"
		if r.desc != "" {
			line += " - " + html.EscapeString(r.desc)
		}
		if r.locked {
			line += " <i>(owner)</i>"
		}
		lines = append(lines, line)
	}
	lines = append(lines, "", "<code>/help &lt;command&gt;</code> for details.")
	return strings.Join(lines, "\n")
}

func helpNode(n *cmdNode, full []string) string {
	lines := []string{"<b>/" + html.EscapeString(strings.Join(full, " ")) + "</b>"}
	if c := n.cmd; c != nil {
		if d := strings.TrimSpace(c.Description); d != "" {
			lines = append(lines, html.EscapeString(d))
		}
		if u := strings.TrimSpace(c.Usage); u != "" {
			lines = append(lines, "usage: <code>"+html.EscapeString(u)+"</code>")
		}
		if len(c.Aliases) > 0 {
			lines = append(lines, "aliases: "+html.EscapeString("/"+strings.Join(c.Aliases, ", /")))
		}
		if c.Access == AccessOwnerOnly {
			lines = append(lines, "<i>owner only</i>")
		}
	}
	if len(n.children) > 0 {
		lines = append(lines, "", "<b>Subcommands</b>")
		for _, name := range n.childNames() {
			ch, _ := n.child(name)
			line := "<code>/" + html.EscapeString(strings.Join(append(full[:len(full):len(full)], name), " ")) + "</code>"
			if d := ch.description(); d != "" {
				line += " - " + html.EscapeString(d)
			}
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
