package tools

import (
	"errors"
	"sort"
	"strings"
	"unicode"
)

// ErrNotFound is returned for paths that do not exist in the virtual tree.
var ErrNotFound = errors.New("path not found")

// EntryType distinguishes directory entries.
type EntryType string

const (
	EntryDirectory EntryType = "directory"
	EntryFunction  EntryType = "function"
)

// Entry is one item in a directory listing.
type Entry struct {
	Name string    `json:"name"`
	Type EntryType `json:"type"`
}

// Listing is the result of exploring a path: either a directory with its
// items, or a function with its descriptor and rendered definition.
type Listing struct {
	Path       string      `json:"path"`
	Directory  bool        `json:"directory"`
	Items      []Entry     `json:"items,omitempty"`
	Function   *Descriptor `json:"function,omitempty"`
	Definition string      `json:"definition,omitempty"`
}

// rootKinds are always present at the top of the virtual tree.
var rootKinds = []string{"custom", "mcp", "openapi"}

type treeNode struct {
	name     string
	children map[string]*treeNode
	tool     *Tool
}

func newTreeNode(name string) *treeNode {
	return &treeNode{name: name, children: make(map[string]*treeNode)}
}

func (n *treeNode) child(name string) *treeNode {
	c, ok := n.children[name]
	if !ok {
		c = newTreeNode(name)
		n.children[name] = c
	}
	return c
}

// Explore resolves a path in the virtual tool tree:
//
//	/ -> {custom, mcp, openapi} -> <group> -> [<segment>/]... -> <function>
func (c *Catalog) Explore(path string) (*Listing, error) {
	root := c.buildTree()

	cleaned := strings.Trim(strings.TrimSpace(path), "/")
	node := root
	if cleaned != "" {
		for _, seg := range strings.Split(cleaned, "/") {
			next, ok := node.children[seg]
			if !ok {
				return nil, ErrNotFound
			}
			node = next
		}
	}

	display := "/" + cleaned
	if node.tool != nil {
		return &Listing{
			Path:       display,
			Function:   &node.tool.Descriptor,
			Definition: RenderTool(node.tool),
		}, nil
	}

	listing := &Listing{Path: display, Directory: true}
	var dirs, fns []Entry
	for name, child := range node.children {
		if child.tool != nil {
			fns = append(fns, Entry{Name: name, Type: EntryFunction})
		} else {
			dirs = append(dirs, Entry{Name: name, Type: EntryDirectory})
		}
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].Name < dirs[j].Name })
	sort.Slice(fns, func(i, j int) bool { return fns[i].Name < fns[j].Name })
	listing.Items = append(dirs, fns...)
	return listing, nil
}

func (c *Catalog) buildTree() *treeNode {
	root := newTreeNode("")
	for _, kind := range rootKinds {
		root.child(kind)
	}

	for _, g := range c.Groups() {
		node := root
		for _, seg := range strings.Split(g.Path, "/") {
			node = node.child(seg)
		}
		for _, t := range g.Tools() {
			leaf := node
			segs := functionSegments(t.Name)
			for _, seg := range segs[:len(segs)-1] {
				leaf = leaf.child(seg)
			}
			leaf.child(segs[len(segs)-1]).tool = t
		}
	}
	return root
}

var verbPrefixes = map[string]bool{
	"get": true, "list": true, "create": true, "update": true,
	"delete": true, "post": true, "put": true, "patch": true,
}

// functionSegments derives directory segments for REST-style names by
// splitting at verb prefixes or at _/- separators. The final segment is the
// function leaf.
func functionSegments(name string) []string {
	if strings.ContainsAny(name, "_-") {
		parts := strings.FieldsFunc(name, func(r rune) bool { return r == '_' || r == '-' })
		for i, p := range parts {
			if verbPrefixes[strings.ToLower(p)] {
				if i == 0 {
					return []string{name}
				}
				return append(parts[:i:i], strings.Join(parts[i:], "_"))
			}
		}
		if len(parts) > 1 {
			return parts
		}
		return []string{name}
	}

	toks, offsets := camelTokens(name)
	for i, t := range toks {
		if verbPrefixes[strings.ToLower(t)] {
			if i == 0 {
				return []string{name}
			}
			return []string{strings.ToLower(name[:offsets[i]]), name[offsets[i]:]}
		}
	}
	return []string{name}
}

// camelTokens splits camelCase into tokens and records each token's byte
// offset in the original string.
func camelTokens(s string) ([]string, []int) {
	var toks []string
	var offsets []int
	start := 0
	for i := 1; i < len(s); i++ {
		if unicode.IsUpper(rune(s[i])) && !unicode.IsUpper(rune(s[i-1])) {
			toks = append(toks, s[start:i])
			offsets = append(offsets, start)
			start = i
		}
	}
	toks = append(toks, s[start:])
	offsets = append(offsets, start)
	return toks, offsets
}
