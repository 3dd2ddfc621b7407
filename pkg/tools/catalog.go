package tools

import (
	"fmt"
	"sort"
	"strings"

	"github.com/atp-project/atp/pkg/registry"
)

// CatalogError wraps catalog failures with component context.
type CatalogError struct {
	Component string
	Action    string
	Message   string
	Err       error
}

func (e *CatalogError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Component, e.Action, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Component, e.Action, e.Message)
}

func NewCatalogError(component, action, message string, err error) *CatalogError {
	return &CatalogError{Component: component, Action: action, Message: message, Err: err}
}

// Group is one tool group, addressed by its slash-delimited path.
type Group struct {
	Path  string
	tools *registry.BaseRegistry[*Tool]
}

func newGroup(path string) *Group {
	return &Group{
		Path:  path,
		tools: registry.NewBaseRegistry[*Tool](),
	}
}

// ClientResident reports whether every tool in the group pauses to the
// caller. Groups registered from a session's tool list behave this way.
func (g *Group) ClientResident() bool {
	tools := g.tools.List()
	if len(tools) == 0 {
		return false
	}
	for _, t := range tools {
		if !t.ClientResident() {
			return false
		}
	}
	return true
}

// Get returns a tool by name.
func (g *Group) Get(name string) (*Tool, bool) {
	return g.tools.Get(name)
}

// Tools returns the group's tools sorted by name.
func (g *Group) Tools() []*Tool {
	tools := g.tools.List()
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// Catalog is the set of registered tool groups.
type Catalog struct {
	groups *registry.BaseRegistry[*Group]
}

func NewCatalog() *Catalog {
	return &Catalog{
		groups: registry.NewBaseRegistry[*Group](),
	}
}

// Register adds a tool under its group, creating the group as needed.
func (c *Catalog) Register(tool *Tool) error {
	if tool.Name == "" {
		return NewCatalogError("Catalog", "Register", "tool name cannot be empty", nil)
	}
	if tool.GroupPath == "" || strings.HasPrefix(tool.GroupPath, "/") {
		return NewCatalogError("Catalog", "Register",
			fmt.Sprintf("invalid group path %q for tool %s", tool.GroupPath, tool.Name), nil)
	}

	group, ok := c.groups.Get(tool.GroupPath)
	if !ok {
		group = newGroup(tool.GroupPath)
		c.groups.Put(tool.GroupPath, group)
	}

	if err := group.tools.Register(tool.Name, tool); err != nil {
		return NewCatalogError("Catalog", "Register",
			fmt.Sprintf("failed to register tool %s in group %s", tool.Name, tool.GroupPath), err)
	}
	return nil
}

// RegisterAll registers a batch of tools, stopping at the first failure.
func (c *Catalog) RegisterAll(tools []*Tool) error {
	for _, t := range tools {
		if err := c.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Group returns a group by its path.
func (c *Catalog) Group(path string) (*Group, bool) {
	return c.groups.Get(path)
}

// Groups returns all groups sorted by path.
func (c *Catalog) Groups() []*Group {
	groups := c.groups.List()
	sort.Slice(groups, func(i, j int) bool { return groups[i].Path < groups[j].Path })
	return groups
}

// GroupPaths returns the sorted group paths.
func (c *Catalog) GroupPaths() []string {
	return c.groups.Names()
}

// Get resolves a tool by group path and name.
func (c *Catalog) Get(groupPath, name string) (*Tool, bool) {
	group, ok := c.groups.Get(groupPath)
	if !ok {
		return nil, false
	}
	return group.Get(name)
}

// All returns every tool across all groups.
func (c *Catalog) All() []*Tool {
	var all []*Tool
	for _, g := range c.Groups() {
		all = append(all, g.Tools()...)
	}
	return all
}

// WithSession returns a catalog view that also contains the given
// session-registered tools. The underlying catalog is shared, not copied.
func (c *Catalog) WithSession(sessionTools []*Tool) (*Catalog, error) {
	if len(sessionTools) == 0 {
		return c, nil
	}
	view := NewCatalog()
	for _, g := range c.Groups() {
		for _, t := range g.Tools() {
			if err := view.Register(t); err != nil {
				return nil, err
			}
		}
	}
	for _, t := range sessionTools {
		if err := view.Register(t); err != nil {
			return nil, err
		}
	}
	return view, nil
}
