package workflow

// Pipeline is a named, registered recipe that produces the fixed step list
// for a workflow at creation time. The builder runs exactly once per
// workflow; the steps it returns are never mutated afterwards.
type Pipeline struct {
	Name string
	// Steps builds the ordered step list for the given context. Builders
	// typically close over collaborator clients and device templates.
	Steps func(c *Context) ([]Step, error)
}
