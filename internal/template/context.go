package template

// Context carries the per-session bindings available to template server
// definitions. The inbound handshake populates it from the client's
// connection metadata; sessionId is assigned by the inbound server and
// never mutated afterwards.
type Context struct {
	SessionID   string
	Project     map[string]interface{}
	User        map[string]interface{}
	Environment map[string]interface{}
}

// Flatten converts the context into a flat binding map keyed by the dotted
// names placeholders use: "sessionId", "project.<key>", "user.<key>",
// "environment.<key>".
func (c *Context) Flatten() map[string]interface{} {
	vars := make(map[string]interface{})

	if c == nil {
		return vars
	}

	if c.SessionID != "" {
		vars["sessionId"] = c.SessionID
	}
	for k, v := range c.Project {
		vars["project."+k] = v
	}
	for k, v := range c.User {
		vars["user."+k] = v
	}
	for k, v := range c.Environment {
		vars["environment."+k] = v
	}

	return vars
}

// Subset returns the bindings for the given variable names, skipping names
// that have no binding. The caller validates completeness separately.
func Subset(vars map[string]interface{}, names []string) map[string]interface{} {
	result := make(map[string]interface{}, len(names))
	for _, name := range names {
		if v, ok := vars[name]; ok {
			result[name] = v
		}
	}
	return result
}
