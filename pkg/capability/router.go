// Package capability restricts which tool set each agent persona may
// invoke, before policy evaluation ever sees the call.
package capability

import (
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/toolgate-dev/toolgate/internal/errx"
	"github.com/toolgate-dev/toolgate/pkg/api"
)

var knownTools = map[string]bool{
	api.ToolFetch:     true,
	api.ToolShell:     true,
	api.ToolWriteFile: true,
	api.ToolPatchFile: true,
	api.ToolReadFile:  true,
}

// Router answers whether an agent may invoke a tool. The loaded set is
// immutable for the session; an unknown agent has no capabilities.
type Router struct {
	agents map[string]map[string]bool
}

type agentsFile struct {
	Agents map[string][]string `yaml:"agents"`
}

// LoadFile reads agent definitions from YAML:
//
//	agents:
//	  sage: [read_file, fetch]
//	  builder: ["*"]
func LoadFile(path string) (*Router, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errx.Wrap(ErrLoadAgents, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Router, error) {
	var f agentsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errx.Wrap(ErrLoadAgents, err)
	}
	if len(f.Agents) == 0 {
		return nil, errx.With(ErrLoadAgents, ": no agents defined")
	}
	return New(f.Agents)
}

// New builds a router from programmatic registrations. "*" grants every
// tool; any other entry must name a known tool.
func New(agents map[string][]string) (*Router, error) {
	r := &Router{agents: make(map[string]map[string]bool, len(agents))}
	for id, tools := range agents {
		allowed := make(map[string]bool, len(tools))
		for _, tool := range tools {
			if tool != "*" && !knownTools[tool] {
				return nil, errx.With(ErrLoadAgents, ": unknown tool %q for agent %q", tool, id)
			}
			allowed[tool] = true
		}
		r.agents[id] = allowed
	}
	return r, nil
}

// Permitted reports whether the agent may invoke the tool.
func (r *Router) Permitted(agentID, tool string) bool {
	allowed, ok := r.agents[agentID]
	if !ok {
		return false
	}
	return allowed["*"] || allowed[tool]
}

// Tools returns the agent's allowed tool names, sorted. A wildcard grant
// expands to every known tool.
func (r *Router) Tools(agentID string) []string {
	allowed, ok := r.agents[agentID]
	if !ok {
		return nil
	}

	var tools []string
	if allowed["*"] {
		for tool := range knownTools {
			tools = append(tools, tool)
		}
	} else {
		for tool := range allowed {
			tools = append(tools, tool)
		}
	}
	sort.Strings(tools)
	return tools
}
