package agent

// Spec describes one configured agent command.
type Spec struct {
	Type    string
	Name    string
	Command string
	Args    []string
	Enabled bool
}

// Config is the agent configuration surface consumed by the supervisor.
type Config struct {
	DefaultAgent string
	Agents       []Spec
}

// Find returns the spec for an agent type.
func (c Config) Find(agentType string) (Spec, bool) {
	for _, a := range c.Agents {
		if a.Type == agentType {
			return a, true
		}
	}
	return Spec{}, false
}

// ConfigProvider supplies the current agent configuration.
type ConfigProvider interface {
	Config() (Config, error)
}

// StaticConfig is a ConfigProvider over a fixed Config.
type StaticConfig struct {
	Cfg Config
}

func (s StaticConfig) Config() (Config, error) { return s.Cfg, nil }

// stdinPromptAgents take their full prompt on stdin, which is then closed.
// All other agents keep stdin open for SendMessage.
var stdinPromptAgents = map[string]bool{
	"claude-code": true,
	"amp":         true,
}
