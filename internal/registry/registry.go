// Package registry is the static description of the tools an instance can
// have provisioned. The set is closed: adding a tool means adding a provider
// client and an entry here.
package registry

// Tool ids.
const (
	ToolOpenRouter = "openrouter"
	ToolAgentMail  = "agentmail"
	ToolTwilio     = "twilio"
)

type Tool struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Mode    string   `json:"mode"`
	EnvKeys []string `json:"envKeys"`
}

var tools = []Tool{
	{
		ID:      ToolOpenRouter,
		Name:    "OpenRouter API key",
		Mode:    "managed",
		EnvKeys: []string{"OPENROUTER_API_KEY"},
	},
	{
		ID:      ToolAgentMail,
		Name:    "AgentMail inbox",
		Mode:    "managed",
		EnvKeys: []string{"AGENTMAIL_INBOX_ID"},
	},
	{
		ID:      ToolTwilio,
		Name:    "Twilio phone number",
		Mode:    "managed",
		EnvKeys: []string{"TWILIO_PHONE_NUMBER"},
	},
}

// List returns every known tool in stable order.
func List() []Tool {
	out := make([]Tool, len(tools))
	copy(out, tools)
	return out
}

// Get returns the tool with the given id.
func Get(id string) (Tool, bool) {
	for _, t := range tools {
		if t.ID == id {
			return t, true
		}
	}
	return Tool{}, false
}

// IsKnown reports whether id names a registered tool.
func IsKnown(id string) bool {
	_, ok := Get(id)
	return ok
}
