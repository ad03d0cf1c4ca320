package models

// ResponseMode selects how the remote app delivers its result.
type ResponseMode string

const (
	ResponseModeBlocking  ResponseMode = "blocking"
	ResponseModeStreaming ResponseMode = "streaming"
)

// Valid reports whether m is one of the modes the workflow API accepts.
func (m ResponseMode) Valid() bool {
	return m == ResponseModeBlocking || m == ResponseModeStreaming
}

// WorkflowDefinition describes a remote workflow exposed as a single MCP tool.
type WorkflowDefinition struct {
	Name         string                 `mapstructure:"name" json:"name"`                   // Tool name
	Description  string                 `mapstructure:"description" json:"description"`
	APIKey       string                 `mapstructure:"api_key" json:"-"`                   // Overrides the global key
	ResponseMode ResponseMode           `mapstructure:"response_mode" json:"response_mode"` // Overrides the global mode
	OutputField  string                 `mapstructure:"output_field" json:"output_field"`   // Key read from data.outputs
	InputSchema  map[string]interface{} `mapstructure:"input_schema" json:"input_schema,omitempty"`
}
