// Package execution runs approved action intents through a staged pipeline:
// attempt lock, preflight validation, pure tool mapping, gated tool
// invocation with transient retries, conditional compensation, and a
// terminal outcome record. The pipeline is single-tracked per intent via the
// attempt lock and every external write is deduplicated by idempotency key.
package execution

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/taxonomy"
)

// ToolMapping binds one action type version to a tool. The mapping is pure
// data: no network, no credentials.
type ToolMapping struct {
	ActionType           string
	ActionVersion        string
	ToolName             string
	SchemaVersion        string
	ParamTemplate        map[string]any
	ParamSchema          *jsonschema.Schema
	CompensationStrategy contracts.CompensationStrategy
}

// Registry maps action_type@version to tool mappings. Lookups are exact
// first; otherwise the highest registered version with the same major
// satisfies the request.
type Registry struct {
	entries map[string]ToolMapping
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]ToolMapping)}
}

func registryKey(actionType, version string) string {
	return actionType + "@" + version
}

// Register validates and adds a mapping. Duplicate registrations and
// malformed versions are CONFIG errors.
func (r *Registry) Register(m ToolMapping) error {
	if m.ActionType == "" || m.ToolName == "" {
		return taxonomy.New(taxonomy.CodeConfig, "tool mapping needs action type and tool name")
	}
	if _, err := semver.NewVersion(m.ActionVersion); err != nil {
		return taxonomy.New(taxonomy.CodeConfig,
			"tool mapping %s: bad version %q: %v", m.ActionType, m.ActionVersion, err)
	}
	switch m.CompensationStrategy {
	case contracts.CompensationAutomatic, contracts.CompensationManual, contracts.CompensationDisabled:
	default:
		return taxonomy.New(taxonomy.CodeConfig,
			"tool mapping %s: bad compensation strategy %q", m.ActionType, m.CompensationStrategy)
	}
	key := registryKey(m.ActionType, m.ActionVersion)
	if _, exists := r.entries[key]; exists {
		return taxonomy.New(taxonomy.CodeConfig, "duplicate tool mapping %s", key)
	}
	r.entries[key] = m
	return nil
}

// Resolve returns the mapping for action_type@version. A missing exact match
// falls back to the highest registered version within the requested major.
func (r *Registry) Resolve(actionType, version string) (ToolMapping, error) {
	if m, ok := r.entries[registryKey(actionType, version)]; ok {
		return m, nil
	}
	requested, err := semver.NewVersion(version)
	if err != nil {
		return ToolMapping{}, taxonomy.New(taxonomy.CodeValidation,
			"bad action version %q: %v", version, err)
	}

	var candidates []ToolMapping
	for _, m := range r.entries {
		if m.ActionType != actionType {
			continue
		}
		v := semver.MustParse(m.ActionVersion)
		if v.Major() == requested.Major() {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return ToolMapping{}, taxonomy.New(taxonomy.CodeInvariant,
			"no tool mapping for %s", registryKey(actionType, version))
	}
	sort.Slice(candidates, func(i, j int) bool {
		return semver.MustParse(candidates[i].ActionVersion).LessThan(
			semver.MustParse(candidates[j].ActionVersion))
	})
	return candidates[len(candidates)-1], nil
}

// ValidateParams checks intent parameters against the mapping's schema.
// Mappings without a schema accept anything.
func (m ToolMapping) ValidateParams(params map[string]any) error {
	if m.ParamSchema == nil {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := m.ParamSchema.Validate(normalizeForSchema(params)); err != nil {
		return taxonomy.Wrap(taxonomy.CodeValidation, err,
			"parameters for %s do not match schema %s", m.ActionType, m.SchemaVersion)
	}
	return nil
}

// normalizeForSchema converts Go-typed values into the JSON shapes the
// validator expects.
func normalizeForSchema(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeForSchema(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeForSchema(val)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return v
	}
}

// MustCompileSchema compiles an inline JSON schema document. Intended for
// registry construction; compilation failure is a programming error.
func MustCompileSchema(id, body string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(id, strings.NewReader(body)); err != nil {
		panic(fmt.Sprintf("schema %s: %v", id, err))
	}
	return c.MustCompile(id)
}

// DefaultRegistry returns the built-in action catalog.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	mappings := []ToolMapping{
		{
			ActionType:    "create_crm_task",
			ActionVersion: "1.0.0",
			ToolName:      "crm.tasks.create",
			SchemaVersion: "2024-10-01",
			ParamTemplate: map[string]any{"priority": "normal"},
			ParamSchema: MustCompileSchema("create_crm_task.json", `{
				"type": "object",
				"required": ["subject"],
				"properties": {
					"subject": {"type": "string", "minLength": 1},
					"priority": {"enum": ["low", "normal", "high"]},
					"due_in_days": {"type": "integer", "minimum": 0}
				}
			}`),
			CompensationStrategy: contracts.CompensationAutomatic,
		},
		{
			ActionType:    "send_followup_email",
			ActionVersion: "1.0.0",
			ToolName:      "mailer.send",
			SchemaVersion: "2024-10-01",
			ParamTemplate: map[string]any{"template": "followup_default"},
			ParamSchema: MustCompileSchema("send_followup_email.json", `{
				"type": "object",
				"required": ["recipient"],
				"properties": {
					"recipient": {"type": "string", "minLength": 3},
					"template": {"type": "string"}
				}
			}`),
			CompensationStrategy: contracts.CompensationDisabled,
		},
		{
			ActionType:    "schedule_health_call",
			ActionVersion: "1.0.0",
			ToolName:      "calendar.events.create",
			SchemaVersion: "2024-10-01",
			ParamTemplate: map[string]any{"duration_minutes": 30},
			ParamSchema: MustCompileSchema("schedule_health_call.json", `{
				"type": "object",
				"required": ["attendee"],
				"properties": {
					"attendee": {"type": "string", "minLength": 1},
					"duration_minutes": {"type": "integer", "minimum": 15, "maximum": 120}
				}
			}`),
			CompensationStrategy: contracts.CompensationAutomatic,
		},
	}
	for _, m := range mappings {
		if err := r.Register(m); err != nil {
			panic(err)
		}
	}
	return r
}
