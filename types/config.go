package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SendMessageConfig configures a send_message step.
type SendMessageConfig struct {
	Channel string `json:"channel" jsonschema:"required,enum=sms,enum=email,enum=voice"`
	To      string `json:"to,omitempty"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body" jsonschema:"required,minLength=1"`
}

// Contact mutation operations.
const (
	MutateAddTag         = "add_tag"
	MutateRemoveTag      = "remove_tag"
	MutateSetField       = "set_field"
	MutateSetCustomField = "set_custom_field"
)

// MutateContactConfig configures a mutate_contact step.
type MutateContactConfig struct {
	Operation string      `json:"operation" jsonschema:"required,enum=add_tag,enum=remove_tag,enum=set_field,enum=set_custom_field"`
	Tag       string      `json:"tag,omitempty"`
	Field     string      `json:"field,omitempty"`
	Value     interface{} `json:"value,omitempty"`
}

// HTTPCallConfig configures an http_call step.
type HTTPCallConfig struct {
	URL            string            `json:"url" jsonschema:"required,minLength=1"`
	Method         string            `json:"method,omitempty" jsonschema:"enum=GET,enum=POST,enum=PUT,enum=PATCH,enum=DELETE"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           string            `json:"body,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty" jsonschema:"minimum=1,maximum=120"`
}

// WaitConfig configures a wait step.
type WaitConfig struct {
	Duration string `json:"duration" jsonschema:"required,minLength=1"`
}

// ConditionConfig configures a condition step.
type ConditionConfig struct {
	Predicate *Predicate `json:"predicate" jsonschema:"required"`
}

// SplitConfig configures a split step. Weight keys are branch names.
type SplitConfig struct {
	Weights map[string]int `json:"weights" jsonschema:"required"`
}

// GoalConfig configures a goal step.
type GoalConfig struct {
	Predicate *Predicate `json:"predicate" jsonschema:"required"`
	Timeout   string     `json:"timeout" jsonschema:"required,minLength=1"`
}

// TerminalConfig configures a terminal step.
type TerminalConfig struct{}

// ConfigFor returns a zero config value for the step type, used for decoding
// and schema reflection.
func ConfigFor(t StepType) (interface{}, bool) {
	switch t {
	case StepSendMessage:
		return &SendMessageConfig{}, true
	case StepMutateContact:
		return &MutateContactConfig{}, true
	case StepHTTPCall:
		return &HTTPCallConfig{}, true
	case StepWait:
		return &WaitConfig{}, true
	case StepCondition:
		return &ConditionConfig{}, true
	case StepSplit:
		return &SplitConfig{}, true
	case StepGoal:
		return &GoalConfig{}, true
	case StepTerminal:
		return &TerminalConfig{}, true
	}
	return nil, false
}

// DecodeConfig converts a raw step config map into its typed form.
func DecodeConfig[T any](raw map[string]interface{}) (T, error) {
	var result T
	if raw == nil {
		return result, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return result, err
	}
	err = json.Unmarshal(data, &result)
	return result, err
}

// ParseDuration extends time.ParseDuration with a "d" (24h) unit, e.g. "2d" or "1d12h".
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	var days time.Duration
	if i := strings.Index(s, "d"); i > 0 {
		n, err := strconv.Atoi(s[:i])
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		days = time.Duration(n) * 24 * time.Hour
		s = s[i+1:]
		if s == "" {
			return days, nil
		}
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return days + d, nil
}
