package definition

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jeremylerwick-max/omni-channel-crm/rules"
	"github.com/jeremylerwick-max/omni-channel-crm/types"
)

var ErrInvalidDefinition = errors.New("invalid workflow definition")

// ValidationErrors lists every structural problem found in a definition.
type ValidationErrors []error

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, err := range v {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("%s: %s", ErrInvalidDefinition, strings.Join(msgs, "; "))
}

func (v ValidationErrors) Unwrap() []error { return v }

func (v ValidationErrors) Is(target error) bool { return target == ErrInvalidDefinition }

// Validate checks the definition graph and step configs.
func Validate(def types.WorkflowDefinition) error {
	var errs ValidationErrors
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(def.Name) == "" {
		add("name is required")
	}
	if !knownTrigger(def.Trigger.Type) {
		add("unknown trigger type %q", def.Trigger.Type)
	}
	if err := rules.ValidatePredicate(def.Trigger.Filter); err != nil {
		add("trigger filter: %v", err)
	}
	if len(def.Steps) == 0 {
		add("definition has no steps")
		return errs
	}

	index := make(map[string]types.Step, len(def.Steps))
	for i, step := range def.Steps {
		if step.ID == "" {
			add("step #%d has no id", i)
			continue
		}
		if _, dup := index[step.ID]; dup {
			add("duplicate step id %q", step.ID)
			continue
		}
		index[step.ID] = step
	}

	entry := def.Entry()
	if _, ok := index[entry]; !ok {
		add("start step %q does not exist", entry)
	}

	hasTerminal := false
	for _, step := range def.Steps {
		if step.ID == "" {
			continue
		}
		if !step.Type.Valid() {
			add("step %s: unknown type %q", step.ID, step.Type)
			continue
		}
		if step.Type == types.StepTerminal {
			hasTerminal = true
		}
		for _, err := range checkStep(step) {
			add("step %s: %v", step.ID, err)
		}
		for _, target := range step.Successors() {
			if _, ok := index[target]; !ok {
				add("step %s: successor %q does not exist", step.ID, target)
			}
		}
	}
	if !hasTerminal {
		add("definition has no terminal step")
	}

	if _, ok := index[entry]; ok {
		reached := reachable(entry, index)
		for _, step := range def.Steps {
			if step.ID != "" && !reached[step.ID] {
				add("step %s is not reachable from the trigger", step.ID)
			}
		}
	}

	for _, component := range cycles(def.Steps, index) {
		if !hasExit(component, index) {
			add("cycle through %s has no exit condition", strings.Join(component, " -> "))
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func knownTrigger(kind string) bool {
	for _, t := range types.TriggerTypes {
		if t == kind {
			return true
		}
	}
	return false
}

// checkStep validates the config and successor shape of one step.
func checkStep(step types.Step) []error {
	var errs []error
	if err := validateConfig(step); err != nil {
		errs = append(errs, fmt.Errorf("config: %v", err))
		return errs
	}

	switch step.Type {
	case types.StepTerminal:
		if step.Next != "" || len(step.Branches) > 0 {
			errs = append(errs, errors.New("terminal step cannot have successors"))
		}
		return errs
	case types.StepWait:
		cfg, err := types.DecodeConfig[types.WaitConfig](step.Config)
		if err == nil {
			err = positiveDuration(cfg.Duration)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("duration: %v", err))
		}
	case types.StepCondition:
		cfg, err := types.DecodeConfig[types.ConditionConfig](step.Config)
		if err == nil {
			err = rules.ValidatePredicate(cfg.Predicate)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("predicate: %v", err))
		}
		errs = append(errs, requireBranches(step, types.BranchTrue, types.BranchFalse)...)
	case types.StepGoal:
		cfg, err := types.DecodeConfig[types.GoalConfig](step.Config)
		if err == nil {
			if err = rules.ValidatePredicate(cfg.Predicate); err != nil {
				errs = append(errs, fmt.Errorf("predicate: %v", err))
			}
			if err = positiveDuration(cfg.Timeout); err != nil {
				errs = append(errs, fmt.Errorf("timeout: %v", err))
			}
		}
		errs = append(errs, requireBranches(step, types.BranchSuccess, types.BranchTimeout)...)
	case types.StepSplit:
		cfg, err := types.DecodeConfig[types.SplitConfig](step.Config)
		if err != nil {
			errs = append(errs, err)
			break
		}
		if len(cfg.Weights) < 2 {
			errs = append(errs, errors.New("split needs at least two weighted branches"))
		}
		names := make([]string, 0, len(cfg.Weights))
		for name, w := range cfg.Weights {
			if w <= 0 {
				errs = append(errs, fmt.Errorf("split weight for %q must be positive", name))
			}
			names = append(names, name)
		}
		errs = append(errs, requireBranches(step, names...)...)
	case types.StepMutateContact:
		cfg, err := types.DecodeConfig[types.MutateContactConfig](step.Config)
		if err == nil {
			switch cfg.Operation {
			case types.MutateAddTag, types.MutateRemoveTag:
				if cfg.Tag == "" {
					errs = append(errs, fmt.Errorf("%s needs a tag", cfg.Operation))
				}
			case types.MutateSetField, types.MutateSetCustomField:
				if cfg.Field == "" {
					errs = append(errs, fmt.Errorf("%s needs a field", cfg.Operation))
				}
			}
		}
	}

	if !step.Type.Branching() {
		if step.Next == "" {
			errs = append(errs, errors.New("step has no successor"))
		}
		if len(step.Branches) > 0 {
			errs = append(errs, fmt.Errorf("%s step cannot have branches", step.Type))
		}
	}
	return errs
}

func positiveDuration(s string) error {
	d, err := types.ParseDuration(s)
	if err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("%q must be positive", s)
	}
	return nil
}

// requireBranches checks that a branching step names exactly the given outcomes.
func requireBranches(step types.Step, names ...string) []error {
	var errs []error
	if step.Next != "" {
		errs = append(errs, errors.New("branching step uses branches, not next"))
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
		if step.Branches[n] == "" {
			errs = append(errs, fmt.Errorf("missing branch %q", n))
		}
	}
	extra := make([]string, 0)
	for n := range step.Branches {
		if !want[n] {
			extra = append(extra, n)
		}
	}
	sort.Strings(extra)
	for _, n := range extra {
		errs = append(errs, fmt.Errorf("unexpected branch %q", n))
	}
	return errs
}

func reachable(entry string, index map[string]types.Step) map[string]bool {
	seen := map[string]bool{entry: true}
	queue := []string{entry}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range index[id].Successors() {
			if _, ok := index[next]; ok && !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}

// cycles returns the strongly connected components that contain a loop,
// using Tarjan's algorithm. Step order follows the definition.
func cycles(steps []types.Step, index map[string]types.Step) [][]string {
	var (
		counter  int
		stack    []string
		onStack  = map[string]bool{}
		indices  = map[string]int{}
		lowlinks = map[string]int{}
		out      [][]string
	)

	var strongConnect func(id string)
	strongConnect = func(id string) {
		indices[id] = counter
		lowlinks[id] = counter
		counter++
		stack = append(stack, id)
		onStack[id] = true

		for _, next := range index[id].Successors() {
			if _, ok := index[next]; !ok {
				continue
			}
			if _, visited := indices[next]; !visited {
				strongConnect(next)
				lowlinks[id] = min(lowlinks[id], lowlinks[next])
			} else if onStack[next] {
				lowlinks[id] = min(lowlinks[id], indices[next])
			}
		}

		if lowlinks[id] != indices[id] {
			return
		}
		var component []string
		for {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[top] = false
			component = append(component, top)
			if top == id {
				break
			}
		}
		if len(component) > 1 || selfLoop(index[id]) {
			sort.Strings(component)
			out = append(out, component)
		}
	}

	for _, step := range steps {
		if _, visited := indices[step.ID]; step.ID != "" && !visited {
			strongConnect(step.ID)
		}
	}
	return out
}

func selfLoop(step types.Step) bool {
	for _, next := range step.Successors() {
		if next == step.ID {
			return true
		}
	}
	return false
}

// hasExit reports whether a loop contains a condition or goal step with a
// branch leaving the loop.
func hasExit(component []string, index map[string]types.Step) bool {
	inside := make(map[string]bool, len(component))
	for _, id := range component {
		inside[id] = true
	}
	for _, id := range component {
		step := index[id]
		if step.Type != types.StepCondition && step.Type != types.StepGoal {
			continue
		}
		for _, target := range step.Branches {
			if !inside[target] {
				return true
			}
		}
	}
	return false
}

// ValidateTokens is the optional strict check that every placeholder and
// condition field in step configs refers to something that can exist at run time.
func ValidateTokens(def types.WorkflowDefinition) error {
	var errs ValidationErrors
	ids := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		ids[s.ID] = true
	}
	for _, step := range def.Steps {
		for _, path := range configPaths(step) {
			if err := checkPath(path, ids); err != nil {
				errs = append(errs, fmt.Errorf("step %s: %v", step.ID, err))
			}
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func configPaths(step types.Step) []string {
	var paths []string
	var walk func(v interface{})
	walk = func(v interface{}) {
		switch val := v.(type) {
		case string:
			paths = append(paths, rules.Tokens(val)...)
		case map[string]interface{}:
			keys := make([]string, 0, len(val))
			for k := range val {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				if k == "field" {
					if field, ok := val[k].(string); ok && field != "" {
						if _, isCondition := val["operator"]; isCondition {
							paths = append(paths, field)
						}
					}
				}
				walk(val[k])
			}
		case []interface{}:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(step.Config)
	return paths
}

func checkPath(path string, stepIDs map[string]bool) error {
	namespace, rest, _ := strings.Cut(path, ".")
	switch namespace {
	case "contact":
		head, tail, nested := strings.Cut(rest, ".")
		if head == "custom" || head == "custom_fields" {
			if !nested || tail == "" {
				return fmt.Errorf("token %q names no custom field", path)
			}
			return nil
		}
		for _, f := range types.ContactFields {
			if rest == f {
				return nil
			}
		}
		return fmt.Errorf("token %q names an unknown contact field", path)
	case "steps":
		id, key, ok := strings.Cut(rest, ".")
		if !ok || key == "" {
			return fmt.Errorf("token %q names no step output", path)
		}
		if !stepIDs[id] {
			return fmt.Errorf("token %q refers to unknown step %q", path, id)
		}
		return nil
	case "event":
		if rest == "" {
			return fmt.Errorf("token %q names no event attribute", path)
		}
		return nil
	}
	return fmt.Errorf("token %q uses an unknown namespace", path)
}
