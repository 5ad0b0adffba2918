package metadata

import (
	"fmt"
	"strings"

	"github.com/fluxion-io/fluxion/condition"
	"github.com/fluxion-io/fluxion/model"
	"github.com/robfig/cron/v3"
)

// Violation points at one problem in a submitted definition. Validation
// collects every violation it finds so the editor can show them together.
type Violation struct {
	FieldPath string `json:"fieldPath"`
	Reason    string `json:"reason"`
}

type InvalidDefinitionError struct {
	Violations []Violation `json:"violations"`
}

func (e *InvalidDefinitionError) Error() string {
	reasons := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		reasons = append(reasons, fmt.Sprintf("%s: %s", v.FieldPath, v.Reason))
	}
	return "invalid definition: " + strings.Join(reasons, "; ")
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

type validator struct {
	def        *model.WorkflowDefinition
	steps      map[string]*model.WorkflowStep
	actions    map[string]bool
	violations []Violation
}

// Validate checks a definition for structural well-formedness: every
// successor target exists, the start step reaches a terminal, the graph has
// no cycle outside bounded retry self-loops, referenced variables are
// declared, and the trigger is syntactically sound. knownActions lists the
// registered invoker names; pass nil to skip that check.
func Validate(def *model.WorkflowDefinition, knownActions []string) []Violation {
	v := &validator{
		def:     def,
		steps:   make(map[string]*model.WorkflowStep),
		actions: make(map[string]bool),
	}
	for _, name := range knownActions {
		v.actions[name] = true
	}
	v.run()
	return v.violations
}

func (v *validator) add(fieldPath string, format string, args ...any) {
	v.violations = append(v.violations, Violation{
		FieldPath: fieldPath,
		Reason:    fmt.Sprintf(format, args...),
	})
}

func (v *validator) run() {
	if v.def.Id == "" {
		v.add("id", "workflow id is required")
	}
	if v.def.TenantId == "" {
		v.add("tenantId", "tenant id is required")
	}
	if len(v.def.Steps) == 0 {
		v.add("steps", "workflow must have at least one step")
		return
	}
	for i := range v.def.Steps {
		step := &v.def.Steps[i]
		if step.Id == "" {
			v.add(fmt.Sprintf("steps[%d].id", i), "step id is required")
			continue
		}
		if _, dup := v.steps[step.Id]; dup {
			v.add(fmt.Sprintf("steps[%d].id", i), "step id %q is duplicate", step.Id)
			continue
		}
		v.steps[step.Id] = step
	}
	if v.def.StartStep == "" {
		v.add("startStep", "start step is required")
	} else if _, ok := v.steps[v.def.StartStep]; !ok {
		v.add("startStep", "start step %q does not exist", v.def.StartStep)
	}

	for _, step := range v.steps {
		v.checkStep(step)
	}
	v.checkTrigger()

	// Graph checks only make sense once the node set is sound.
	if len(v.violations) > 0 {
		return
	}
	v.checkReachability()
	v.checkCycles()
	v.checkTerminalReachable()
}

func (v *validator) field(stepId, suffix string) string {
	return fmt.Sprintf("steps[%s].%s", stepId, suffix)
}

func (v *validator) checkTarget(fieldPath, target string) {
	if target == "" {
		return
	}
	if _, ok := v.steps[target]; !ok {
		v.add(fieldPath, "successor %q does not exist", target)
	}
}

func (v *validator) checkExpression(fieldPath, expr string) {
	parsed, err := condition.Parse(expr)
	if err != nil {
		v.add(fieldPath, "bad expression: %v", err)
		return
	}
	for _, path := range parsed.Vars() {
		root := strings.SplitN(path, ".", 2)[0]
		if _, ok := v.def.Variables[root]; !ok {
			v.add(fieldPath, "expression references undeclared variable %q", root)
		}
	}
}

func (v *validator) checkStep(step *model.WorkflowStep) {
	configs := 0
	for _, set := range []bool{
		step.Action != nil, step.Condition != nil, step.Delay != nil,
		step.Fork != nil, step.Join != nil, step.Terminal != nil,
	} {
		if set {
			configs++
		}
	}
	if configs > 1 {
		v.add(v.field(step.Id, "config"), "step carries more than one typed config")
	}

	if step.Guard != "" {
		v.checkExpression(v.field(step.Id, "guard"), step.Guard)
	}
	v.checkTarget(v.field(step.Id, "notMetStep"), step.NotMetStep)
	v.checkTarget(v.field(step.Id, "next"), step.Next)
	v.checkErrorPolicy(step)

	switch step.Type {
	case model.STEP_TYPE_ACTION:
		if step.Action == nil {
			v.add(v.field(step.Id, "action"), "ACTION step requires action config")
			return
		}
		if step.Action.Name == "" {
			v.add(v.field(step.Id, "action.name"), "action name is required")
		} else if len(v.actions) > 0 && !v.actions[step.Action.Name] {
			v.add(v.field(step.Id, "action.name"), "unknown action %q", step.Action.Name)
		}
		if step.Next == "" {
			v.add(v.field(step.Id, "next"), "ACTION step requires a successor")
		}
	case model.STEP_TYPE_CONDITION:
		if step.Condition == nil {
			v.add(v.field(step.Id, "condition"), "CONDITION step requires condition config")
			return
		}
		v.checkExpression(v.field(step.Id, "condition.expression"), step.Condition.Expression)
		if step.Condition.TrueStep == "" || step.Condition.FalseStep == "" {
			v.add(v.field(step.Id, "condition"), "CONDITION step requires true and false branches")
		}
		v.checkTarget(v.field(step.Id, "condition.true"), step.Condition.TrueStep)
		v.checkTarget(v.field(step.Id, "condition.false"), step.Condition.FalseStep)
	case model.STEP_TYPE_DELAY:
		if step.Delay == nil {
			v.add(v.field(step.Id, "delay"), "DELAY step requires delay config")
			return
		}
		if step.Delay.Seconds <= 0 {
			v.add(v.field(step.Id, "delay.seconds"), "delay must be positive, got %d", step.Delay.Seconds)
		}
		if step.Next == "" {
			v.add(v.field(step.Id, "next"), "DELAY step requires a successor")
		}
	case model.STEP_TYPE_FORK:
		if step.Fork == nil {
			v.add(v.field(step.Id, "fork"), "FORK step requires fork config")
			return
		}
		if len(step.Fork.Branches) < 2 {
			v.add(v.field(step.Id, "fork.branches"), "fork requires at least two branches")
		}
		for i, branch := range step.Fork.Branches {
			v.checkTarget(v.field(step.Id, fmt.Sprintf("fork.branches[%d]", i)), branch)
		}
		if step.Fork.JoinStep == "" {
			v.add(v.field(step.Id, "fork.join"), "fork requires a join step")
		} else {
			v.checkTarget(v.field(step.Id, "fork.join"), step.Fork.JoinStep)
			if join, ok := v.steps[step.Fork.JoinStep]; ok && join.Type != model.STEP_TYPE_JOIN {
				v.add(v.field(step.Id, "fork.join"), "fork join target %q is not a JOIN step", step.Fork.JoinStep)
			}
		}
	case model.STEP_TYPE_JOIN:
		if step.Join == nil {
			v.add(v.field(step.Id, "join"), "JOIN step requires join config")
			return
		}
		if step.Next == "" {
			v.add(v.field(step.Id, "next"), "JOIN step requires a successor")
		}
	case model.STEP_TYPE_TERMINAL:
		if step.Next != "" {
			v.add(v.field(step.Id, "next"), "TERMINAL step cannot have a successor")
		}
	default:
		v.add(v.field(step.Id, "type"), "unknown step type %q", step.Type)
	}
}

func (v *validator) checkErrorPolicy(step *model.WorkflowStep) {
	policy := step.OnError
	switch policy.Policy {
	case "", model.ON_ERROR_FAIL_WORKFLOW, model.ON_ERROR_SKIP:
	case model.ON_ERROR_RETRY:
		if policy.MaxAttempts <= 0 {
			v.add(v.field(step.Id, "onError.maxAttempts"), "RETRY requires a positive attempt cap")
		}
		if policy.BaseDelaySeconds < 0 {
			v.add(v.field(step.Id, "onError.baseDelaySeconds"), "base delay cannot be negative")
		}
	case model.ON_ERROR_ROUTE_TO:
		if policy.RouteTo == "" {
			v.add(v.field(step.Id, "onError.routeTo"), "ROUTE_TO requires a target step")
		} else {
			v.checkTarget(v.field(step.Id, "onError.routeTo"), policy.RouteTo)
		}
	default:
		v.add(v.field(step.Id, "onError.policy"), "unknown policy %q", policy.Policy)
	}
}

func (v *validator) checkTrigger() {
	t := v.def.Trigger
	switch t.Kind {
	case model.TRIGGER_SCHEDULE:
		if _, err := cronParser.Parse(t.Cron); err != nil {
			v.add("trigger.cron", "bad cron expression %q: %v", t.Cron, err)
		}
	case model.TRIGGER_WEBHOOK:
		if t.Source == "" {
			v.add("trigger.source", "webhook trigger requires a source")
		}
	case model.TRIGGER_DATA_CHANGE:
		if t.Entity == "" {
			v.add("trigger.entity", "data-change trigger requires an entity")
		}
		if t.Filter != "" {
			if _, err := condition.Parse(t.Filter); err != nil {
				v.add("trigger.filter", "bad filter: %v", err)
			}
		}
	case model.TRIGGER_MANUAL:
	default:
		v.add("trigger.kind", "unknown trigger kind %q", t.Kind)
	}
}

// successors returns the forward edges of a step, including error routing.
func (v *validator) successors(step *model.WorkflowStep) []string {
	var out []string
	appendIf := func(id string) {
		if id != "" {
			out = append(out, id)
		}
	}
	appendIf(step.Next)
	appendIf(step.NotMetStep)
	if step.Condition != nil {
		appendIf(step.Condition.TrueStep)
		appendIf(step.Condition.FalseStep)
	}
	if step.Fork != nil {
		for _, b := range step.Fork.Branches {
			appendIf(b)
		}
		appendIf(step.Fork.JoinStep)
	}
	if step.OnError.Policy == model.ON_ERROR_ROUTE_TO {
		appendIf(step.OnError.RouteTo)
	}
	return out
}

func (v *validator) reachable() map[string]bool {
	seen := make(map[string]bool)
	var walk func(id string)
	walk = func(id string) {
		if seen[id] {
			return
		}
		seen[id] = true
		for _, next := range v.successors(v.steps[id]) {
			walk(next)
		}
	}
	walk(v.def.StartStep)
	return seen
}

func (v *validator) checkReachability() {
	seen := v.reachable()
	for id := range v.steps {
		if !seen[id] {
			v.add(v.field(id, "id"), "step is unreachable from start step %q", v.def.StartStep)
		}
	}
}

// checkCycles rejects any cycle in the forward graph. Bounded retry loops
// are not graph edges here: a retry re-runs the same node under its attempt
// cap, so the only cycles a definition can express are unbounded ones.
func (v *validator) checkCycles() {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int)
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		for _, next := range v.successors(v.steps[id]) {
			switch color[next] {
			case grey:
				v.add(v.field(next, "id"), "step is part of an unbounded cycle")
				return false
			case white:
				if !visit(next) {
					return false
				}
			}
		}
		color[id] = black
		return true
	}
	visit(v.def.StartStep)
}

func (v *validator) checkTerminalReachable() {
	memo := make(map[string]bool)
	var reaches func(id string) bool
	reaches = func(id string) bool {
		if done, ok := memo[id]; ok {
			return done
		}
		step := v.steps[id]
		if step.Type == model.STEP_TYPE_TERMINAL {
			memo[id] = true
			return true
		}
		memo[id] = false // cycle guard; graph is already acyclic here
		result := false
		for _, next := range v.successors(step) {
			if reaches(next) {
				result = true
				break
			}
		}
		memo[id] = result
		return result
	}
	for id := range v.reachable() {
		if !reaches(id) {
			v.add(v.field(id, "id"), "no terminal step is reachable from step %q", id)
		}
	}
}
