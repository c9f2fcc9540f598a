package server

import (
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

var newApprovalCELEnv = func() (*cel.Env, error) {
	return cel.NewEnv(cel.Variable("ctx", cel.MapType(cel.StringType, cel.StringType)))
}

var approvalRuleProgramCache sync.Map

// approvalRuleContext is the evaluation context handed to workflow rule
// expressions. Everything is a string; expressions convert where needed,
// e.g. int(ctx["amount_cents"]) >= 5000000.
func approvalRuleContext(g Grant, toStage string, requester Member) map[string]string {
	return map[string]string{
		"amount_cents":   strconv.FormatInt(g.AmountCents, 10),
		"stage":          g.Stage,
		"to_stage":       toStage,
		"days_to_close":  strconv.Itoa(daysToClose(g.CloseDate)),
		"requester_role": requester.Role,
		"funder":         g.Funder,
	}
}

// autoRuleDecision evaluates a workflow's rules over the context map.
// A matching deny rule wins over any allow rule; no match means no
// auto decision and the approver chain runs.
func autoRuleDecision(rules []ApprovalRule, ctxMap map[string]string) (string, error) {
	decision := ""
	for _, rule := range rules {
		matched, err := evalApprovalRuleExpr(rule.Expression, ctxMap)
		if err != nil {
			return "", err
		}
		if !matched {
			continue
		}
		if rule.Effect == ruleEffectDeny {
			return ruleEffectDeny, nil
		}
		decision = ruleEffectAllow
	}
	return decision, nil
}

func evalApprovalRuleExpr(expr string, ctxMap map[string]string) (bool, error) {
	program, err := loadOrCompileApprovalProgram(expr)
	if err != nil {
		return false, err
	}
	out, _, err := program.Eval(map[string]any{"ctx": ctxMap})
	if err != nil {
		return false, err
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, errors.New("expression output type mismatch")
	}
	return v, nil
}

func loadOrCompileApprovalProgram(expr string) (cel.Program, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("expression required")
	}
	if cached, ok := approvalRuleProgramCache.Load(expr); ok {
		return cached.(cel.Program), nil
	}
	env, err := newApprovalCELEnv()
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if ast.OutputType() != cel.BoolType {
		return nil, errors.New("expression must evaluate to bool")
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	approvalRuleProgramCache.Store(expr, program)
	return program, nil
}

// compileApprovalRules validates rule expressions at workflow creation so a
// bad expression fails fast instead of at decision time.
func compileApprovalRules(rules []ApprovalRule) error {
	for _, rule := range rules {
		if !validRuleEffect(rule.Effect) {
			return errors.New("invalid rule effect")
		}
		if _, err := loadOrCompileApprovalProgram(rule.Expression); err != nil {
			return err
		}
	}
	return nil
}
