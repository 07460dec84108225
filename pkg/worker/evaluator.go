// Package worker implements WR: the per-region execution pipeline that
// evaluates a Ruleset's Rules against a region's resource inventory and
// builds the resulting Shard.
//
// Rule.Selector is a JSONPath/gjson expression that narrows a resource
// document down to the field the rule inspects; Rule.Condition is an
// optional sandboxed JavaScript expression (dop251/goja) for rules that
// need more than a path lookup can express. Both are grounded on the
// teacher's TEE script engine and datafeed JSONPath extraction
// (system/tee/script_engine.go, services/datafeeds/datafeeds.go),
// generalized from "fetch one field from an API response" to
// "evaluate one compliance rule against one resource."
package worker

import (
	"encoding/json"
	"fmt"

	"github.com/PaesslerAG/jsonpath"
	"github.com/dop251/goja"
	"github.com/tidwall/gjson"

	internalerrors "github.com/cloudveil/compliance-engine/internal/errors"
	"github.com/cloudveil/compliance-engine/pkg/domain"
)

// Resource is one cloud resource pulled from a tenant's inventory for
// one region, keyed by provider-native id and type.
type Resource struct {
	ID   string
	Type string
	Data []byte // raw provider JSON
}

// Evaluator runs Rules against Resources.
type Evaluator struct{}

// NewEvaluator constructs an Evaluator. Stateless: a fresh goja.Runtime
// is created per rule evaluation to keep script execution isolated
// between resources, the way the teacher's script engine isolates
// tenant scripts per invocation.
func NewEvaluator() *Evaluator { return &Evaluator{} }

// Evaluate runs rule against resource and returns the resulting Finding.
func (e *Evaluator) Evaluate(rule domain.Rule, resource Resource) domain.Finding {
	f := domain.Finding{
		RuleID:       rule.ID,
		ResourceID:   resource.ID,
		ResourceType: resource.Type,
		Severity:     rule.Severity,
	}

	selected, err := e.selectField(rule.Selector, resource.Data)
	if err != nil {
		f.Result = domain.ResultError
		f.Detail = err.Error()
		return f
	}

	pass, err := e.evalCondition(rule.Condition, selected)
	if err != nil {
		f.Result = domain.ResultError
		f.Detail = err.Error()
		return f
	}

	if pass {
		f.Result = domain.ResultPass
	} else {
		f.Result = domain.ResultFail
		f.Detail = "condition evaluated false for selector " + rule.Selector
	}
	return f
}

// selectField narrows resource down via a gjson path when possible,
// falling back to PaesslerAG/jsonpath for bracket-predicate
// expressions gjson does not support.
func (e *Evaluator) selectField(selector string, data []byte) (any, error) {
	if selector == "" {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, internalerrors.Wrap(err, internalerrors.KindInternal, "worker: parse resource")
		}
		return v, nil
	}

	if gjsonCompatible(selector) {
		res := gjson.GetBytes(data, selector)
		if !res.Exists() {
			return nil, nil
		}
		return res.Value(), nil
	}

	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, internalerrors.Wrap(err, internalerrors.KindInternal, "worker: parse resource")
	}
	result, err := jsonpath.Get(selector, v)
	if err != nil {
		return nil, internalerrors.Wrap(err, internalerrors.KindValidation, "worker: jsonpath selector")
	}
	return result, nil
}

// gjsonCompatible reports whether selector avoids the JSONPath
// filter-predicate syntax (e.g. "$.resources[?(@.type=='x')]") that
// gjson does not implement, in which case PaesslerAG/jsonpath is used
// instead.
func gjsonCompatible(selector string) bool {
	for _, r := range selector {
		if r == '?' || r == '(' {
			return false
		}
	}
	return true
}

// evalCondition runs rule.Condition, a JS expression referencing
// `value`, inside a fresh sandboxed goja runtime. An empty condition
// treats a non-nil selected value as passing.
func (e *Evaluator) evalCondition(condition string, value any) (bool, error) {
	if condition == "" {
		return value != nil, nil
	}

	vm := goja.New()
	if err := vm.Set("value", value); err != nil {
		return false, internalerrors.Wrap(err, internalerrors.KindInternal, "worker: bind value")
	}
	result, err := vm.RunString(condition)
	if err != nil {
		return false, internalerrors.Wrap(err, internalerrors.KindValidation, "worker: evaluate condition")
	}
	b, ok := result.Export().(bool)
	if !ok {
		return false, internalerrors.Validation("worker: condition %q did not evaluate to a boolean", condition)
	}
	return b, nil
}

func (r Resource) String() string {
	return fmt.Sprintf("%s:%s", r.Type, r.ID)
}
