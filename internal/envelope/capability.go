package envelope

import (
	"encoding/json"
	"strings"
)

// Rule is a capability pattern (§3.4): a sender may emit an envelope iff at
// least one rule in its effective set matches the envelope's kind and,
// when present, its payload.
type Rule struct {
	Kind    string                 `json:"kind" yaml:"kind"`
	Payload map[string]interface{} `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// Matches reports whether rule authorizes env, per §3.4:
//   - kind matches by exact string, trailing "*" wildcard, or a wildcard
//     nested inside a payload field pattern (e.g. "tools/*");
//   - every field present in rule.Payload is deep-equal to the same field
//     in env's decoded payload, with trailing "*" allowed on string values.
func (r Rule) Matches(env *Envelope) bool {
	if !matchKind(r.Kind, env.Kind) {
		return false
	}
	if len(r.Payload) == 0 {
		return true
	}
	var payload map[string]interface{}
	if env.Payload != nil {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return false
		}
	}
	return matchPayload(r.Payload, payload)
}

// matchKind implements exact match and a single trailing-"*" wildcard, e.g.
// "mcp/*" matches "mcp/request" and "mcp/response" but not "mcp".
func matchKind(pattern, kind string) bool {
	if pattern == kind {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(kind, prefix)
	}
	return false
}

// matchPayload checks that every field named in pattern is present in
// value and structurally equal (strings may use a trailing "*" wildcard,
// nested objects recurse, everything else uses deep equality).
func matchPayload(pattern map[string]interface{}, value map[string]interface{}) bool {
	for k, pv := range pattern {
		vv, ok := value[k]
		if !ok {
			return false
		}
		if !matchValue(pv, vv) {
			return false
		}
	}
	return true
}

func matchValue(pattern, value interface{}) bool {
	switch p := pattern.(type) {
	case string:
		v, ok := value.(string)
		if !ok {
			return false
		}
		if strings.HasSuffix(p, "*") {
			return strings.HasPrefix(v, strings.TrimSuffix(p, "*"))
		}
		return p == v
	case map[string]interface{}:
		v, ok := value.(map[string]interface{})
		if !ok {
			return false
		}
		return matchPayload(p, v)
	case []interface{}:
		v, ok := value.([]interface{})
		if !ok || len(v) != len(p) {
			return false
		}
		for i := range p {
			if !matchValue(p[i], v[i]) {
				return false
			}
		}
		return true
	default:
		return deepEqualJSON(pattern, value)
	}
}

// deepEqualJSON compares two decoded-JSON scalars (numbers, bools, nil).
func deepEqualJSON(a, b interface{}) bool {
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(ab) == string(bb)
}

// RuleSet is an ordered, immutable set of capability rules. Capability
// grants construct a new RuleSet rather than mutating an existing one
// (§5 "Capability rules are effectively copy-on-write per participant").
type RuleSet []Rule

// Allows reports whether any rule in the set matches env (§3.4: "allowed
// to SEND an envelope iff at least one rule in its effective capability
// set matches").
func (rs RuleSet) Allows(env *Envelope) bool {
	for _, r := range rs {
		if r.Matches(env) {
			return true
		}
	}
	return false
}

// WithGrant returns a new RuleSet with extra rules appended, leaving the
// receiver untouched.
func (rs RuleSet) WithGrant(extra ...Rule) RuleSet {
	next := make(RuleSet, 0, len(rs)+len(extra))
	next = append(next, rs...)
	next = append(next, extra...)
	return next
}

// WithoutRule returns a new RuleSet with any rule structurally equal to
// target removed (§4.3: capability/revoke "matched by structural equality
// of the rule objects").
func (rs RuleSet) WithoutRule(target Rule) RuleSet {
	next := make(RuleSet, 0, len(rs))
	for _, r := range rs {
		if ruleEqual(r, target) {
			continue
		}
		next = append(next, r)
	}
	return next
}

func ruleEqual(a, b Rule) bool {
	if a.Kind != b.Kind {
		return false
	}
	ab, _ := json.Marshal(a.Payload)
	bb, _ := json.Marshal(b.Payload)
	return string(ab) == string(bb)
}
