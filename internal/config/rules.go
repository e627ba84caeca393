package config

import (
	"fmt"

	"github.com/constellation-overwatch/arc-relay/internal/rules"
)

// BuildRules resolves the loaded YAML rule list into the typed *rules.Rule
// slice the Rule Store (C3) consumes. EnabledByDefault defaults to true
// when the YAML omits it, matching spec.md §9.
func (c *Config) BuildRules() ([]*rules.Rule, error) {
	out := make([]*rules.Rule, 0, len(c.Rules))
	for _, rc := range c.Rules {
		r, err := buildRule(rc)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rc.Name, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func buildRule(rc RuleConfig) (*rules.Rule, error) {
	enabled := true
	if rc.EnabledByDefault != nil {
		enabled = *rc.EnabledByDefault
	}

	actions := make([]rules.ActionKind, 0, len(rc.Actions))
	for _, a := range rc.Actions {
		actions = append(actions, rules.ActionKind(a))
	}

	r := &rules.Rule{
		Name:                rc.Name,
		Priority:            rc.Priority,
		EnabledByDefault:    enabled,
		Direction:           rules.Direction(rc.Direction),
		MessageType:         rc.MessageType,
		Actions:             actions,
		DelaySeconds:        rc.DelaySeconds,
		BatchCount:          rc.BatchCount,
		BatchTimeoutSeconds: rc.BatchTimeoutSeconds,
		BatchTimeoutForward: rc.BatchTimeoutForward,
		BatchKey:            rc.BatchKey,
		BatchSystemIDField:  rc.BatchSystemIDField,
		ModifierName:        rc.Modifier,
		Plugins:             rc.Plugins,
		AutoAck:             rc.AutoAck,
		Conditions: rules.Conditions{
			SourceSystem:    rc.Conditions.SourceSystem,
			SourceComponent: rc.Conditions.SourceComponent,
			Fields:          rc.Conditions.Fields,
		},
	}

	if rc.Ack != nil {
		r.AckSpec = &rules.AckSpec{
			MessageType:          rc.Ack.MessageType,
			SourceSystemField:    rc.Ack.SourceSystemField,
			SourceComponentField: rc.Ack.SourceComponentField,
			Fields:               rc.Ack.Fields,
			CopyFields:           rc.Ack.CopyFields,
		}
	}

	if rc.Triggers != nil {
		r.Triggers = &rules.Triggers{
			OnMatch:         rc.Triggers.OnMatch,
			ActivateRules:   rc.Triggers.ActivateRules,
			DeactivateRules: rc.Triggers.DeactivateRules,
			DurationSeconds: rc.Triggers.DurationSeconds,
		}
	}

	return r, nil
}
