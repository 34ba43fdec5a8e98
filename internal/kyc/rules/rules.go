// Package rules holds the KYC workflow transition table. The table is data:
// a YAML document embedded in the binary and overridable from a file.
package rules

import (
	_ "embed"
	"fmt"
	"os"

	"kycflow/internal/domain"
	kyderrors "kycflow/pkg/errors"
	"kycflow/pkg/validator"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultTable []byte

type localizedRow struct {
	Default   string `yaml:"default" validate:"required"`
	Localized string `yaml:"localized"`
}

type ruleRow struct {
	From          string       `yaml:"from" validate:"required,state"`
	To            string       `yaml:"to" validate:"required,state,nefield=From"`
	Automatic     bool         `yaml:"automatic"`
	Trigger       string       `yaml:"trigger" validate:"omitempty,oneof=elapsed expiry"`
	RequiredRoles []string     `yaml:"required_roles" validate:"dive,identifier"`
	SLAHours      float64      `yaml:"sla_hours" validate:"gte=0"`
	Notify        []string     `yaml:"notify" validate:"dive,oneof=user reviewer admin compliance"`
	DisplayName   localizedRow `yaml:"display_name"`
}

type tableFile struct {
	Version int       `yaml:"version"`
	Rules   []ruleRow `yaml:"rules" validate:"required,min=1,dive"`
}

type edge struct {
	from, to domain.DocumentState
}

// Table is an immutable, validated set of transition rules.
type Table struct {
	rules    []domain.TransitionRule
	byEdge   map[edge]int
	bySource map[domain.DocumentState][]int
}

// Default returns the embedded table.
func Default() *Table {
	t, err := Parse(defaultTable)
	if err != nil {
		panic(fmt.Sprintf("embedded rule table: %v", err))
	}
	return t
}

// Load reads the table at path, or the embedded default when path is empty.
func Load(path string) (*Table, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, kyderrors.Wrap(err, "read rule table")
	}
	return Parse(data)
}

// Parse decodes and validates a YAML rule table.
func Parse(data []byte) (*Table, error) {
	var file tableFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", kyderrors.ErrRuleTableInvalid, err)
	}

	v := validator.New()
	if err := v.RegisterEnum("state", domain.StateNames()...); err != nil {
		return nil, err
	}
	if err := v.Validate(file); err != nil {
		return nil, fmt.Errorf("%w: %v", kyderrors.ErrRuleTableInvalid, err)
	}

	out := make([]domain.TransitionRule, 0, len(file.Rules))
	for _, row := range file.Rules {
		trigger := domain.Trigger(row.Trigger)
		if trigger == "" {
			trigger = domain.TriggerElapsed
		}
		audiences := make([]domain.Audience, len(row.Notify))
		for i, a := range row.Notify {
			audiences[i] = domain.Audience(a)
		}
		out = append(out, domain.TransitionRule{
			From:                  domain.DocumentState(row.From),
			To:                    domain.DocumentState(row.To),
			IsAutomatic:           row.Automatic,
			Trigger:               trigger,
			RequiredRoles:         row.RequiredRoles,
			SLAHours:              decimal.NewFromFloat(row.SLAHours),
			NotificationAudiences: audiences,
			DisplayName:           domain.LocalizedText{Default: row.DisplayName.Default, Localized: row.DisplayName.Localized},
		})
	}
	return New(out)
}

// New builds a table from already decoded rules.
func New(rules []domain.TransitionRule) (*Table, error) {
	t := &Table{
		rules:    make([]domain.TransitionRule, 0, len(rules)),
		byEdge:   make(map[edge]int, len(rules)),
		bySource: make(map[domain.DocumentState][]int),
	}
	for _, r := range rules {
		if !r.From.IsValid() || !r.To.IsValid() {
			return nil, fmt.Errorf("%w: unknown state in %s->%s", kyderrors.ErrRuleTableInvalid, r.From, r.To)
		}
		if r.SLAHours.IsNegative() {
			return nil, fmt.Errorf("%w: negative sla on %s->%s", kyderrors.ErrRuleTableInvalid, r.From, r.To)
		}
		if r.Trigger == "" {
			r.Trigger = domain.TriggerElapsed
		}
		if r.Trigger == domain.TriggerExpiry && !r.IsAutomatic {
			return nil, fmt.Errorf("%w: expiry trigger on manual rule %s->%s", kyderrors.ErrRuleTableInvalid, r.From, r.To)
		}
		key := edge{r.From, r.To}
		if _, dup := t.byEdge[key]; dup {
			return nil, fmt.Errorf("%w: duplicate rule %s->%s", kyderrors.ErrRuleTableInvalid, r.From, r.To)
		}
		t.byEdge[key] = len(t.rules)
		t.bySource[r.From] = append(t.bySource[r.From], len(t.rules))
		t.rules = append(t.rules, r)
	}
	return t, nil
}

// Lookup finds the rule for the exact (from, to) pair.
func (t *Table) Lookup(from, to domain.DocumentState) (domain.TransitionRule, bool) {
	i, ok := t.byEdge[edge{from, to}]
	if !ok {
		return domain.TransitionRule{}, false
	}
	return t.rules[i], true
}

// Outgoing lists the rules leaving from, in table order.
func (t *Table) Outgoing(from domain.DocumentState) []domain.TransitionRule {
	idx := t.bySource[from]
	out := make([]domain.TransitionRule, 0, len(idx))
	for _, i := range idx {
		out = append(out, t.rules[i])
	}
	return out
}

// Automatic lists the automatic rules leaving from.
func (t *Table) Automatic(from domain.DocumentState) []domain.TransitionRule {
	var out []domain.TransitionRule
	for _, r := range t.Outgoing(from) {
		if r.IsAutomatic {
			out = append(out, r)
		}
	}
	return out
}

// Rules returns a copy of every rule.
func (t *Table) Rules() []domain.TransitionRule {
	out := make([]domain.TransitionRule, len(t.rules))
	copy(out, t.rules)
	return out
}

// StateSLA is the time a document may stay in state before it is overdue:
// the largest SLA among the state's elapsed-triggered outgoing rules.
// ok is false when the state has none.
func (t *Table) StateSLA(state domain.DocumentState) (decimal.Decimal, bool) {
	var (
		sla   decimal.Decimal
		found bool
	)
	for _, r := range t.Outgoing(state) {
		if r.Trigger != domain.TriggerElapsed {
			continue
		}
		if !found || r.SLAHours.GreaterThan(sla) {
			sla = r.SLAHours
			found = true
		}
	}
	return sla, found
}

// Terminal reports whether no SLA governs state.
func (t *Table) Terminal(state domain.DocumentState) bool {
	_, ok := t.StateSLA(state)
	return !ok
}

// SLAStates lists the states that have a governing SLA.
func (t *Table) SLAStates() []domain.DocumentState {
	var out []domain.DocumentState
	for _, s := range domain.AllStates {
		if !t.Terminal(s) {
			out = append(out, s)
		}
	}
	return out
}
