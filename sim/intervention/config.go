package intervention

import (
	"errors"
	"fmt"

	"github.com/episim/episim/sim/model"
	"github.com/episim/episim/sim/sampling"
)

// FilterConfig selects local nodes by health state and trait bits. A node
// matches when its state is listed (or no states are listed) and
// traits&TraitsMask == TraitsValue.
type FilterConfig struct {
	States      []string `yaml:"states"`
	TraitsMask  uint64   `yaml:"traits_mask"`
	TraitsValue uint64   `yaml:"traits_value"`
}

// SetConfig declares a named node set.
type SetConfig struct {
	ID     string       `yaml:"id" validate:"required"`
	Filter FilterConfig `yaml:"filter"`
}

// ObservableConfig declares a global quantity. Kind "state" reads the
// global count of State (flow "current", "in" or "out"); kind "size" is the
// global size of Set. Relative divides by the total node count.
type ObservableConfig struct {
	ID       string `yaml:"id" validate:"required"`
	Kind     string `yaml:"kind" validate:"oneof=state size"`
	State    string `yaml:"state" validate:"required_if=Kind state"`
	Flow     string `yaml:"flow" validate:"omitempty,oneof=current in out"`
	Set      string `yaml:"set" validate:"required_if=Kind size"`
	Relative bool   `yaml:"relative"`
}

// TriggerConfig fires Interventions in every tick in which
// "Observable Comparison Value" holds on any rank.
type TriggerConfig struct {
	ID            string   `yaml:"id" validate:"required"`
	Observable    string   `yaml:"observable" validate:"required"`
	Comparison    string   `yaml:"comparison" validate:"oneof=< <= > >= == !="`
	Value         float64  `yaml:"value"`
	Interventions []string `yaml:"interventions" validate:"required,min=1"`
}

// SamplingConfig selects part of a target set.
type SamplingConfig struct {
	Type       string  `yaml:"type" validate:"oneof=individual group absolute"`
	Percentage float64 `yaml:"percentage" validate:"gte=0,lte=100"`
	Count      uint64  `yaml:"count"`
}

// InterventionConfig moves sampled members of Target to SetState, Delay
// ticks after it fires. It fires when one of its triggers holds, and at
// AtTick if set. Once limits it to its first firing.
type InterventionConfig struct {
	ID                   string          `yaml:"id" validate:"required"`
	Target               string          `yaml:"target" validate:"required"`
	Sampling             *SamplingConfig `yaml:"sampling,omitempty"`
	SetState             string          `yaml:"set_state" validate:"required"`
	SusceptibilityFactor *model.FactorOp `yaml:"susceptibility_factor,omitempty"`
	InfectivityFactor    *model.FactorOp `yaml:"infectivity_factor,omitempty"`
	Delay                int             `yaml:"delay" validate:"gte=0"`
	AtTick               *int            `yaml:"at_tick,omitempty"`
	Once                 bool            `yaml:"once"`
}

// Config is the declarative intervention plan.
type Config struct {
	Sets          []SetConfig          `yaml:"sets" validate:"dive"`
	Observables   []ObservableConfig   `yaml:"observables" validate:"dive"`
	Triggers      []TriggerConfig      `yaml:"triggers" validate:"dive"`
	Interventions []InterventionConfig `yaml:"interventions" validate:"dive"`
}

// Validate resolves every reference of the plan against m without building
// it: set, observable, trigger and intervention ids, health states, filters,
// comparisons and sampling specs. All problems are reported together.
func (c Config) Validate(m *model.Model) error {
	var errs []error
	sets := make(map[string]bool)
	for _, sc := range c.Sets {
		if sets[sc.ID] {
			errs = append(errs, fmt.Errorf("set %q: duplicate id", sc.ID))
			continue
		}
		sets[sc.ID] = true
		if _, err := compileFilter(m, sc.Filter); err != nil {
			errs = append(errs, fmt.Errorf("set %q: %w", sc.ID, err))
		}
	}

	observables := make(map[string]bool)
	for _, oc := range c.Observables {
		if observables[oc.ID] {
			errs = append(errs, fmt.Errorf("observable %q: duplicate id", oc.ID))
			continue
		}
		observables[oc.ID] = true
		switch oc.Kind {
		case "state":
			if _, ok := m.Code(oc.State); !ok {
				errs = append(errs, fmt.Errorf("observable %q: unknown health state %q", oc.ID, oc.State))
			}
		case "size":
			if !sets[oc.Set] {
				errs = append(errs, fmt.Errorf("observable %q: unknown set %q", oc.ID, oc.Set))
			}
		default:
			errs = append(errs, fmt.Errorf("observable %q: unknown kind %q", oc.ID, oc.Kind))
		}
	}

	interventions := make(map[string]bool)
	for _, ic := range c.Interventions {
		if interventions[ic.ID] {
			errs = append(errs, fmt.Errorf("intervention %q: duplicate id", ic.ID))
			continue
		}
		interventions[ic.ID] = true
		if !sets[ic.Target] {
			errs = append(errs, fmt.Errorf("intervention %q: unknown target set %q", ic.ID, ic.Target))
		}
		if _, ok := m.Code(ic.SetState); !ok {
			errs = append(errs, fmt.Errorf("intervention %q: unknown health state %q", ic.ID, ic.SetState))
		}
		if ic.Delay < 0 {
			errs = append(errs, fmt.Errorf("intervention %q: negative delay %d", ic.ID, ic.Delay))
		}
		if ic.Sampling != nil {
			kind, err := sampling.ParseKind(ic.Sampling.Type)
			if err == nil {
				err = sampling.Spec{Kind: kind, Percentage: ic.Sampling.Percentage, Count: ic.Sampling.Count}.Validate()
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("intervention %q: %w", ic.ID, err))
			}
		}
	}

	for _, tc := range c.Triggers {
		if !observables[tc.Observable] {
			errs = append(errs, fmt.Errorf("trigger %q: unknown observable %q", tc.ID, tc.Observable))
		}
		if _, err := compare(tc.Comparison); err != nil {
			errs = append(errs, fmt.Errorf("trigger %q: %w", tc.ID, err))
		}
		if len(tc.Interventions) == 0 {
			errs = append(errs, fmt.Errorf("trigger %q: no interventions", tc.ID))
		}
		for _, name := range tc.Interventions {
			if !interventions[name] {
				errs = append(errs, fmt.Errorf("trigger %q: unknown intervention %q", tc.ID, name))
			}
		}
	}
	return errors.Join(errs...)
}
