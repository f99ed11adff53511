// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"github.com/gomlx/ddpspoof/pkg/core/tensors"
	"github.com/gomlx/ddpspoof/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// StateDict maps parameter names to their values.
type StateDict map[string]*tensors.Tensor

// State maps component names to their StateDict.
type State map[string]StateDict

// Clone returns a deep copy of the state dict.
func (sd StateDict) Clone() StateDict {
	out := make(StateDict, len(sd))
	for name, t := range sd {
		out[name] = t.Clone()
	}
	return out
}

// NumValues returns the total number of values of all tensors.
func (sd StateDict) NumValues() int {
	var n int
	for _, t := range sd {
		n += t.Size()
	}
	return n
}

// Clone returns a deep copy of the state.
func (s State) Clone() State {
	out := make(State, len(s))
	for name, sd := range s {
		out[name] = sd.Clone()
	}
	return out
}

// ModuleStateDict returns a deep copy of the parameters of m.
func ModuleStateDict(m Module) StateDict {
	sd := make(StateDict)
	for _, p := range m.Parameters() {
		sd[p.Name] = p.Value.Clone()
	}
	return sd
}

// LoadModuleStateDict copies the values of sd into the parameters of m.
// Unknown names and shape mismatches are errors, missing parameters are kept and logged as a warning.
func LoadModuleStateDict(m Module, sd StateDict) error {
	params := make(map[string]*Parameter)
	for _, p := range m.Parameters() {
		params[p.Name] = p
	}
	for _, name := range xslices.SortedKeys(sd) {
		p, found := params[name]
		if !found {
			return errors.Errorf("module %q has no parameter %q", m.Name(), name)
		}
		if err := p.Value.CheckSameShape(sd[name]); err != nil {
			return errors.WithMessagef(err, "module %q parameter %q", m.Name(), name)
		}
	}
	for _, name := range xslices.SortedKeys(params) {
		value, found := sd[name]
		if !found {
			klog.Warningf("module %q: parameter %q not in the loaded state, keeping its current value", m.Name(), name)
			continue
		}
		params[name].Value.CopyFrom(value)
	}
	return nil
}

// CopyState returns a deep, detached copy of the parameters of all components, keyed by component name.
func (p *Pipeline) CopyState() State {
	state := make(State)
	for _, c := range p.Components() {
		state[c.Name] = ModuleStateDict(c.Module)
	}
	return state
}

// LoadState restores the parameters from state. Components or parameters not in the pipeline are an
// error, components missing in state keep their current values (with a warning).
// It validates everything before changing any parameter.
func (p *Pipeline) LoadState(state State) error {
	components := make(map[string]Module)
	for _, c := range p.Components() {
		components[c.Name] = c.Module
	}
	for _, name := range xslices.SortedKeys(state) {
		if _, found := components[name]; !found {
			return errors.Errorf("unknown component %q in loaded state, pipeline components are %v",
				name, xslices.SortedKeys(components))
		}
	}
	// Validate all components before changing any parameter.
	for _, name := range xslices.SortedKeys(state) {
		m := components[name]
		for pName, value := range state[name] {
			found := false
			for _, param := range m.Parameters() {
				if param.Name == pName {
					found = true
					if err := param.Value.CheckSameShape(value); err != nil {
						return errors.WithMessagef(err, "component %q parameter %q", name, pName)
					}
				}
			}
			if !found {
				return errors.Errorf("component %q has no parameter %q", name, pName)
			}
		}
	}
	for _, c := range p.Components() {
		sd, found := state[c.Name]
		if !found {
			if len(c.Module.Parameters()) > 0 {
				klog.Warningf("component %q not in the loaded state, keeping its current values", c.Name)
			}
			continue
		}
		if err := LoadModuleStateDict(c.Module, sd); err != nil {
			return err
		}
	}
	return nil
}
