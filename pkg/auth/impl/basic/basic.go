// Copyright (c) 2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package basic implements a static rule-table authorizer loaded from a
// YAML file. Principals map to roles; roles accept or reject
// action:target rules.
package basic

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/uber/skymaster/pkg/auth"
	"github.com/uber/skymaster/pkg/common/config"
)

const (
	_ruleSeparator = ":"
	// rule side that matches every action or every target
	_matchAllRule = "*"
)

// Authorizer decides from an in-memory rule table.
type Authorizer struct {
	defaultRole *role
	principals  map[string]*role
}

var _ auth.Authorizer = &Authorizer{}

// all fields are immutable after init,
// need lock protection if the assumption breaks
type role struct {
	name    string
	accepts []rule
	rejects []rule
}

type rule struct {
	action string
	target string
}

// Authorize implements auth.Authorizer. Unknown principals fall back to
// the default role; with no default role everything is denied. The
// check itself cannot fail.
func (a *Authorizer) Authorize(
	principal string, action auth.Action, object auth.Object) (bool, error) {
	r, ok := a.principals[principal]
	if !ok {
		r = a.defaultRole
	}
	if r == nil {
		return false, nil
	}

	target := object.Role
	if action == auth.ActionTeardown {
		target = object.FrameworkPrincipal
	}
	return matchRules(action, target, r.accepts) &&
		!matchRules(action, target, r.rejects), nil
}

func matchRules(action auth.Action, target string, rules []rule) bool {
	for _, r := range rules {
		if matchSide(r.action, string(action)) && matchSide(r.target, target) {
			return true
		}
	}
	return false
}

func matchSide(rule, value string) bool {
	if rule == _matchAllRule {
		return true
	}
	if strings.HasSuffix(rule, _matchAllRule) {
		return strings.HasPrefix(value, rule[:len(rule)-1])
	}
	return rule == value
}

// NewAuthorizer loads the rule file at configPath.
func NewAuthorizer(configPath string) (*Authorizer, error) {
	cfg := &authConfig{}
	if err := config.Parse(cfg, configPath); err != nil {
		return nil, err
	}
	return newAuthorizer(cfg)
}

// helper method to create Authorizer which makes test easier
func newAuthorizer(cfg *authConfig) (*Authorizer, error) {
	roles, err := constructRoles(cfg)
	if err != nil {
		return nil, err
	}

	a := &Authorizer{principals: make(map[string]*role)}
	for _, pc := range cfg.Principals {
		r, ok := roles[pc.Role]
		if !ok {
			return nil, errors.Errorf(
				"principal %q has undefined role %q", pc.Name, pc.Role)
		}
		if pc.Name == "" {
			if a.defaultRole != nil {
				return nil, errors.New("more than one default principal specified")
			}
			a.defaultRole = r
			continue
		}
		if _, ok := a.principals[pc.Name]; ok {
			return nil, errors.Errorf(
				"same principal defined more than once: %s", pc.Name)
		}
		a.principals[pc.Name] = r
	}
	return a, nil
}

func constructRoles(cfg *authConfig) (map[string]*role, error) {
	roles := make(map[string]*role, len(cfg.Roles))
	for _, rc := range cfg.Roles {
		if rc.Role == "" {
			return nil, errors.New("role name cannot be empty")
		}
		if _, ok := roles[rc.Role]; ok {
			return nil, errors.Errorf(
				"same role defined more than once: %s", rc.Role)
		}
		r := &role{name: rc.Role}
		for _, raw := range rc.Accept {
			parsed, err := parseRule(raw)
			if err != nil {
				return nil, err
			}
			r.accepts = append(r.accepts, parsed)
		}
		for _, raw := range rc.Reject {
			parsed, err := parseRule(raw)
			if err != nil {
				return nil, err
			}
			r.rejects = append(r.rejects, parsed)
		}
		roles[rc.Role] = r
	}
	return roles, nil
}

func parseRule(raw string) (rule, error) {
	parts := strings.Split(raw, _ruleSeparator)
	switch len(parts) {
	case 1:
		// A bare action applies to every target.
		if parts[0] == "" {
			return rule{}, errors.Errorf("invalid rule: %q", raw)
		}
		return rule{action: parts[0], target: _matchAllRule}, nil
	case 2:
		if parts[0] == "" || parts[1] == "" {
			return rule{}, errors.Errorf("invalid rule: %q", raw)
		}
		return rule{action: parts[0], target: parts[1]}, nil
	default:
		return rule{}, errors.Errorf("invalid rule: %q", raw)
	}
}
