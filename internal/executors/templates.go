// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package executors

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"

	"github.com/cobaltcore-dev/cirrus/internal/models"
	"gopkg.in/yaml.v3"
)

//go:embed default_security_groups.yaml
var defaultSecurityGroups []byte

// Security group created together with a tenant.
type SecurityGroupTemplate struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Rules       []RuleTemplate `yaml:"rules"`
}

// Rule of a security group template. Missing ports mean any port.
type RuleTemplate struct {
	EtherType   string `yaml:"ethertype"`
	Direction   string `yaml:"direction"`
	Protocol    string `yaml:"protocol"`
	FromPort    *int   `yaml:"from_port"`
	ToPort      *int   `yaml:"to_port"`
	CIDR        string `yaml:"cidr"`
	Description string `yaml:"description"`
}

func (t RuleTemplate) rule() models.SecurityGroupRule {
	port := func(p *int) int {
		if p == nil {
			return -1
		}
		return *p
	}
	return models.SecurityGroupRule{
		EtherType:   t.EtherType,
		Direction:   t.Direction,
		Protocol:    t.Protocol,
		FromPort:    port(t.FromPort),
		ToPort:      port(t.ToPort),
		CIDR:        t.CIDR,
		Description: t.Description,
	}
}

// Local rules of the template.
func (t SecurityGroupTemplate) SecurityGroupRules() []models.SecurityGroupRule {
	rules := make([]models.SecurityGroupRule, 0, len(t.Rules))
	for _, r := range t.Rules {
		rules = append(rules, r.rule())
	}
	return rules
}

// Security groups of new tenants, read from the embedded yaml.
func DefaultSecurityGroups() ([]SecurityGroupTemplate, error) {
	return ParseSecurityGroupTemplates(defaultSecurityGroups)
}

// Parse a yaml list of security group templates. Unknown keys are
// rejected.
func ParseSecurityGroupTemplates(data []byte) ([]SecurityGroupTemplate, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	var templates []SecurityGroupTemplate
	if err := decoder.Decode(&templates); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse security group templates: %w", err)
	}
	names := map[string]bool{}
	for _, t := range templates {
		if t.Name == "" {
			return nil, errors.New("security group template without name")
		}
		if names[t.Name] {
			return nil, fmt.Errorf("duplicate security group template %q", t.Name)
		}
		names[t.Name] = true
		for _, r := range t.Rules {
			if r.Direction != "ingress" && r.Direction != "egress" {
				return nil, fmt.Errorf("invalid direction %q in security group template %q", r.Direction, t.Name)
			}
		}
	}
	return templates, nil
}
