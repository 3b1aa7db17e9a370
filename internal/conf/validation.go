// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package conf

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

func validateKeystone(name string, k KeystoneConfig) error {
	if k.URL == "" {
		return nil
	}
	if !strings.Contains(k.URL, "/v3") {
		return fmt.Errorf("connection %s: expected v3 Keystone URL, but got %s", name, k.URL)
	}
	// OpenStack urls should end without a slash.
	if strings.HasSuffix(k.URL, "/") {
		return fmt.Errorf("connection %s: openstack url %s should not end with a slash", name, k.URL)
	}
	return nil
}

// Check if the configuration is consistent.
func (c *Config) Validate() error {
	if err := validateKeystone("default", c.KeystoneConfig); err != nil {
		return err
	}
	seen := map[string]bool{"default": c.KeystoneConfig.URL != ""}
	for _, sc := range c.ServiceConnections {
		if sc.Name == "" {
			return errors.New("service connection without name")
		}
		if seen[sc.Name] {
			return fmt.Errorf("duplicate service connection %s", sc.Name)
		}
		seen[sc.Name] = true
		if err := validateKeystone(sc.Name, sc.KeystoneConfig); err != nil {
			return err
		}
	}
	if _, err := netip.ParsePrefix(c.ExecutorsConfig.SubnetCIDR()); err != nil {
		return fmt.Errorf("invalid default subnet cidr: %w", err)
	}
	return nil
}
