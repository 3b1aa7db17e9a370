// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cobaltcore-dev/cirrus/internal/conf"
	"github.com/cobaltcore-dev/cirrus/internal/models"
	"github.com/go-gorp/gorp"
)

// Name of the connection described by the top-level keystone config.
const DefaultConnectionName = "default"

// Write the configured service connections into the store. Existing
// records are matched by name and keep their id, so tenants stay attached
// to them.
func SeedConnections(exec gorp.SqlExecutor, config conf.Config, now time.Time) ([]models.ServiceConnection, error) {
	configs := make([]conf.ServiceConnectionConfig, 0, len(config.ServiceConnections)+1)
	if config.KeystoneConfig.URL != "" {
		configs = append(configs, conf.ServiceConnectionConfig{
			Name:           DefaultConnectionName,
			KeystoneConfig: config.KeystoneConfig,
			DomainID:       "default",
		})
	}
	configs = append(configs, config.ServiceConnections...)

	conns := make([]models.ServiceConnection, 0, len(configs))
	for _, c := range configs {
		var conn models.ServiceConnection
		err := exec.SelectOne(&conn, "SELECT * FROM service_connections WHERE name = :name", map[string]any{"name": c.Name})
		exists := err == nil
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to load service connection %s: %w", c.Name, err)
		}
		conn.Name = c.Name
		conn.AuthURL = c.URL
		conn.Username = c.OSUsername
		conn.Password = c.OSPassword
		conn.UserDomainName = c.OSUserDomainName
		conn.ProjectName = c.OSProjectName
		conn.ProjectDomainName = c.OSProjectDomainName
		conn.Availability = c.Availability
		conn.Region = c.Region
		conn.DomainID = c.DomainID
		conn.ExternalNetworkID = c.ExternalNetworkID
		conn.MaxConcurrentProvisioning = c.MaxConcurrentProvisioning
		conn.DeleteDataVolumesWithInstance = c.DeleteDataVolumesWithInstance
		conn.ReleaseFloatingIPsWithInstance = c.ReleaseFloatingIPsWithInstance
		if exists {
			conn.ModifiedAt = now
			if _, err := exec.Update(&conn); err != nil {
				return nil, fmt.Errorf("failed to update service connection %s: %w", c.Name, err)
			}
		} else {
			conn.Init(now)
			if err := exec.Insert(&conn); err != nil {
				return nil, fmt.Errorf("failed to insert service connection %s: %w", c.Name, err)
			}
		}
		slog.Info("backend: service connection configured", "name", conn.Name, "id", conn.ID, "url", conn.AuthURL)
		conns = append(conns, conn)
	}
	return conns, nil
}

// Provisioning ceiling of a connection, 0 if it has none of its own.
func (f *Factory) Ceiling(connID string) int {
	rec, err := f.ForConnection(connID)
	if err != nil {
		slog.Warn("backend: no ceiling for unknown service connection", "id", connID, "error", err)
		return 0
	}
	return rec.Conn.MaxConcurrentProvisioning
}
