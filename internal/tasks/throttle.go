// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"fmt"
	"log/slog"

	"github.com/cobaltcore-dev/cirrus/internal/models"
	"github.com/go-gorp/gorp"
)

func (r *Runner) ceiling(connID string) int {
	if r.Ceiling != nil {
		if n := r.Ceiling(connID); n > 0 {
			return n
		}
	}
	return r.Config.ProvisioningCeiling()
}

// Take a provisioning slot of the chain's service connection if one is
// free. The slot is held until the chain finishes.
func (r *Runner) admit(chain *Chain) (bool, error) {
	if chain.Provisioning {
		return true, nil
	}
	ceiling := r.ceiling(chain.ServiceConnectionID)
	admitted := false
	var inFlight int64
	err := r.DB.InTransaction(func(tx *gorp.Transaction) error {
		// Locks the connection row, so that admissions of one connection
		// are serialized across workers.
		_, err := tx.Exec("UPDATE "+models.ServiceConnection{}.TableName()+" SET modified_at = modified_at WHERE id = :id",
			map[string]any{"id": chain.ServiceConnectionID})
		if err != nil {
			return fmt.Errorf("failed to lock service connection %s: %w", chain.ServiceConnectionID, err)
		}
		inFlight, err = tx.SelectInt(`SELECT COUNT(*) FROM task_chains
			WHERE service_connection_id = :conn AND provisioning = :yes AND id <> :id`,
			map[string]any{"conn": chain.ServiceConnectionID, "yes": true, "id": chain.ID})
		if err != nil {
			return fmt.Errorf("failed to count provisioning chains: %w", err)
		}
		if inFlight >= int64(ceiling) {
			return nil
		}
		if _, err := tx.Exec("UPDATE task_chains SET provisioning = :yes WHERE id = :id",
			map[string]any{"yes": true, "id": chain.ID}); err != nil {
			return fmt.Errorf("failed to admit chain %s: %w", chain.ID, err)
		}
		admitted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if !admitted {
		r.monitor.deferred(chain.ServiceConnectionID)
		slog.Info("tasks: provisioning ceiling reached, deferring chain",
			"chain", chain.Name, "id", chain.ID, "connection", chain.ServiceConnectionID, "in_flight", inFlight, "ceiling", ceiling)
		return false, nil
	}
	chain.Provisioning = true
	return true, nil
}
