// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/cobaltcore-dev/cirrus/internal/events"
	"github.com/cobaltcore-dev/cirrus/internal/models"
	"github.com/cobaltcore-dev/cirrus/internal/openstack"
	"github.com/go-gorp/gorp"
)

func (r *Reconciler) CreateFloatingIP(ctx context.Context, tenant models.Tenant, fip *models.FloatingIP) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	networkID := fip.BackendNetworkID
	if networkID == "" {
		networkID = r.externalNetworkID(tenant)
	}
	remote, err := clients.Network.CreateFloatingIP(ctx, openstack.FloatingIPSpec{
		FloatingNetworkID: networkID,
		ProjectID:         tenant.BackendID,
		Description:       fip.Description,
	})
	if err != nil {
		return r.failed("create_floating_ip", err)
	}
	fip.BackendID = remote.ID
	applyFloatingIP(newChanges(fip), fip, remote, nil)
	if err := r.save(fip); err != nil {
		return err
	}
	r.emit(r.event(events.Created, fip, nil))
	return nil
}

// Copy remote fields. The name follows the address unless the user gave
// the floating ip a name of its own. ports maps backend to local port ids.
func applyFloatingIP(c *changes, local *models.FloatingIP, remote openstack.FloatingIP, ports map[string]string) []string {
	if local.Name == "" || local.Name == local.Address {
		if local.Name != remote.Address {
			local.Name = remote.Address
			c.columns = append(c.columns, "name")
		}
	}
	set(c, "address", &local.Address, remote.Address)
	set(c, "backend_network_id", &local.BackendNetworkID, remote.FloatingNetworkID)
	set(c, "runtime_state", &local.RuntimeState, remote.Status)
	if ports != nil {
		set(c, "port_id", &local.PortID, ports[remote.PortID])
	}
	return c.columns
}

func (r *Reconciler) DeleteFloatingIP(ctx context.Context, tenant models.Tenant, fip *models.FloatingIP) error {
	if fip.BackendID == "" {
		return nil
	}
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	if err := clients.Network.DeleteFloatingIP(ctx, fip.BackendID); err != nil && !openstack.IsNotFound(err) {
		return r.failed("delete_floating_ip", err)
	}
	return nil
}

// Release every floating ip of the tenant project.
func (r *Reconciler) DeleteFloatingIPs(ctx context.Context, tenant models.Tenant) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	remotes, err := clients.Network.ListFloatingIPs(ctx, tenant.BackendID)
	if err != nil {
		return r.failed("list_floating_ips", err)
	}
	for _, fip := range remotes {
		if err := clients.Network.DeleteFloatingIP(ctx, fip.ID); err != nil && !openstack.IsNotFound(err) {
			return r.failed("delete_floating_ip", err)
		}
	}
	return nil
}

func (r *Reconciler) IsFloatingIPDeleted(ctx context.Context, tenant models.Tenant, fip models.FloatingIP) openstack.Probe {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return openstack.Probe{Result: openstack.ProbeError, Err: err}
	}
	return openstack.ProbeWith(ctx, fip.BackendID, clients.Network.GetFloatingIP)
}

// Associate the floating ip with a port and clear its booking.
func (r *Reconciler) AssociateFloatingIP(ctx context.Context, tenant models.Tenant, fip *models.FloatingIP, port models.Port) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	remote, err := clients.Network.SetFloatingIPPort(ctx, fip.BackendID, port.BackendID)
	if err != nil {
		return r.failed("associate_floating_ip", err)
	}
	applyFloatingIP(newChanges(fip), fip, remote, nil)
	fip.PortID = port.ID
	fip.BookedBy = ""
	fip.BookedUntil = time.Time{}
	if err := r.save(fip); err != nil {
		return err
	}
	r.emit(r.event(events.Updated, fip, map[string]any{"port_id": port.ID}))
	return nil
}

func (r *Reconciler) DisassociateFloatingIP(ctx context.Context, tenant models.Tenant, fip *models.FloatingIP) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	remote, err := clients.Network.SetFloatingIPPort(ctx, fip.BackendID, "")
	if err != nil && !openstack.IsNotFound(err) {
		return r.failed("disassociate_floating_ip", err)
	}
	if err == nil {
		applyFloatingIP(newChanges(fip), fip, remote, nil)
	}
	fip.PortID = ""
	if err := r.save(fip); err != nil {
		return err
	}
	r.emit(r.event(events.Updated, fip, map[string]any{"port_id": ""}))
	return nil
}

// Pull the runtime state of one floating ip.
func (r *Reconciler) PullFloatingIP(ctx context.Context, tenant models.Tenant, fip *models.FloatingIP) (string, error) {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return "", err
	}
	remote, err := clients.Network.GetFloatingIP(ctx, fip.BackendID)
	if err != nil {
		return "", r.failed("pull_floating_ip", err)
	}
	if fip.RuntimeState != remote.Status {
		fip.RuntimeState = remote.Status
		if err := r.save(fip); err != nil {
			return "", err
		}
	}
	return remote.Status, nil
}

// Pull the floating ips of the tenant. Floating ips booked by an instance
// creation are left alone until the booking expires.
func (r *Reconciler) PullFloatingIPs(ctx context.Context, tenant models.Tenant) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	remotes, err := clients.Network.ListFloatingIPs(ctx, tenant.BackendID)
	if err != nil {
		return r.failed("pull_floating_ips", err)
	}
	now := r.now()
	return r.inTransaction(func(tx *gorp.Transaction) ([]events.Event, error) {
		ports, err := backendIDs(tx, "ports", tenant.ID)
		if err != nil {
			return nil, err
		}
		locals, err := selectTenant[models.FloatingIP](tx, "floating_ips", tenant.ID)
		if err != nil {
			return nil, err
		}
		return reconcile(r, tx, reconcileSpec[*models.FloatingIP, openstack.FloatingIP]{
			kind:     models.KindFloatingIP,
			locals:   locals,
			remotes:  remotes,
			remoteID: func(f openstack.FloatingIP) string { return f.ID },
			match: func(l *models.FloatingIP, f openstack.FloatingIP) bool {
				return l.Address != "" && l.Address == f.Address
			},
			newLocal: func(f openstack.FloatingIP) (*models.FloatingIP, error) {
				local := &models.FloatingIP{TenantRef: models.TenantRef{TenantID: tenant.ID}, Description: f.Description}
				local.Init(r.now())
				applyFloatingIP(newChanges(local), local, f, ports)
				return local, nil
			},
			skip: func(l *models.FloatingIP, _ openstack.FloatingIP) bool {
				return l.IsBooked(now)
			},
			update: func(l *models.FloatingIP, f openstack.FloatingIP) []string {
				c := newChanges(l)
				if l.BookedBy != "" {
					l.BookedBy, l.BookedUntil = "", time.Time{}
					c.columns = append(c.columns, "booked_by")
				}
				return applyFloatingIP(c, l, f, ports)
			},
		})
	})
}

func (r *Reconciler) GetImportableFloatingIPs(ctx context.Context, tenant models.Tenant) ([]openstack.FloatingIP, error) {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return nil, err
	}
	remotes, err := clients.Network.ListFloatingIPs(ctx, tenant.BackendID)
	if err != nil {
		return nil, r.failed("list_floating_ips", err)
	}
	locals, err := selectTenant[models.FloatingIP](r.DB, "floating_ips", tenant.ID)
	if err != nil {
		return nil, err
	}
	return importable(locals, remotes, func(f openstack.FloatingIP) string { return f.ID }), nil
}

// Reserve floating ips for an instance creation. Floating ips that are
// associated or booked by another instance are rejected.
func BookFloatingIPs(exec gorp.SqlExecutor, instanceID string, fipIDs []string, until, now time.Time) error {
	for _, id := range fipIDs {
		result, err := exec.Exec(`UPDATE floating_ips SET booked_by = :instance, booked_until = :until
			WHERE id = :id AND port_id = '' AND (booked_by = '' OR booked_by = :instance OR booked_until < :now)`,
			map[string]any{"instance": instanceID, "until": until, "id": id, "now": now})
		if err != nil {
			return fmt.Errorf("failed to book floating ip %s: %w", id, err)
		}
		if n, err := result.RowsAffected(); err != nil {
			return err
		} else if n != 1 {
			return invalid("floating ip %s is not available", id)
		}
	}
	return nil
}

// Drop all bookings of an instance, e.g. after its creation failed.
func ReleaseBookings(exec gorp.SqlExecutor, instanceID string) error {
	_, err := exec.Exec("UPDATE floating_ips SET booked_by = '', booked_until = :zero WHERE booked_by = :instance",
		map[string]any{"instance": instanceID, "zero": time.Time{}})
	if err != nil {
		return fmt.Errorf("failed to release floating ip bookings of instance %s: %w", instanceID, err)
	}
	return nil
}
