package syncengine

import (
	"time"
)

// merger reconciles remote records into the local store. Both the pull
// service and the realtime handler funnel through applyRemote so the
// precedence rules live in exactly one place.
type merger struct {
	backend Backend
	logger  Logger
	notify  func(EntityChange)
}

// applyRemote applies one remote record unless precedence says otherwise.
//
// An active local mutation wins over any concurrent remote version: the
// user's unsent edit must not silently disappear. The remote version is
// noted in the conflict log and reconciliation happens on a later pull,
// after the mutation completes or dies.
//
// A remote version older than the local copy is an out-of-order delivery;
// it is skipped and logged. An equal version is a redelivery and is
// skipped silently.
func (m *merger) applyRemote(rec RemoteRecord, origin string) (bool, error) {
	now := time.Now().UTC()
	if active, ok := m.backend.ActiveRecord(rec.TenantID, rec.EntityType, rec.EntityID); ok {
		conflict := ConflictRecord{
			TenantID:      rec.TenantID,
			EntityType:    rec.EntityType,
			EntityID:      rec.EntityID,
			LocalVersion:  active.CreatedAt,
			RemoteVersion: rec.UpdatedAt,
			Resolution:    ResolutionLocalKept,
			Detail:        "active local mutation " + active.ID,
			Origin:        origin,
			DetectedAt:    now,
		}
		if err := m.backend.RecordConflict(conflict); err != nil {
			return false, err
		}
		m.logger.Printf("merge: deferred remote %s/%s tenant=%s, local mutation pending", rec.EntityType, rec.EntityID, rec.TenantID)
		return false, nil
	}

	localVersion, exists, err := m.backend.EntityVersion(rec.TenantID, rec.EntityType, rec.EntityID)
	if err != nil {
		return false, err
	}
	if exists {
		if rec.UpdatedAt.Before(localVersion) {
			conflict := ConflictRecord{
				TenantID:      rec.TenantID,
				EntityType:    rec.EntityType,
				EntityID:      rec.EntityID,
				LocalVersion:  localVersion,
				RemoteVersion: rec.UpdatedAt,
				Resolution:    ResolutionStaleIgnored,
				Detail:        "out-of-order remote version",
				Origin:        origin,
				DetectedAt:    now,
			}
			if err := m.backend.RecordConflict(conflict); err != nil {
				return false, err
			}
			return false, nil
		}
		if rec.UpdatedAt.Equal(localVersion) {
			return false, nil
		}
	}

	action := ActionUpdate
	if rec.Deleted {
		action = ActionDelete
		if err := m.backend.DeleteEntity(rec.TenantID, rec.EntityType, rec.EntityID, rec.UpdatedAt); err != nil {
			return false, err
		}
	} else {
		if !exists {
			action = ActionCreate
		}
		if err := m.backend.UpsertEntity(rec.TenantID, rec.EntityType, rec.EntityID, rec.Payload, rec.UpdatedAt); err != nil {
			return false, err
		}
	}
	if m.notify != nil {
		m.notify(EntityChange{
			TenantID:   rec.TenantID,
			EntityType: rec.EntityType,
			EntityID:   rec.EntityID,
			Action:     action,
			Origin:     origin,
		})
	}
	return true, nil
}
