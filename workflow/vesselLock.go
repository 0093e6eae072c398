package workflow

import (
	"fmt"
	"sort"

	"gorm.io/gorm"
)

// AcquireVesselLock serializes volume operations per vessel across instances
// using MySQL advisory locks. GET_LOCK is connection-scoped, so this must be
// called on the same *gorm.DB that runs the mutating transaction.
func AcquireVesselLock(tx *gorm.DB, vesselId int) error {
	lockName := fmt.Sprintf("vessel:%d", vesselId)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire vessel lock for vessel_id=%d", vesselId)
	}
	return nil
}

func ReleaseVesselLock(tx *gorm.DB, vesselId int) {
	lockName := fmt.Sprintf("vessel:%d", vesselId)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}

// AcquireVesselLocks locks a set of vessels in ascending id order so that
// concurrent racks between the same pair of vessels cannot deadlock.
func AcquireVesselLocks(tx *gorm.DB, vesselIds ...int) error {
	ids := append([]int(nil), vesselIds...)
	sort.Ints(ids)
	var acquired []int
	for i, id := range ids {
		if i > 0 && id == ids[i-1] {
			continue
		}
		if err := AcquireVesselLock(tx, id); err != nil {
			for _, a := range acquired {
				ReleaseVesselLock(tx, a)
			}
			return err
		}
		acquired = append(acquired, id)
	}
	return nil
}

func ReleaseVesselLocks(tx *gorm.DB, vesselIds ...int) {
	ids := append([]int(nil), vesselIds...)
	sort.Ints(ids)
	for i := len(ids) - 1; i >= 0; i-- {
		if i > 0 && ids[i] == ids[i-1] {
			continue
		}
		ReleaseVesselLock(tx, ids[i])
	}
}
