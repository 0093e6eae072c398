package models

import (
	"log"

	"bitbucket.org/orchardledger/cellar_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Organization{}, &OrganizationSettings{},
		&Vessel{}, &Batch{},
		&CompositionEntry{}, &Measurement{}, &Additive{}, &AdditivePurchaseItem{},
		&MergeHistory{}, &BatchTransfer{}, &RackingOperation{}, &FilterOperation{}, &PackagingOperation{},
		&JuicePurchaseItem{}, &PressRun{},
		&ActivityLog{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
