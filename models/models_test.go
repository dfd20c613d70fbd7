package models

import (
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	return db
}

func TestOnchainPolicyIDIsUnique(t *testing.T) {
	db := setupDB(t)

	onchainID := uint64(7)
	first := Policy{ID: uuid.New(), OnchainPolicyID: &onchainID, Status: PolicyActive, Source: SourceAPI}
	require.NoError(t, db.Create(&first).Error)

	dup := Policy{ID: uuid.New(), OnchainPolicyID: &onchainID, Status: PolicyActive, Source: SourceOnChain}
	require.Error(t, db.Create(&dup).Error)

	// Rows without an assigned on-chain identifier do not collide.
	second := Policy{ID: uuid.New(), Status: PolicyPendingOnChain, Source: SourceAPI}
	third := Policy{ID: uuid.New(), Status: PolicyPendingOnChain, Source: SourceAPI}
	require.NoError(t, db.Create(&second).Error)
	require.NoError(t, db.Create(&third).Error)
}

func TestCheckpointRoundTrip(t *testing.T) {
	db := setupDB(t)

	require.NoError(t, db.Create(&ReconCheckpoint{Name: CheckpointName, LastBlock: 42}).Error)

	var cp ReconCheckpoint
	require.NoError(t, db.First(&cp, "name = ?", CheckpointName).Error)
	require.Equal(t, uint64(42), cp.LastBlock)

	cp.LastBlock = 100
	require.NoError(t, db.Save(&cp).Error)

	var count int64
	require.NoError(t, db.Model(&ReconCheckpoint{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestProviderDIDIsUnique(t *testing.T) {
	db := setupDB(t)

	require.NoError(t, db.Create(&Provider{ID: uuid.New(), DID: "did:example:prov", Status: ProviderPending}).Error)
	require.Error(t, db.Create(&Provider{ID: uuid.New(), DID: "did:example:prov", Status: ProviderPending}).Error)
}
