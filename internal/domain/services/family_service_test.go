package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sangzi-care-service/internal/domain/escalation"
	"sangzi-care-service/internal/domain/models"
)

func TestFamilyServiceCreateBind(t *testing.T) {
	db := newTestDB(t)
	svc := NewFamilyService(db, newTestConfig())
	elder := createUser(t, db, "13800000000", models.UserRoleElder)
	daughter := createUser(t, db, "13800000001", models.UserRoleFamily)

	t.Run("should create a pending bind by default", func(t *testing.T) {
		bind := &models.FamilyBind{ElderID: elder.ID, FamilyID: daughter.ID, Relationship: "女儿"}
		require.NoError(t, svc.CreateBind(bind))
		assert.NotZero(t, bind.ID)
		assert.Equal(t, models.BindStatusPending, bind.Status)
	})

	t.Run("should reject a duplicate bind", func(t *testing.T) {
		err := svc.CreateBind(&models.FamilyBind{ElderID: elder.ID, FamilyID: daughter.ID})
		assert.ErrorIs(t, err, ErrBindAlreadyExists)
	})

	t.Run("should reject binding to self", func(t *testing.T) {
		err := svc.CreateBind(&models.FamilyBind{ElderID: elder.ID, FamilyID: elder.ID})
		assert.ErrorIs(t, err, ErrBindSelf)
	})

	t.Run("should reject unknown users", func(t *testing.T) {
		err := svc.CreateBind(&models.FamilyBind{ElderID: elder.ID, FamilyID: 999})
		assert.ErrorIs(t, err, ErrUserNotFound)
	})

	t.Run("should reject invalid status", func(t *testing.T) {
		son := createUser(t, db, "13800000002", models.UserRoleFamily)
		err := svc.CreateBind(&models.FamilyBind{ElderID: elder.ID, FamilyID: son.ID, Status: "friend"})
		assert.ErrorIs(t, err, ErrInvalidBindStatus)
	})
}

func TestFamilyServiceUpdateAndUnbind(t *testing.T) {
	db := newTestDB(t)
	svc := NewFamilyService(db, newTestConfig())
	elder := createUser(t, db, "13800000000", models.UserRoleElder)
	daughter := createUser(t, db, "13800000001", models.UserRoleFamily)
	bind := createBind(t, db, elder, daughter, models.BindStatusPending, false, 0)

	t.Run("should update permitted fields only", func(t *testing.T) {
		updated, err := svc.UpdateBind(bind.ID, map[string]interface{}{
			"status":                "active",
			"can_receive_emergency": true,
			"priority":              5,
			"elder_id":              12345,
		})
		require.NoError(t, err)
		assert.Equal(t, models.BindStatusActive, updated.Status)
		assert.True(t, updated.CanReceiveEmergency)
		assert.Equal(t, 5, updated.Priority)
		assert.Equal(t, elder.ID, updated.ElderID)
		require.NotNil(t, updated.Family)
		assert.Equal(t, daughter.Phone, updated.Family.Phone)
	})

	t.Run("should reject invalid status", func(t *testing.T) {
		_, err := svc.UpdateBind(bind.ID, map[string]interface{}{"status": "married"})
		assert.ErrorIs(t, err, ErrInvalidBindStatus)
	})

	t.Run("should report missing bind", func(t *testing.T) {
		_, err := svc.UpdateBind(999, map[string]interface{}{"priority": 1})
		assert.ErrorIs(t, err, ErrBindNotFound)
	})

	t.Run("should hide unbound relations from listing", func(t *testing.T) {
		binds, err := svc.ListBinds(daughter.ID)
		require.NoError(t, err)
		require.Len(t, binds, 1)
		assert.True(t, svc.IsActiveFamily(daughter.ID, elder.ID))

		require.NoError(t, svc.Unbind(bind.ID))

		binds, err = svc.ListBinds(elder.ID)
		require.NoError(t, err)
		assert.Empty(t, binds)
		assert.False(t, svc.IsActiveFamily(daughter.ID, elder.ID))
	})
}

func TestFamilyServiceEmergencyContacts(t *testing.T) {
	db := newTestDB(t)
	svc := NewFamilyService(db, newTestConfig())
	elder := createUser(t, db, "13800000000", models.UserRoleElder)
	pending := createUser(t, db, "13800000001", models.UserRoleFamily)
	silent := createUser(t, db, "13800000002", models.UserRoleFamily)
	first := createUser(t, db, "13800000003", models.UserRoleFamily)
	second := createUser(t, db, "13800000004", models.UserRoleFamily)
	gone := createUser(t, db, "13800000005", models.UserRoleFamily)

	createBind(t, db, elder, pending, models.BindStatusPending, true, 9)
	createBind(t, db, elder, silent, models.BindStatusActive, false, 8)
	createBind(t, db, elder, first, models.BindStatusActive, true, 5)
	createBind(t, db, elder, second, models.BindStatusActive, true, 5)
	createBind(t, db, elder, gone, models.BindStatusUnbound, true, 10)

	t.Run("should list contacts in directory order", func(t *testing.T) {
		contacts := svc.EmergencyContacts(elder.ID)

		require.Len(t, contacts, 4)
		assert.Equal(t, pending.Phone, contacts[0].PhoneNumber)
		assert.False(t, contacts[0].IsActiveBind)
		assert.Equal(t, silent.Phone, contacts[1].PhoneNumber)
		assert.False(t, contacts[1].CanReceiveEmergencyAlerts)
		assert.Equal(t, first.Phone, contacts[2].PhoneNumber)
		assert.Equal(t, second.Phone, contacts[3].PhoneNumber)
	})

	t.Run("should resolve the first eligible contact", func(t *testing.T) {
		number, found := escalation.ResolveContact(svc.Directory(elder.ID).EmergencyContacts())
		assert.True(t, found)
		assert.Equal(t, first.Phone, number)
	})

	t.Run("should return no contacts when the query fails", func(t *testing.T) {
		sqlDB, err := db.DB()
		require.NoError(t, err)
		require.NoError(t, sqlDB.Close())

		assert.Empty(t, svc.EmergencyContacts(elder.ID))
	})
}

func TestFamilyServiceFindUserByPhone(t *testing.T) {
	db := newTestDB(t)
	svc := NewFamilyService(db, newTestConfig())
	elder := createUser(t, db, "13800000000", models.UserRoleElder)

	user, err := svc.FindUserByPhone("13800000000")
	require.NoError(t, err)
	assert.Equal(t, elder.ID, user.ID)

	_, err = svc.FindUserByPhone("13999999999")
	assert.ErrorIs(t, err, ErrUserNotFound)
}
