package store

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"chatgateway/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	// 每个连接都会得到一个独立的内存库，这里固定为单连接。
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, gdb.AutoMigrate(&models.User{}, &models.Message{}, &models.RefreshToken{}))
	return gdb
}

func TestGormStore_ResolveIdentity(t *testing.T) {
	gdb := newTestDB(t)
	s := NewGormStore(gdb)
	ctx := context.Background()

	alice := models.User{PublicID: "p1", Username: "Alice", Email: "alice@example.com", PasswordHash: "x"}
	require.NoError(t, gdb.Create(&alice).Error)

	ident, err := s.ResolveIdentity(ctx, strconv.FormatUint(uint64(alice.ID), 10))
	require.NoError(t, err)
	assert.Equal(t, models.Identity{PublicID: "p1", DisplayName: "Alice", Email: "alice@example.com"}, ident)

	_, err = s.ResolveIdentity(ctx, "9999")
	assert.True(t, errors.Is(err, ErrIdentityNotFound))

	for _, bad := range []string{"", "abc", "0", "-1"} {
		_, err = s.ResolveIdentity(ctx, bad)
		assert.Truef(t, errors.Is(err, ErrInvalidSubject), "subject %q: %v", bad, err)
	}
}

func TestGormStore_FindByPublicID(t *testing.T) {
	gdb := newTestDB(t)
	s := NewGormStore(gdb)
	require.NoError(t, gdb.Create(&models.User{PublicID: "p2", Username: "Bob", Email: "bob@example.com", PasswordHash: "x"}).Error)

	ident, err := s.FindByPublicID(context.Background(), "p2")
	require.NoError(t, err)
	assert.Equal(t, "Bob", ident.DisplayName)

	_, err = s.FindByPublicID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrIdentityNotFound)
}

func TestGormStore_SaveAndListMessages(t *testing.T) {
	s := NewGormStore(newTestDB(t))
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := s.SaveMessage(ctx, models.Message{
			Room:              "general",
			SenderPublicID:    "p1",
			SenderDisplayName: "Alice",
			Body:              "msg" + strconv.Itoa(i),
			CreatedAt:         base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	_, err := s.SaveMessage(ctx, models.Message{Room: "random", SenderPublicID: "p1", Body: "elsewhere", CreatedAt: base})
	require.NoError(t, err)

	assert.NotEqual(t, ids[0], ids[1], "generated ids must be unique")

	msgs, err := s.ListMessages(ctx, "general", 3, time.Time{})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"msg2", "msg3", "msg4"}, bodies(msgs))

	older, err := s.ListMessages(ctx, "general", 10, msgs[0].CreatedAt)
	require.NoError(t, err)
	assert.Equal(t, []string{"msg0", "msg1"}, bodies(older))

	empty, err := s.ListMessages(ctx, "nobody-here", 10, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func bodies(msgs []models.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Body)
	}
	return out
}

func TestGormStore_Accounts(t *testing.T) {
	s := NewGormStore(newTestDB(t))
	ctx := context.Background()

	acc, err := s.CreateAccount(ctx, "Alice", "alice@example.com", "hash")
	require.NoError(t, err)
	assert.Len(t, acc.Identity.PublicID, 21)
	assert.Equal(t, "Alice", acc.Identity.DisplayName)

	_, err = s.CreateAccount(ctx, "Alice2", "alice@example.com", "hash")
	assert.ErrorIs(t, err, ErrEmailTaken)

	found, err := s.FindAccountByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, acc, found)

	ident, err := s.ResolveIdentity(ctx, acc.Subject)
	require.NoError(t, err)
	assert.Equal(t, acc.Identity, ident)

	_, err = s.FindAccountByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, ErrIdentityNotFound)
}
