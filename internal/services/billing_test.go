package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"storyrun-backend/internal/models"
	"storyrun-backend/internal/secrets"
)

func sealKey(t *testing.T, cipher *secrets.Cipher, store *fakeStore, owner uuid.UUID, key string) {
	t.Helper()
	sealed, err := cipher.Seal([]byte(key), []byte(owner.String()))
	require.NoError(t, err)
	store.keys[keyID(owner, ImageProviderName)] = sealed
}

func TestBillingResolver_Chain(t *testing.T) {
	cipher, err := secrets.NewCipher("test-secret-at-least-16-bytes")
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("sponsor key wins", func(t *testing.T) {
		store := newFakeStore(newFakeClock().Now)
		user, sponsor := uuid.New(), uuid.New()
		store.sponsors[user] = sponsor
		sealKey(t, cipher, store, sponsor, "sponsor-key")
		sealKey(t, cipher, store, user, "user-key")

		cred, err := NewBillingResolver(store, cipher, "system").Resolve(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, "sponsor-key", cred.APIKey)
		assert.Equal(t, models.BillingSourceSponsor, cred.Source)
		assert.Equal(t, uuid.NullUUID{UUID: sponsor, Valid: true}, cred.BillingUserID)
	})

	t.Run("sponsor without key falls through to user", func(t *testing.T) {
		store := newFakeStore(newFakeClock().Now)
		user := uuid.New()
		store.sponsors[user] = uuid.New()
		sealKey(t, cipher, store, user, "user-key")

		cred, err := NewBillingResolver(store, cipher, "system").Resolve(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, "user-key", cred.APIKey)
		assert.Equal(t, models.BillingSourceUser, cred.Source)
	})

	t.Run("key sealed for another user is treated as absent", func(t *testing.T) {
		store := newFakeStore(newFakeClock().Now)
		user := uuid.New()
		sealed, err := cipher.Seal([]byte("stolen"), []byte(uuid.New().String()))
		require.NoError(t, err)
		store.keys[keyID(user, ImageProviderName)] = sealed

		cred, err := NewBillingResolver(store, cipher, "system").Resolve(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, "system", cred.APIKey)
		assert.Equal(t, models.BillingSourceSystem, cred.Source)
		assert.False(t, cred.BillingUserID.Valid)
	})

	t.Run("no key anywhere", func(t *testing.T) {
		store := newFakeStore(newFakeClock().Now)
		_, err := NewBillingResolver(store, cipher, "").Resolve(ctx, uuid.New())
		require.Error(t, err)
		assert.True(t, models.IsKind(err, models.KindNoCredential))
		assert.Equal(t, models.CodeNoAPIKey, errCode(err))
	})
}

func TestImages_SponsorBillingIsRecorded(t *testing.T) {
	h := newHarness(t)
	sponsor := uuid.New()
	h.store.sponsors[h.user] = sponsor
	sealKey(t, h.cipher, h.store, sponsor, "sponsor-key")
	projectID := h.toImages(scene("One"))

	require.Equal(t, models.ActionGeneratedImage, h.advance(projectID).Action)
	assert.Equal(t, []string{"sponsor-key"}, h.images.keys)

	rows := h.store.ledgerRows()
	require.Len(t, rows, 1)
	assert.Equal(t, models.BillingSourceSponsor, rows[0].BillingSource)
	assert.Equal(t, sponsor, rows[0].BillingUserID.UUID)
	assert.Equal(t, h.user, rows[0].UserID)
	assert.Equal(t, ImageProviderName, rows[0].Provider)
}
