package services

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"storyrun-backend/internal/models"
)

// ImageProviderName keys stored credentials and ledger rows for image calls.
const ImageProviderName = "image"

// Credential is the API key a provider call is billed to.
type Credential struct {
	APIKey        string
	Source        models.BillingSource
	BillingUserID uuid.NullUUID
}

type keyOpener interface {
	Open(sealed, associated []byte) ([]byte, error)
}

// BillingResolver picks the key for a user: their sponsor's key, then their
// own key, then the system key.
type BillingResolver struct {
	keys      KeyStore
	cipher    keyOpener
	systemKey string
	provider  string
}

func NewBillingResolver(keys KeyStore, cipher keyOpener, systemKey string) *BillingResolver {
	return &BillingResolver{keys: keys, cipher: cipher, systemKey: systemKey, provider: ImageProviderName}
}

func (b *BillingResolver) Resolve(ctx context.Context, userID uuid.UUID) (*Credential, error) {
	sponsorID, sponsored, err := b.keys.GetSponsor(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up sponsor: %w", err)
	}
	if sponsored {
		key, ok, err := b.storedKey(ctx, sponsorID)
		if err != nil {
			return nil, err
		}
		if ok {
			return &Credential{
				APIKey:        key,
				Source:        models.BillingSourceSponsor,
				BillingUserID: uuid.NullUUID{UUID: sponsorID, Valid: true},
			}, nil
		}
		log.Printf("[billing] sponsor %s of user %s has no %s key, falling through", sponsorID, userID, b.provider)
	}

	key, ok, err := b.storedKey(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ok {
		return &Credential{
			APIKey:        key,
			Source:        models.BillingSourceUser,
			BillingUserID: uuid.NullUUID{UUID: userID, Valid: true},
		}, nil
	}

	if b.systemKey != "" {
		return &Credential{APIKey: b.systemKey, Source: models.BillingSourceSystem}, nil
	}

	return nil, models.NewNoCredentialError("no image provider API key is available for this user")
}

func (b *BillingResolver) storedKey(ctx context.Context, userID uuid.UUID) (string, bool, error) {
	sealed, ok, err := b.keys.GetEncryptedKey(ctx, userID, b.provider)
	if err != nil {
		return "", false, fmt.Errorf("failed to load stored key: %w", err)
	}
	if !ok || len(sealed) == 0 {
		return "", false, nil
	}
	plain, err := b.cipher.Open(sealed, []byte(userID.String()))
	if err != nil {
		// An undecryptable key is treated as absent so the chain continues.
		log.Printf("[billing] stored %s key for user %s cannot be decrypted: %v", b.provider, userID, err)
		return "", false, nil
	}
	return string(plain), true, nil
}
