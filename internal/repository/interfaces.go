package repository

import (
	"context"

	"github.com/smallbiznis/appguard-agent/internal/domain"
)

// SecretStore persists the device secrets. Implementations only need to
// guarantee read-after-write within a single process.
type SecretStore interface {
	// Init prepares the backing store. It is idempotent.
	Init(ctx context.Context) error
	// Get returns the stored value and whether it exists.
	Get(ctx context.Context, kind domain.SecretKind) (string, bool, error)
	Set(ctx context.Context, kind domain.SecretKind, value string) error
	// Delete removes the value. Deleting a missing secret is not an error.
	Delete(ctx context.Context, kind domain.SecretKind) error
}

// LoadCredentials reads every secret, leaving missing ones empty.
func LoadCredentials(ctx context.Context, store SecretStore) (domain.Credentials, error) {
	var creds domain.Credentials
	targets := map[domain.SecretKind]*string{
		domain.SecretAppID:            &creds.AppID,
		domain.SecretAppSecret:        &creds.AppSecret,
		domain.SecretInstallationCode: &creds.InstallationCode,
	}
	for kind, target := range targets {
		value, _, err := store.Get(ctx, kind)
		if err != nil {
			return domain.Credentials{}, err
		}
		*target = value
	}
	return creds, nil
}
