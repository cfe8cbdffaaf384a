package domain

import "fmt"

// SecretKind enumerates the persisted device secrets.
type SecretKind int

const (
	SecretAppID SecretKind = iota
	SecretAppSecret
	SecretInstallationCode
)

// SecretKinds lists every kind in a stable order.
var SecretKinds = []SecretKind{SecretAppID, SecretAppSecret, SecretInstallationCode}

// Key returns the storage key of the secret.
func (k SecretKind) Key() string {
	switch k {
	case SecretAppID:
		return "app_id"
	case SecretAppSecret:
		return "app_secret"
	case SecretInstallationCode:
		return "installation_code"
	default:
		return fmt.Sprintf("secret_%d", int(k))
	}
}

func (k SecretKind) String() string {
	return k.Key()
}

// Credentials holds the device credential set.
type Credentials struct {
	AppID            string
	AppSecret        string
	InstallationCode string
}
