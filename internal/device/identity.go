// Package device resolves the host identity reported during authorization.
package device

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"

	"github.com/smallbiznis/appguard-agent/internal/domain"
)

// DefaultSysRoot is where the kernel exposes DMI identifiers.
const DefaultSysRoot = "/sys"

// Identity is what the device reports about itself.
type Identity struct {
	UUID     string
	Type     string
	TargetOS string
}

// Resolve returns the device identity. A non-empty override wins over the
// hardware UUID. deviceType defaults to the running OS.
func Resolve(override, deviceType string) (Identity, error) {
	return ResolveFrom(DefaultSysRoot, override, deviceType)
}

// ResolveFrom reads the hardware UUID below sysRoot.
func ResolveFrom(sysRoot, override, deviceType string) (Identity, error) {
	id := Identity{
		Type:     deviceType,
		TargetOS: runtime.GOOS,
	}
	if id.Type == "" {
		id.Type = defaultType(runtime.GOOS)
	}

	raw := strings.TrimSpace(override)
	if raw == "" {
		data, err := os.ReadFile(filepath.Join(sysRoot, "class", "dmi", "id", "product_uuid"))
		if err != nil {
			return Identity{}, fmt.Errorf("%w: %v", domain.ErrDeviceIdentity, err)
		}
		raw = strings.TrimSpace(string(data))
	}

	parsed, err := uuid.Parse(raw)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", domain.ErrDeviceIdentity, err)
	}
	id.UUID = parsed.String()
	return id, nil
}

func defaultType(goos string) string {
	switch goos {
	case "linux":
		return "Linux"
	case "darwin":
		return "MacOS"
	case "windows":
		return "Windows"
	default:
		return goos
	}
}
