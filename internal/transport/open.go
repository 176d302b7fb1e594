package transport

import (
	"fmt"

	"github.com/modlink/modlink/internal/config"
)

// Open connects to the device selected by cfg.
func Open(cfg config.DeviceConfig) (Device, error) {
	switch cfg.Backend {
	case config.BackendLocal:
		return NewLocal(cfg.Root)
	case config.BackendADB, "":
		bin, err := LookupADB(cfg.ADBPath)
		if err != nil {
			return nil, err
		}
		return NewADB(bin, cfg.Serial)
	default:
		return nil, fmt.Errorf("unsupported device backend: %q", cfg.Backend)
	}
}
