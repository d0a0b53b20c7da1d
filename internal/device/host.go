package device

import (
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmaio/internal/rdmaerr"
)

// The host-level device registry. Simulated devices register themselves by
// name; a hardware binding would populate the same registry at init.
var (
	registryMu sync.Mutex
	registry   = map[string]func() Device{
		"rdmasim0": func() Device { return NewSimulated("rdmasim0") },
	}
)

// Register adds a device factory under a name. Later registrations replace
// earlier ones.
func Register(name string, open func() Device) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = open
}

// List returns the names of the devices available on this host.
func List() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// Open discovers and opens a device by name.
func Open(name string) (Device, error) {
	registryMu.Lock()
	open, ok := registry[name]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: device %q not found", rdmaerr.ErrInvalidArgument, name)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	dev := open()
	log.Info().Str("host", hostname).Str("device", dev.Name()).Msg("opened RDMA device")
	return dev, nil
}
