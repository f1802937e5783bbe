package transport

import (
	"context"
	"fmt"

	"github.com/brutella/dnssd"
	"github.com/jochenvg/go-udev"
)

// ServiceType is the mDNS/DNS-SD service type a target advertises
// itself under.
const ServiceType = "_xcp._tcp"

// DiscoverSerialPorts enumerates local tty devices that are plausible
// XCP serial targets, using udev the way a desktop TNC application
// would enumerate candidate devices instead of requiring the user to
// already know the device path.
func DiscoverSerialPorts() ([]string, error) {
	u := udev.Udev{}
	enum := u.NewEnumerate()

	if err := enum.AddMatchSubsystem("tty"); err != nil {
		return nil, fmt.Errorf("transport: udev match: %w", err)
	}

	devices, err := enum.Devices()
	if err != nil {
		return nil, fmt.Errorf("transport: udev enumerate: %w", err)
	}

	var paths []string
	for _, d := range devices {
		if d.Devnode() == "" {
			continue
		}
		paths = append(paths, d.Devnode())
	}
	return paths, nil
}

// Advertise announces an XCP-capable TCP target on the local network
// via mDNS.
func Advertise(ctx context.Context, name string, port int) error {
	cfg := dnssd.Config{
		Name: name,
		Type: ServiceType,
		Port: port,
	}

	service, err := dnssd.NewService(cfg)
	if err != nil {
		return fmt.Errorf("transport: dnssd service: %w", err)
	}

	responder, err := dnssd.NewResponder()
	if err != nil {
		return fmt.Errorf("transport: dnssd responder: %w", err)
	}

	if _, err := responder.Add(service); err != nil {
		return fmt.Errorf("transport: dnssd add: %w", err)
	}

	return responder.Respond(ctx)
}

// DiscoveredTarget is one mDNS-advertised XCP target found by Browse.
type DiscoveredTarget struct {
	Name string
	Host string
	Port int
}

// Browse looks up every instance of ServiceType currently advertised on
// the local network, blocking until ctx is cancelled and returning
// whatever was seen.
func Browse(ctx context.Context) ([]DiscoveredTarget, error) {
	var found []DiscoveredTarget

	addFn := func(e dnssd.BrowseEntry) {
		host := ""
		if len(e.IPs) > 0 {
			host = e.IPs[0].String()
		}
		found = append(found, DiscoveredTarget{Name: e.Name, Host: host, Port: e.Port})
	}
	rmvFn := func(dnssd.BrowseEntry) {}

	if err := dnssd.LookupType(ctx, ServiceType, addFn, rmvFn); err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("transport: dnssd browse: %w", err)
	}

	return found, nil
}
