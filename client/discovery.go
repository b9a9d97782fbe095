package client

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

// ServiceType is the mDNS service advertised by the development broker.
const ServiceType = "_statusync._tcp"

// DiscoveredService represents a discovered broker
type DiscoveredService struct {
	ServiceName string
	Address     string
	Port        int
	Path        string
	TXTRecords  []string
}

// Endpoint renders the messaging URL for the service.
func (s *DiscoveredService) Endpoint() string {
	path := s.Path
	if path == "" {
		path = "/ws"
	}
	return fmt.Sprintf("ws://%s:%d%s", s.Address, s.Port, path)
}

// Discover returns the first broker found on the local network.
func Discover(timeout time.Duration) (*DiscoveredService, error) {
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	entriesCh := make(chan *mdns.ServiceEntry, 4)

	params := mdns.DefaultParams(ServiceType)
	params.Entries = entriesCh
	params.Timeout = timeout
	params.DisableIPv6 = true

	go func() {
		defer close(entriesCh)
		if err := mdns.Query(params); err != nil {
			slog.Debug("mDNS query failed", "error", err)
		}
	}()

	select {
	case entry := <-entriesCh:
		if entry == nil {
			return nil, fmt.Errorf("no %s service found", ServiceType)
		}

		var address string
		if entry.AddrV4 != nil {
			address = entry.AddrV4.String()
		} else if entry.AddrV6 != nil {
			address = fmt.Sprintf("[%s]", entry.AddrV6.String())
		} else {
			return nil, fmt.Errorf("no valid address found for service")
		}

		service := &DiscoveredService{
			ServiceName: entry.Name,
			Address:     address,
			Port:        entry.Port,
			Path:        txtValue(entry.InfoFields, "path"),
			TXTRecords:  entry.InfoFields,
		}

		slog.Info("Discovered statusync broker",
			"service_name", service.ServiceName,
			"address", service.Address,
			"port", service.Port,
			"path", service.Path,
		)

		return service, nil

	case <-time.After(timeout):
		return nil, fmt.Errorf("mDNS discovery timeout for %s", ServiceType)
	}
}

func txtValue(fields []string, key string) string {
	for _, f := range fields {
		if v, ok := strings.CutPrefix(f, key+"="); ok {
			return v
		}
	}
	return ""
}
