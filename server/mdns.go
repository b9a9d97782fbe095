package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hashicorp/mdns"
)

const serviceType = "_statusync._tcp"

// Advertise announces the messaging endpoint on the local network until ctx
// ends.
func Advertise(ctx context.Context, instance string, port int, path string) error {
	svc, err := mdns.NewMDNSService(instance, serviceType, "", "", port, nil, []string{"path=" + path})
	if err != nil {
		return fmt.Errorf("failed to describe mDNS service: %w", err)
	}

	srv, err := mdns.NewServer(&mdns.Config{Zone: svc})
	if err != nil {
		return fmt.Errorf("failed to start mDNS server: %w", err)
	}
	slog.Info("Advertising statusync broker", "instance", instance, "service", serviceType, "port", port, "path", path)

	<-ctx.Done()
	return srv.Shutdown()
}
