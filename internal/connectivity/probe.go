package connectivity

import (
	"context"
	"fmt"
	"net"
	"net/http"
)

// Prober performs a lightweight reachability check. Any error means offline.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// HostSignal reports whether the host has any network attached at all.
type HostSignal interface {
	NetworkAttached() bool
}

// HTTPProber issues a HEAD request against the remote store. Any HTTP
// response, including 4xx, proves the network path works.
type HTTPProber struct {
	URL    string
	APIKey string
	Client *http.Client
}

func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	if p.APIKey != "" {
		req.Header.Set("apikey", p.APIKey)
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("probe %s: status %d", p.URL, resp.StatusCode)
	}
	return nil
}

// InterfaceSignal treats the host as attached when a non-loopback interface
// is up and has at least one address.
type InterfaceSignal struct {
	interfaces func() ([]net.Interface, error)
}

func (s InterfaceSignal) NetworkAttached() bool {
	list := s.interfaces
	if list == nil {
		list = net.Interfaces
	}
	ifaces, err := list()
	if err != nil {
		// Unknown host state; let the probe decide.
		return true
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err == nil && len(addrs) > 0 {
			return true
		}
	}
	return false
}
