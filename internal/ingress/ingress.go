// Package ingress publishes project containers behind a reverse proxy,
// either through Traefik container labels or Nginx server blocks.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/arkdeploy/ark/internal/sshx"
	"github.com/arkdeploy/ark/pkg/config"
)

// ErrInvalidDomain is returned for names that are not valid hostnames.
var ErrInvalidDomain = errors.New("invalid domain")

var hostname = regexp.MustCompile(`^(?:\*\.)?(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,63}$`)

// ValidateDomain normalises and checks a domain name. Empty is allowed and
// means the project is not published.
func ValidateDomain(domain string) (string, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return "", nil
	}
	if len(domain) > 253 || !hostname.MatchString(domain) {
		return "", fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
	}
	return domain, nil
}

// Route is the public entry for one project.
type Route struct {
	Name          string
	Domain        string
	HostPort      int
	ContainerPort int
}

// Provider publishes routes.
type Provider interface {
	Mode() string
	// Labels returns container labels the proxy needs, if any.
	Labels(route Route) map[string]string
	Apply(ctx context.Context, runner sshx.Runner, route Route) error
	Remove(ctx context.Context, runner sshx.Runner, route Route) error
}

// Config selects and configures a provider.
type Config struct {
	Mode       string
	Network    string
	SitesDir   string
	EnabledDir string
	ReloadCmd  string
}

// ConfigFromAPI extracts ingress settings from the API configuration.
func ConfigFromAPI(cfg config.APIConfig) Config {
	return Config{
		Mode:       cfg.IngressMode,
		Network:    cfg.ProxyNetwork,
		SitesDir:   cfg.NginxSitesDir,
		EnabledDir: cfg.NginxEnabled,
		ReloadCmd:  cfg.NginxReloadCmd,
	}
}

// New returns the provider for cfg.Mode.
func New(cfg Config, log *slog.Logger) (Provider, error) {
	if log == nil {
		log = slog.Default()
	}
	switch cfg.Mode {
	case "", config.IngressTraefik:
		return Traefik{Network: cfg.Network}, nil
	case config.IngressNginx:
		return NewNginx(cfg, log), nil
	default:
		return nil, fmt.Errorf("unknown ingress mode %q", cfg.Mode)
	}
}

// Traefik publishes routes through labels read by the proxy container.
type Traefik struct {
	Network string
}

// Mode implements Provider.
func (Traefik) Mode() string { return config.IngressTraefik }

// RouterName returns the Traefik router name for a route.
func RouterName(route Route) string {
	return "ark-" + route.Name
}

// Labels returns the Traefik router labels, or nil when the route has no domain.
func (t Traefik) Labels(route Route) map[string]string {
	if route.Domain == "" || route.ContainerPort == 0 {
		return nil
	}
	r := RouterName(route)
	labels := map[string]string{
		"traefik.enable":                                           "true",
		"traefik.http.routers." + r + ".rule":                      fmt.Sprintf("Host(`%s`)", route.Domain),
		"traefik.http.routers." + r + ".entrypoints":               "websecure",
		"traefik.http.routers." + r + ".tls.certresolver":          "letsencrypt",
		"traefik.http.services." + r + ".loadbalancer.server.port": fmt.Sprint(route.ContainerPort),
	}
	if t.Network != "" {
		labels["traefik.docker.network"] = t.Network
	}
	return labels
}

// Apply is a no-op; Traefik picks routes up from container labels.
func (Traefik) Apply(context.Context, sshx.Runner, Route) error { return nil }

// Remove is a no-op; removing the container removes the route.
func (Traefik) Remove(context.Context, sshx.Runner, Route) error { return nil }

// MissingLabels returns the keys of want whose value differs in have, sorted.
func MissingLabels(want, have map[string]string) []string {
	var missing []string
	for k, v := range want {
		if have[k] != v {
			missing = append(missing, k)
		}
	}
	sort.Strings(missing)
	return missing
}
