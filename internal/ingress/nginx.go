package ingress

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"text/template"

	"github.com/arkdeploy/ark/internal/sshx"
	"github.com/arkdeploy/ark/pkg/config"
)

var siteTemplate = template.Must(template.New("site").Parse(`# managed by ark
server {
    listen 80;
    listen [::]:80;
    server_name {{ .Domain }};

    client_max_body_size 64m;

    location / {
        proxy_pass http://127.0.0.1:{{ .HostPort }};
        proxy_http_version 1.1;
        proxy_set_header Upgrade $http_upgrade;
        proxy_set_header Connection "upgrade";
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
    }
}
`))

// RenderSite renders the server block for route.
func RenderSite(route Route) ([]byte, error) {
	domain, err := ValidateDomain(route.Domain)
	if err != nil {
		return nil, err
	}
	if domain == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidDomain)
	}
	if route.HostPort <= 0 {
		return nil, fmt.Errorf("route %s has no host port", route.Name)
	}
	route.Domain = domain
	var buf bytes.Buffer
	if err := siteTemplate.Execute(&buf, route); err != nil {
		return nil, fmt.Errorf("render nginx site: %w", err)
	}
	return buf.Bytes(), nil
}

// Nginx publishes routes as server blocks on the host's nginx.
type Nginx struct {
	sitesDir   string
	enabledDir string
	reloadCmd  string
	log        *slog.Logger
}

// NewNginx returns an Nginx provider.
func NewNginx(cfg Config, log *slog.Logger) *Nginx {
	n := &Nginx{sitesDir: cfg.SitesDir, enabledDir: cfg.EnabledDir, reloadCmd: cfg.ReloadCmd, log: log}
	if n.sitesDir == "" {
		n.sitesDir = "/etc/nginx/sites-available"
	}
	if n.enabledDir == "" {
		n.enabledDir = "/etc/nginx/sites-enabled"
	}
	if n.reloadCmd == "" {
		n.reloadCmd = "nginx -s reload"
	}
	return n
}

// Mode implements Provider.
func (*Nginx) Mode() string { return config.IngressNginx }

// Labels implements Provider; nginx needs no container labels.
func (*Nginx) Labels(Route) map[string]string { return nil }

func (n *Nginx) paths(route Route) (site, enabled, backup string) {
	name := "ark-" + route.Name + ".conf"
	site = path.Join(n.sitesDir, name)
	return site, path.Join(n.enabledDir, name), site + ".ark-bak"
}

// Apply writes the site, validates the whole nginx config and reloads. When
// validation fails the previous site file is restored, or the new one
// removed, and the nginx error is returned.
func (n *Nginx) Apply(ctx context.Context, runner sshx.Runner, route Route) error {
	if route.Domain == "" {
		return n.Remove(ctx, runner, route)
	}
	body, err := RenderSite(route)
	if err != nil {
		return err
	}
	site, enabled, backup := n.paths(route)
	q := sshx.Quote

	if _, err := runner.Run(ctx, fmt.Sprintf("if [ -f %s ]; then cp -p %s %s; else rm -f %s; fi", q(site), q(site), q(backup), q(backup))); err != nil {
		return fmt.Errorf("back up nginx site: %w", err)
	}
	if err := runner.WriteFile(ctx, site, body, 0o644); err != nil {
		return fmt.Errorf("write nginx site: %w", err)
	}
	if _, err := runner.Run(ctx, fmt.Sprintf("mkdir -p %s && ln -sf %s %s", q(n.enabledDir), q(site), q(enabled))); err != nil {
		return errors.Join(fmt.Errorf("enable nginx site: %w", err), n.restore(ctx, runner, site, enabled, backup))
	}
	if _, err := runner.Run(ctx, "nginx -t"); err != nil {
		n.log.Warn("nginx config test failed, restoring previous site", "site", site, "error", err)
		return errors.Join(fmt.Errorf("nginx config test: %w", err), n.restore(ctx, runner, site, enabled, backup))
	}
	if _, err := runner.Run(ctx, n.reloadCmd); err != nil {
		return fmt.Errorf("reload nginx: %w", err)
	}
	if _, err := runner.Run(ctx, "rm -f "+q(backup)); err != nil {
		n.log.Warn("failed to remove nginx site backup", "path", backup, "error", err)
	}
	return nil
}

func (n *Nginx) restore(ctx context.Context, runner sshx.Runner, site, enabled, backup string) error {
	q := sshx.Quote
	cmd := fmt.Sprintf("if [ -f %[3]s ]; then mv -f %[3]s %[1]s; else rm -f %[1]s %[2]s; fi", q(site), q(enabled), q(backup))
	if _, err := runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("restore nginx site: %w", err)
	}
	return nil
}

// Remove deletes the site and reloads nginx.
func (n *Nginx) Remove(ctx context.Context, runner sshx.Runner, route Route) error {
	site, enabled, backup := n.paths(route)
	q := sshx.Quote
	if _, err := runner.Run(ctx, fmt.Sprintf("rm -f %s %s %s", q(enabled), q(site), q(backup))); err != nil {
		return fmt.Errorf("remove nginx site: %w", err)
	}
	if _, err := runner.Run(ctx, "nginx -t && "+n.reloadCmd); err != nil {
		return fmt.Errorf("reload nginx: %w", err)
	}
	return nil
}
