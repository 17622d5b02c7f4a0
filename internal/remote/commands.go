package remote

import (
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/arkdeploy/ark/internal/sshx"
)

var q = sshx.Quote

// RunSpec describes a detached container.
type RunSpec struct {
	Name          string
	Image         string
	Env           map[string]string
	Labels        map[string]string
	BindHost      string
	HostPort      int
	ContainerPort int
	ExtraPorts    []string
	Network       string
	Volumes       []string
	Restart       string
	Args          []string
}

// DockerRun renders `docker run -d` for spec. Env and labels are sorted so
// the command is stable across runs.
func DockerRun(spec RunSpec) string {
	var b strings.Builder
	b.WriteString("docker run -d --name ")
	b.WriteString(q(spec.Name))
	restart := spec.Restart
	if restart == "" {
		restart = "unless-stopped"
	}
	b.WriteString(" --restart " + q(restart))
	if spec.Network != "" {
		b.WriteString(" --network " + q(spec.Network))
	}
	if spec.HostPort > 0 && spec.ContainerPort > 0 {
		binding := fmt.Sprintf("%d:%d", spec.HostPort, spec.ContainerPort)
		if spec.BindHost != "" {
			binding = spec.BindHost + ":" + binding
		}
		b.WriteString(" -p " + q(binding))
	}
	for _, p := range spec.ExtraPorts {
		b.WriteString(" -p " + q(p))
	}
	for _, k := range sortedKeys(spec.Env) {
		b.WriteString(" -e " + q(k+"="+spec.Env[k]))
	}
	for _, k := range sortedKeys(spec.Labels) {
		b.WriteString(" --label " + q(k+"="+spec.Labels[k]))
	}
	for _, v := range spec.Volumes {
		b.WriteString(" -v " + q(v))
	}
	b.WriteString(" " + q(spec.Image))
	for _, arg := range spec.Args {
		b.WriteString(" " + q(arg))
	}
	return b.String()
}

// DockerRemove force-removes a container.
func DockerRemove(ref string) string {
	return "docker rm -f " + q(ref)
}

// DockerVolumeRemove deletes a named volume if it exists.
func DockerVolumeRemove(name string) string {
	return "docker volume rm -f " + q(name)
}

// DockerImages lists local images as repository:tag, one per line.
func DockerImages() string {
	return "docker images --format '{{.Repository}}:{{.Tag}}'"
}

// ParseImages turns DockerImages output into a set.
func ParseImages(out string) map[string]bool {
	images := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" && !strings.Contains(line, "<none>") {
			images[line] = true
		}
	}
	return images
}

// DockerStart starts a stopped container.
func DockerStart(ref string) string {
	return "docker start " + q(ref)
}

// DockerBuild builds dir into image.
func DockerBuild(dir, image string) string {
	return fmt.Sprintf("docker build -t %s %s", q(image), q(dir))
}

// DockerVersion prints the server version of the Docker daemon.
func DockerVersion() string {
	return "docker version --format '{{.Server.Version}}'"
}

// DockerExists exits non-zero when the docker CLI is missing.
func DockerExists() string {
	return "command -v docker"
}

// EnsureNetwork creates a bridge network if it does not exist.
func EnsureNetwork(name string) string {
	return fmt.Sprintf("docker network inspect %s >/dev/null 2>&1 || docker network create %s", q(name), q(name))
}

// ConnectNetwork attaches a container to a network, ignoring existing attachments.
func ConnectNetwork(network, container string) string {
	return fmt.Sprintf("docker network connect %s %s 2>/dev/null || true", q(network), q(container))
}

// DockerLogs tails a container's logs.
func DockerLogs(ref string, tail int) string {
	if tail <= 0 {
		tail = 200
	}
	return fmt.Sprintf("docker logs --tail %d %s", tail, q(ref))
}

// GitSync clones url into dir, or fast-forwards an existing checkout to
// the tip of branch.
func GitSync(dir, url, branch string) string {
	if branch == "" {
		branch = "main"
	}
	return fmt.Sprintf(
		"export GIT_TERMINAL_PROMPT=0; if [ -d %[1]s/.git ]; then git -C %[1]s remote set-url origin %[2]s && git -C %[1]s fetch --depth 1 origin %[3]s && git -C %[1]s reset --hard FETCH_HEAD && git -C %[1]s clean -fd; else mkdir -p %[4]s && rm -rf %[1]s && git clone --depth 1 --branch %[3]s %[2]s %[1]s; fi",
		q(dir), q(url), q(branch), q(path.Dir(dir)),
	)
}

// GitHead prints the short commit of a checkout.
func GitHead(dir string) string {
	return "git -C " + q(dir) + " rev-parse --short HEAD"
}

// RemoveDir deletes an application directory.
func RemoveDir(dir string) string {
	return "rm -rf " + q(dir)
}

// FileSize prints the size of a file in bytes.
func FileSize(file string) string {
	return "stat -c %s " + q(file)
}

// ListeningPorts prints TCP ports bound on the host, one per line.
func ListeningPorts() string {
	return `ss -Htln | awk '{print $4}' | sed 's/.*://' | sort -un`
}

// ParsePorts parses newline separated port numbers, skipping junk.
func ParsePorts(out string) []int {
	var ports []int
	for _, line := range strings.Split(out, "\n") {
		if n, err := strconv.Atoi(strings.TrimSpace(line)); err == nil && n > 0 {
			ports = append(ports, n)
		}
	}
	return ports
}

// TraefikOptions configures the shared reverse proxy container.
type TraefikOptions struct {
	Image     string
	Network   string
	ACMEEmail string
}

// TraefikSpec returns the run spec of the proxy container.
func TraefikSpec(opts TraefikOptions) RunSpec {
	image := opts.Image
	if image == "" {
		image = "traefik:v2.11"
	}
	args := []string{
		"--providers.docker=true",
		"--providers.docker.exposedbydefault=false",
		"--providers.docker.network=" + opts.Network,
		"--entrypoints.web.address=:80",
		"--entrypoints.websecure.address=:443",
		"--entrypoints.web.http.redirections.entrypoint.to=websecure",
		"--entrypoints.web.http.redirections.entrypoint.scheme=https",
		"--certificatesresolvers.letsencrypt.acme.httpchallenge=true",
		"--certificatesresolvers.letsencrypt.acme.httpchallenge.entrypoint=web",
		"--certificatesresolvers.letsencrypt.acme.storage=/letsencrypt/acme.json",
	}
	if opts.ACMEEmail != "" {
		args = append(args, "--certificatesresolvers.letsencrypt.acme.email="+opts.ACMEEmail)
	}
	return RunSpec{
		Name:       ProxyContainerName,
		Image:      image,
		Labels:     ManagedLabels(KindProxy),
		Network:    opts.Network,
		ExtraPorts: []string{"80:80", "443:443"},
		Volumes: []string{
			"/var/run/docker.sock:/var/run/docker.sock:ro",
			"ark-letsencrypt:/letsencrypt",
		},
		Restart: "always",
		Args:    args,
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
