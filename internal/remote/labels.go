package remote

import (
	"regexp"
	"strings"

	"github.com/arkdeploy/ark/internal/domain"
)

// Container labels written on every managed container.
const (
	LabelManaged  = "ark.managed"
	LabelKind     = "ark.kind"
	LabelProject  = "ark.project"
	LabelDatabase = "ark.database"
)

// Values of LabelKind.
const (
	KindProject  = "project"
	KindDatabase = "database"
	KindProxy    = "proxy"
)

// ProxyContainerName is the name of the Traefik container on every server.
const ProxyContainerName = "ark-traefik"

// ManagedLabels returns the ownership labels for a container of kind.
func ManagedLabels(kind string) map[string]string {
	return map[string]string{
		LabelManaged: "true",
		LabelKind:    kind,
	}
}

// ProjectLabels returns the ownership labels for a project container.
func ProjectLabels(p domain.Project) map[string]string {
	labels := ManagedLabels(KindProject)
	labels[LabelProject] = p.ID
	return labels
}

// DatabaseLabels returns the ownership labels for a database container.
func DatabaseLabels(db domain.Database) map[string]string {
	labels := ManagedLabels(KindDatabase)
	labels[LabelDatabase] = db.ID
	return labels
}

var unsafeName = regexp.MustCompile(`[^a-z0-9-]+`)

// Slugify lowercases s and replaces anything outside [a-z0-9-] with '-'.
func Slugify(s string) string {
	slug := unsafeName.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "-")
	return strings.Trim(slug, "-")
}

// ProjectContainerName is the container name used for a project. Project
// names live under "ark-app-" so they never meet the proxy or a database.
func ProjectContainerName(p domain.Project) string {
	return "ark-app-" + p.Slug
}

// DatabaseContainerName is the container name used for a database. The id
// suffix keeps names apart that slugify to the same value.
func DatabaseContainerName(db domain.Database) string {
	name := "ark-db-" + Slugify(db.Name)
	if id := shortID(db.ID); id != "" {
		name += "-" + id
	}
	return name
}

func shortID(id string) string {
	id = unsafeName.ReplaceAllString(strings.ToLower(id), "")
	if len(id) > 8 {
		id = id[:8]
	}
	return id
}

// ProjectImage is the local image tag built for a project.
func ProjectImage(p domain.Project) string {
	return "ark/" + p.Slug + ":latest"
}
