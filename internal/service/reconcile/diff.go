// Package reconcile converges servers on the state recorded in the store.
// Diff compares recorded intent with what Docker reports and returns the
// actions that close the gap; the Applier carries them out.
package reconcile

import (
	"sort"
	"strings"

	"github.com/arkdeploy/ark/internal/domain"
	"github.com/arkdeploy/ark/internal/ingress"
	"github.com/arkdeploy/ark/internal/remote"
)

// Kind names a reconcile action.
type Kind string

// Action kinds, in the order they are applied.
const (
	InstallProxy          Kind = "install_proxy"
	RedeployProject       Kind = "redeploy_project"
	RecreateContainer     Kind = "recreate_container"
	StartContainer        Kind = "start_container"
	SyncContainerID       Kind = "sync_container_id"
	SyncPort              Kind = "sync_port"
	SyncStatus            Kind = "sync_status"
	RemoveOrphanContainer Kind = "remove_orphan_container"
	FlagOrphanDatabase    Kind = "flag_orphan_database"
)

var kindOrder = map[Kind]int{
	InstallProxy:          0,
	RedeployProject:       1,
	RecreateContainer:     2,
	StartContainer:        3,
	SyncContainerID:       4,
	SyncPort:              5,
	SyncStatus:            6,
	RemoveOrphanContainer: 7,
	FlagOrphanDatabase:    8,
}

// Action is one step towards the desired state.
type Action struct {
	Kind        Kind   `json:"kind"`
	ProjectID   string `json:"project_id,omitempty"`
	DatabaseID  string `json:"database_id,omitempty"`
	Container   string `json:"container,omitempty"`
	ContainerID string `json:"container_id,omitempty"`
	Port        int    `json:"port,omitempty"`
	Status      string `json:"status,omitempty"`
	Reason      string `json:"reason"`
}

// Mutating reports whether applying the action changes the server.
func (a Action) Mutating() bool {
	switch a.Kind {
	case InstallProxy, RedeployProject, RecreateContainer, StartContainer, RemoveOrphanContainer:
		return true
	}
	return false
}

// DesiredProject is a project with the labels its container must carry.
type DesiredProject struct {
	Project domain.Project
	Labels  map[string]string
}

// Desired is the recorded intent for one server.
type Desired struct {
	Projects  []DesiredProject
	Databases []domain.Database
}

// Observed is what the server reports.
type Observed struct {
	Containers []remote.ContainerState
	// Images holds repository:tag of local images. Nil means unknown, in
	// which case missing images are never assumed.
	Images map[string]bool
}

// Options tunes Diff.
type Options struct {
	// Proxy requires the shared Traefik container.
	Proxy   bool
	Network string
	// Prune removes managed containers nothing in the store claims.
	Prune bool
}

// Diff returns the actions that bring observed in line with desired. It is
// pure: equal inputs give equal, ordered outputs.
func Diff(desired Desired, observed Observed, opts Options) []Action {
	var actions []Action
	claimed := make(map[string]bool)

	byName := make(map[string]remote.ContainerState, len(observed.Containers))
	byProject := make(map[string]remote.ContainerState)
	byDatabase := make(map[string]remote.ContainerState)
	for _, c := range observed.Containers {
		byName[c.Name] = c
		if id := c.ProjectID(); id != "" {
			byProject[id] = c
		}
		if id := c.DatabaseID(); id != "" {
			byDatabase[id] = c
		}
	}

	if proxy, ok := findProxy(observed.Containers, byName); ok {
		claimed[proxy.ID] = true
		if opts.Proxy && (!proxy.Running || (opts.Network != "" && !proxy.OnNetwork(opts.Network))) {
			actions = append(actions, Action{Kind: InstallProxy, Container: proxy.Name, ContainerID: proxy.ID, Reason: "proxy " + proxyProblem(proxy, opts.Network)})
		}
	} else if opts.Proxy {
		actions = append(actions, Action{Kind: InstallProxy, Container: remote.ProxyContainerName, Reason: "proxy container missing"})
	}

	for _, dp := range desired.Projects {
		p := dp.Project
		c, found := byProject[p.ID]
		if !found {
			c, found = byName[remote.ProjectContainerName(p)]
		}
		if found {
			claimed[c.ID] = true
		}
		actions = append(actions, diffProject(dp, c, found, observed.Images)...)
	}

	for _, db := range desired.Databases {
		c, found := byDatabase[db.ID]
		if !found {
			c, found = byName[remote.DatabaseContainerName(db)]
		}
		if found {
			claimed[c.ID] = true
		}
		actions = append(actions, diffDatabase(db, c, found)...)
	}

	if opts.Prune {
		for _, c := range observed.Containers {
			if c.Managed() && !claimed[c.ID] {
				actions = append(actions, Action{Kind: RemoveOrphanContainer, Container: c.Name, ContainerID: c.ID, ProjectID: c.ProjectID(), DatabaseID: c.DatabaseID(), Reason: "no record claims this container"})
			}
		}
	}

	sort.SliceStable(actions, func(i, j int) bool {
		a, b := actions[i], actions[j]
		if kindOrder[a.Kind] != kindOrder[b.Kind] {
			return kindOrder[a.Kind] < kindOrder[b.Kind]
		}
		return target(a) < target(b)
	})
	return actions
}

func diffProject(dp DesiredProject, c remote.ContainerState, found bool, images map[string]bool) []Action {
	p := dp.Project
	name := remote.ProjectContainerName(p)
	if !found {
		// Never deployed, or never deployed successfully: nothing to
		// converge on until a user deploys again.
		if p.ContainerID == "" && (p.Status == domain.ProjectPending || p.Status == domain.ProjectFailed) {
			return nil
		}
		image := p.Image
		if image == "" && p.Kind != domain.ProjectKindWordPress {
			image = remote.ProjectImage(p)
		}
		if images != nil && image != "" && !hasImage(images, image) && p.Kind != domain.ProjectKindWordPress {
			return []Action{{Kind: RedeployProject, ProjectID: p.ID, Container: name, Reason: "container and image " + image + " missing"}}
		}
		return []Action{{Kind: RecreateContainer, ProjectID: p.ID, Container: name, Port: p.Port, Reason: "container missing"}}
	}

	if missing := ingress.MissingLabels(dp.Labels, c.Labels); len(missing) > 0 {
		return []Action{{Kind: RecreateContainer, ProjectID: p.ID, Container: c.Name, ContainerID: c.ID, Port: p.Port, Reason: "labels missing: " + strings.Join(missing, ", ")}}
	}
	if p.Port > 0 && c.HostPort > 0 && c.HostPort != p.Port {
		return []Action{{Kind: RecreateContainer, ProjectID: p.ID, Container: c.Name, ContainerID: c.ID, Port: p.Port, Reason: "published on a different port"}}
	}

	var actions []Action
	if !c.Running {
		actions = append(actions, Action{Kind: StartContainer, ProjectID: p.ID, Container: c.Name, ContainerID: c.ID, Reason: "container is " + c.State})
	}
	if c.ID != p.ContainerID {
		actions = append(actions, Action{Kind: SyncContainerID, ProjectID: p.ID, Container: c.Name, ContainerID: c.ID, Reason: "recorded container id is stale"})
	}
	if p.Port == 0 && c.HostPort > 0 {
		actions = append(actions, Action{Kind: SyncPort, ProjectID: p.ID, Container: c.Name, Port: c.HostPort, Reason: "record has no port"})
	}
	if c.Running && p.Status != domain.ProjectRunning {
		actions = append(actions, Action{Kind: SyncStatus, ProjectID: p.ID, Container: c.Name, Status: domain.ProjectRunning, Reason: "container is running"})
	}
	return actions
}

func diffDatabase(db domain.Database, c remote.ContainerState, found bool) []Action {
	var actions []Action
	if db.Orphaned() {
		actions = append(actions, Action{Kind: FlagOrphanDatabase, DatabaseID: db.ID, Container: remote.DatabaseContainerName(db), Reason: "owner no longer exists"})
	}
	if !found {
		if db.Status != domain.DatabaseFailed && db.Status != domain.DatabaseStopped {
			actions = append(actions, Action{Kind: SyncStatus, DatabaseID: db.ID, Container: remote.DatabaseContainerName(db), Status: domain.DatabaseStopped, Reason: "container missing"})
		}
		return actions
	}
	if !c.Running {
		actions = append(actions, Action{Kind: StartContainer, DatabaseID: db.ID, Container: c.Name, ContainerID: c.ID, Reason: "container is " + c.State})
	}
	if c.ID != db.ContainerID {
		actions = append(actions, Action{Kind: SyncContainerID, DatabaseID: db.ID, Container: c.Name, ContainerID: c.ID, Reason: "recorded container id is stale"})
	}
	if c.Running && db.Status != domain.DatabaseRunning {
		actions = append(actions, Action{Kind: SyncStatus, DatabaseID: db.ID, Container: c.Name, Status: domain.DatabaseRunning, Reason: "container is running"})
	}
	return actions
}

func findProxy(containers []remote.ContainerState, byName map[string]remote.ContainerState) (remote.ContainerState, bool) {
	if c, ok := byName[remote.ProxyContainerName]; ok {
		return c, true
	}
	for _, c := range containers {
		if c.Kind() == remote.KindProxy {
			return c, true
		}
	}
	return remote.ContainerState{}, false
}

func proxyProblem(c remote.ContainerState, network string) string {
	if !c.Running {
		return "is " + c.State
	}
	return "not attached to " + network
}

// hasImage matches image with or without an explicit tag.
func hasImage(images map[string]bool, image string) bool {
	if images[image] {
		return true
	}
	if !strings.Contains(image[strings.LastIndex(image, "/")+1:], ":") {
		return images[image+":latest"]
	}
	return false
}

func target(a Action) string {
	switch {
	case a.ProjectID != "":
		return "p/" + a.ProjectID
	case a.DatabaseID != "":
		return "d/" + a.DatabaseID
	}
	return "c/" + a.Container
}
