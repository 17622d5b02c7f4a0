package remote

import (
	"fmt"
	"path"
	"strings"

	"github.com/arkdeploy/ark/internal/domain"
)

type engine struct {
	image   string
	version string
	port    int
	dataDir string
	ext     string
}

var engines = map[string]engine{
	domain.DatabasePostgres: {image: "postgres", version: "16", port: 5432, dataDir: "/var/lib/postgresql/data", ext: "sql.gz"},
	domain.DatabaseMySQL:    {image: "mysql", version: "8.0", port: 3306, dataDir: "/var/lib/mysql", ext: "sql.gz"},
	domain.DatabaseMariaDB:  {image: "mariadb", version: "11", port: 3306, dataDir: "/var/lib/mysql", ext: "sql.gz"},
	domain.DatabaseMongoDB:  {image: "mongo", version: "7", port: 27017, dataDir: "/data/db", ext: "archive.gz"},
	domain.DatabaseRedis:    {image: "redis", version: "7-alpine", port: 6379, dataDir: "/data", ext: "rdb"},
}

// DefaultDatabaseVersion returns the image tag used when none is requested.
func DefaultDatabaseVersion(dbType string) string {
	return engines[dbType].version
}

// DatabaseContainerPort returns the port the engine listens on inside its container.
func DatabaseContainerPort(dbType string) int {
	return engines[dbType].port
}

// DatabaseSpec returns the run spec for a database container. The host port
// is bound on all interfaces so applications on other servers can reach it.
func DatabaseSpec(db domain.Database, password, network string) (RunSpec, error) {
	e, ok := engines[db.Type]
	if !ok {
		return RunSpec{}, fmt.Errorf("unsupported database type %q", db.Type)
	}
	version := db.Version
	if version == "" {
		version = e.version
	}
	spec := RunSpec{
		Name:          DatabaseContainerName(db),
		Image:         e.image + ":" + version,
		Labels:        DatabaseLabels(db),
		HostPort:      db.Port,
		ContainerPort: e.port,
		Network:       network,
		Volumes:       []string{DatabaseVolumeName(db) + ":" + e.dataDir},
	}
	switch db.Type {
	case domain.DatabasePostgres:
		spec.Env = map[string]string{
			"POSTGRES_USER":     db.Username,
			"POSTGRES_PASSWORD": password,
			"POSTGRES_DB":       db.Name,
		}
	case domain.DatabaseMySQL:
		spec.Env = map[string]string{
			"MYSQL_ROOT_PASSWORD": password,
			"MYSQL_DATABASE":      db.Name,
			"MYSQL_USER":          db.Username,
			"MYSQL_PASSWORD":      password,
		}
	case domain.DatabaseMariaDB:
		spec.Env = map[string]string{
			"MARIADB_ROOT_PASSWORD": password,
			"MARIADB_DATABASE":      db.Name,
			"MARIADB_USER":          db.Username,
			"MARIADB_PASSWORD":      password,
		}
	case domain.DatabaseMongoDB:
		spec.Env = map[string]string{
			"MONGO_INITDB_ROOT_USERNAME": db.Username,
			"MONGO_INITDB_ROOT_PASSWORD": password,
			"MONGO_INITDB_DATABASE":      db.Name,
		}
	case domain.DatabaseRedis:
		spec.Args = []string{"redis-server", "--appendonly", "yes", "--requirepass", password}
	}
	return spec, nil
}

// DatabaseVolumeName is the named volume holding the data of db.
func DatabaseVolumeName(db domain.Database) string {
	return DatabaseContainerName(db) + "-data"
}

// BackupPath returns where a dump of db taken at stamp is written.
func BackupPath(dir string, db domain.Database, stamp string) string {
	e := engines[db.Type]
	return path.Join(dir, Slugify(db.Name), fmt.Sprintf("%s-%s.%s", Slugify(db.Name), stamp, e.ext))
}

// DatabaseDump renders the command that writes a dump of db to target.
func DatabaseDump(db domain.Database, password, container, target string) (string, error) {
	mkdir := "mkdir -p " + q(path.Dir(target)) + " && "
	switch db.Type {
	case domain.DatabasePostgres:
		return mkdir + fmt.Sprintf("docker exec -e PGPASSWORD=%s %s pg_dump -U %s %s | gzip > %s",
			q(password), q(container), q(db.Username), q(db.Name), q(target)), nil
	case domain.DatabaseMySQL, domain.DatabaseMariaDB:
		tool := "mysqldump"
		if db.Type == domain.DatabaseMariaDB {
			tool = "mariadb-dump"
		}
		return mkdir + fmt.Sprintf("docker exec -e MYSQL_PWD=%s %s %s -u root --single-transaction --databases %s | gzip > %s",
			q(password), q(container), tool, q(db.Name), q(target)), nil
	case domain.DatabaseMongoDB:
		return mkdir + fmt.Sprintf("docker exec %s mongodump --archive --gzip -u %s -p %s --authenticationDatabase admin > %s",
			q(container), q(db.Username), q(password), q(target)), nil
	case domain.DatabaseRedis:
		return mkdir + fmt.Sprintf("docker exec %s redis-cli -a %s --no-auth-warning SAVE && docker cp %s:/data/dump.rdb %s",
			q(container), q(password), q(container), q(target)), nil
	default:
		return "", fmt.Errorf("unsupported database type %q", db.Type)
	}
}

// WordPressSpec returns the run spec for a WordPress site backed by a MySQL
// database container on the same network.
func WordPressSpec(p domain.Project, db domain.Database, dbPassword, network string) RunSpec {
	containerPort := p.InternalPort
	if containerPort == 0 {
		containerPort = 80
	}
	return RunSpec{
		Name:          ProjectContainerName(p),
		Image:         strings.TrimSpace(firstNonEmpty(p.Image, "wordpress:latest")),
		Labels:        ProjectLabels(p),
		HostPort:      p.Port,
		ContainerPort: containerPort,
		Network:       network,
		Volumes:       []string{ProjectContainerName(p) + "-html:/var/www/html"},
		Env: map[string]string{
			"WORDPRESS_DB_HOST":     fmt.Sprintf("%s:%d", DatabaseContainerName(db), engines[db.Type].port),
			"WORDPRESS_DB_USER":     db.Username,
			"WORDPRESS_DB_PASSWORD": dbPassword,
			"WORDPRESS_DB_NAME":     db.Name,
		},
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
