// Package legacy imports users, servers, projects, databases and plans from
// the MongoDB store of the previous dashboard into the Postgres repositories.
package legacy

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// User is a document of the users collection. Password holds a bcrypt hash.
type User struct {
	ID        primitive.ObjectID `bson:"_id"`
	Name      string             `bson:"name"`
	Email     string             `bson:"email"`
	Password  string             `bson:"password"`
	Role      string             `bson:"role"`
	CreatedAt time.Time          `bson:"createdAt"`
}

// Server is a document of the servers collection. Password is sealed in the
// iv:ciphertext format the vault reads.
type Server struct {
	ID        primitive.ObjectID  `bson:"_id"`
	Name      string              `bson:"name"`
	Host      string              `bson:"host"`
	Port      int                 `bson:"port"`
	Username  string              `bson:"username"`
	Password  string              `bson:"password"`
	Status    string              `bson:"status"`
	User      *primitive.ObjectID `bson:"user"`
	CreatedAt time.Time           `bson:"createdAt"`
}

// Project is a document of the projects collection.
type Project struct {
	ID          primitive.ObjectID  `bson:"_id"`
	Name        string              `bson:"name"`
	Type        string              `bson:"type"`
	GitURL      string              `bson:"gitUrl"`
	Branch      string              `bson:"branch"`
	Domain      string              `bson:"domain"`
	ContainerID string              `bson:"containerId"`
	Port        int                 `bson:"port"`
	Status      string              `bson:"status"`
	Server      *primitive.ObjectID `bson:"serverId"`
	User        *primitive.ObjectID `bson:"user"`
	EnvVars     map[string]string   `bson:"envVars"`
	CreatedAt   time.Time           `bson:"createdAt"`
}

// Database is a document of the databases collection. User is null for
// databases whose owner was deleted.
type Database struct {
	ID          primitive.ObjectID  `bson:"_id"`
	Name        string              `bson:"name"`
	Type        string              `bson:"type"`
	Version     string              `bson:"version"`
	Port        int                 `bson:"port"`
	Username    string              `bson:"username"`
	Password    string              `bson:"password"`
	ContainerID string              `bson:"containerId"`
	Status      string              `bson:"status"`
	Server      *primitive.ObjectID `bson:"serverId"`
	User        *primitive.ObjectID `bson:"user"`
	CreatedAt   time.Time           `bson:"createdAt"`
}

// Plan is a document of the plans collection.
type Plan struct {
	ID             primitive.ObjectID `bson:"_id"`
	Name           string             `bson:"name"`
	Slug           string             `bson:"slug"`
	Description    string             `bson:"description"`
	PricePerServer float64            `bson:"pricePerServer"`
	Currency       string             `bson:"currency"`
	DiscountTiers  []struct {
		MinServers int `bson:"minServers"`
		Discount   int `bson:"discount"`
	} `bson:"discountTiers"`
	Limits struct {
		MaxServers   int `bson:"maxServers"`
		MaxProjects  int `bson:"maxProjects"`
		MaxDatabases int `bson:"maxDatabases"`
	} `bson:"limits"`
	IsActive *bool `bson:"isActive"`
}
