package api

// Profile is the connection profile: which database to browse and which
// relationships connect its tables.
type Profile struct {
	// Driver is the database/sql driver name ("sqlite" or "pgx").
	Driver string `json:"driver"`
	// DSN is the data source name. Falls back to DATABASE_URL when empty.
	DSN string `json:"dsn,omitempty"`
	// DefaultLimit bounds the visible rows per table (default 500).
	DefaultLimit int `json:"default_limit,omitempty"`
	// Workers is the number of background load workers.
	Workers int `json:"workers,omitempty"`
	// Relationships are the navigable edges between tables.
	Relationships []Relationship `json:"relationships,omitempty"`
}

// Relationship declares one navigable edge of the data model.
type Relationship struct {
	// Name identifies the edge, unique within the profile.
	Name string `json:"name"`
	// Source and Target are the table names the edge connects.
	Source string `json:"source"`
	Target string `json:"target"`
	// Join is the join condition over alias B (source) and A (target),
	// e.g. "B.id = A.customer_id".
	Join string `json:"join"`
	// Kind is "parent", "child" or "association" (default).
	Kind string `json:"kind,omitempty"`
}
