package postgres

import "dwetl/internal/storage"

// Kind is the registry name for this backend.
const Kind = "postgres"

func init() {
	storage.Register(Kind, New)
}
