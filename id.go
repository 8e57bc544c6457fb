package directord

import "github.com/sshnaidm/directord/id"

// ID is the primary identifier type for all Directord entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
