// Package sqlmeta compiles Go struct types into relational mapping metadata: which table an entity lives in, which column each field maps to, which fields take part in inserts and updates, and the SQL templates for the basic statements. Descriptors are built once per type, shared by every caller, and carry an optional in-memory cache, a table sharding strategy and the helpers that turn database rows back into entities.

package sqlmeta
