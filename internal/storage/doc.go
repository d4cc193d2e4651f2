// Package storage is the boundary to the game database as the coordinator
// sees it: entities with a next-due time per category, the processed-tick
// log that makes tick application idempotent, and a pass log.
//
// Drivers:
//   - "memory": process-local maps, the default
//   - "sqlite": a SQLite file via modernc.org/sqlite
package storage
