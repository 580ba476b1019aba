// Package store defines the repository interfaces the harvester persists
// through. Implementations live under internal/storage; this package must not
// import database drivers or concrete clients.
package store
