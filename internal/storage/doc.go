// Package storage persists job definitions, run history and the heartbeat
// dedup window. Two backends: SQLite (default) and a dependency-free file
// backend for constrained hosts. Both implement the same Store interface;
// callers never see driver details.
package storage
