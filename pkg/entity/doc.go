// Package entity holds the value types shared by the store, the bridge client,
// the orchestration API and the event manager.
//
// The engine is authoritative for every value defined here; rexsync only
// mirrors them.
package entity
