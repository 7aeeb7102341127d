// Package snowball is the intake side of the distribution engine.
//
// Submit turns an uploaded CSV into a pending event and a queued
// process-snowball job. Everything that can be rejected synchronously
// (structure, quotas, unknown repository, lineage depth) is rejected here,
// before an event exists. EventStatus and GrowthReport are the read models
// the UI polls.
//
// The service depends on the Store contract in repository.go and on small
// interfaces for its collaborators, so it can run against the memory store
// in tests and the PostgreSQL store in production.
package snowball
