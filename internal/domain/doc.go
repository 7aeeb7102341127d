// Package domain defines the core business types for the snowball distribution engine.
//
// Types in this package are pure value objects with no behavior beyond pure
// helpers, no database dependencies, and no transport concerns. They are the
// shared language between the ingestion pipeline, the distribution worker,
// analytics, and the stores.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no redis clients, no context.Context in struct fields
//   - JSON/DB tags are allowed (they're metadata, not behavior)
//   - Validation methods are allowed (they're pure functions on the type)
//   - Constants and enums belong here
package domain
