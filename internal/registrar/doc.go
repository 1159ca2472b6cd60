// Package registrar holds the domain model shared by the bulk registration
// engine: jobs, crawl jobs, subscriptions, payments, their state machines,
// the error taxonomy and the storage/transport interfaces the managers
// depend on.
package registrar
