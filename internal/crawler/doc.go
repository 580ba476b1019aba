// Package crawler defines the crawl task lease and pagination state machine,
// the append-only fetch ledger and the collaborator contracts (fetcher, page
// handlers, blob store, publisher) the harvest worker is built from.
package crawler
