// Package store defines the named durable stores the proxy serves from.
// A Store maps a canonical request identity (Key) to a response Snapshot;
// a Provider opens, lists and deletes stores by name. The Registry decides
// which store name is current for each role (shell/content/api) and owns the
// rule that every other store on disk is stale and may be purged.
// Executors borrow a Store for a single request and never own it.
package store
