// Package credstore is the secret storage adapter for access tokens and the
// current server selection.
//
// Store exposes opaque Set, Get, and Delete. FileStore keeps secrets in a
// private JSON file guarded by an advisory file lock so concurrent finch
// processes never interleave writes; MemoryStore backs tests. Values written
// here never reach the sqlite database or logs.
package credstore
