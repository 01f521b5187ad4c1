// Package chat is the room ingestion core.
//
// A Session discovers the account's rooms through a Directory, keeps one
// Room per room name, and for each Room runs a long-lived stream that is
// reopened whenever the server cycles it. Backfill requests and stream
// records both feed the room's MessageStore, which deduplicates by id, so a
// message is reported to the Handler exactly once no matter how many times
// it is delivered. On Disconnect each room's newest message id is persisted
// through a checkpoint.Store and used as the backfill starting point on the
// next Connect.
//
// All Session, Directory and Room state lives on a Loop: one goroutine runs
// every callback in order, and HTTP calls run on helper goroutines that post
// their results back. Handler methods are invoked from that goroutine.
package chat
