// Package queue implements the durable on-disk work queues: a single global
// queue and one per user, each a directory of JSON files named
// "<earliest-dispatch-epoch>-<random>.json". A worker dequeues only files
// whose timestamp prefix has already passed; retries rewrite the file under
// a later timestamp rather than mutating it in place.
package queue

import (
	"encoding/json"
)

// Kind tags the record type stored in an item file.
type Kind string

const (
	KindInput         Kind = "input"
	KindOutput        Kind = "output"
	KindMessage       Kind = "message"
	KindEmail         Kind = "email"
	KindTelegram      Kind = "telegram"
	KindNtfy          Kind = "ntfy"
	KindCloseQuestion Kind = "close_question"
	KindObjectRequest Kind = "object_request"
	KindActorRefresh  Kind = "actor_refresh"
	KindVerifyLinks   Kind = "verify_links"
	KindPurge         Kind = "purge"
)

// Item is the on-disk record for one queue entry. Only the fields relevant
// to Kind are populated; the rest stay at their zero value and are omitted
// from the JSON encoding.
type Item struct {
	Kind Kind `json:"kind"`

	// input
	Message json.RawMessage `json:"message,omitempty"`
	Req     json.RawMessage `json:"req,omitempty"`
	UID     string          `json:"uid,omitempty"` // recipient user, empty until shared-inbox fanout resolves it

	// output
	Inbox    string `json:"inbox,omitempty"`
	KeyID    string `json:"keyid,omitempty"`
	SecKey   string `json:"seckey,omitempty"` // PEM-encoded RSA private key
	PStatus  int    `json:"p_status,omitempty"`

	// email/telegram/ntfy
	To      string `json:"to,omitempty"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body,omitempty"`

	// actor_refresh
	Actor string `json:"actor,omitempty"`

	Retries int `json:"retries"`
}
