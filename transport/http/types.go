package http

import (
	"github.com/medirec/offsync/cursor"
	"github.com/medirec/offsync/record"
)

// changesResponse is the wire form of one page of remote changes.
type changesResponse struct {
	Documents []record.Document  `json:"documents"`
	Next      *cursor.WireCursor `json:"next,omitempty"`
}

// deleteResponse carries the tombstone version after a delete.
type deleteResponse struct {
	Version int64 `json:"version"`
}

// errorResponse is the wire form of a failed request.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// ifMatchHeader carries the base version for conditional writes.
const ifMatchHeader = "If-Match"
