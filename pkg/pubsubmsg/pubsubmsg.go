// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

// Package pubsubmsg defines the JSON envelopes exchanged over the
// websocket pub/sub transport (component C/D) and the data-update
// payloads published by the Server's data API.
package pubsubmsg

import "encoding/json"

// Kind identifies the RPC frame type exchanged over the websocket.
type Kind string

const (
	KindSubscribe   Kind = "subscribe"
	KindUnsubscribe Kind = "unsubscribe"
	KindPublish     Kind = "publish"
	KindNotify      Kind = "notify"
	KindAck         Kind = "ack"
	KindError       Kind = "error"
)

// Frame is the wire envelope for every message on the websocket
// connection, in both directions.
type Frame struct {
	Kind   Kind            `json:"kind"`
	ID     string          `json:"id,omitempty"`
	Topics []string        `json:"topics,omitempty"`
	Topic  string          `json:"topic,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// PolicyChanged is the payload published on policy:<dir> topics when the
// Policy Source observes a new upstream revision.
type PolicyChanged struct {
	OldHash string   `json:"old_hash"`
	NewHash string   `json:"new_hash"`
	Topics  []string `json:"topics"`
}

// SaveMethod controls how a Data Updater writes a fetched value into the
// Store.
type SaveMethod string

const (
	SavePut   SaveMethod = "PUT"
	SavePatch SaveMethod = "PATCH"
)

// DataSourceEntry describes a single external data source to fetch and
// where to write the result.
type DataSourceEntry struct {
	URL        string          `json:"url"`
	Config     json.RawMessage `json:"config,omitempty"`
	Topics     []string        `json:"topics"`
	DstPath    string          `json:"dst_path"`
	SaveMethod SaveMethod      `json:"save_method"`
}

// DataUpdate is published on data topics to trigger fetch-and-write of
// one or more entries.
type DataUpdate struct {
	ID      string            `json:"id"`
	Entries []DataSourceEntry `json:"entries"`
	Reason  string            `json:"reason,omitempty"`
}

// ServerDataSourceConfig is returned by POST /data/config as the
// canonical bootstrap list of entries a Client should pull on connect.
type ServerDataSourceConfig struct {
	Entries []DataSourceEntry `json:"entries"`
}
