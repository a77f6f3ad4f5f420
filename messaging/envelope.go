// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package messaging implements the messaging core (C4): a typed
// active-message handler registry, send/broadcast, the per-message
// epoch context stack, and the scheduler loop that drains arrived
// buffers and dispatches them to their registered handler.
package messaging

import (
	"encoding/json"

	"vtrun/epoch"
	"vtrun/ids"
)

// Envelope is the wire-level wrapper around every active message: the
// handler to invoke, the epoch the message travels under, and — for
// messages participating in a reduction — the scope/stamp pair
// collective.Reducer keys pending contributions on.
type Envelope struct {
	HandlerID ids.HandlerID   `json:"h"`
	Epoch     epoch.Epoch     `json:"e"`
	IsReduce  bool            `json:"r,omitempty"`
	Scope     ids.Scope       `json:"sc,omitempty"`
	Stamp     ids.Stamp       `json:"st,omitempty"`
	Payload   json.RawMessage `json:"p"`
}
