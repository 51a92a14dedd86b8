/*
Package webstore implements the glyph-storage contract against a remote
collaborative font-editing service. The service speaks JSON over HTTP
(session login, project info, glyph listing, get/put/delete, lock/unlock)
and pushes updates made by other collaborators over a websocket channel.
Endpoint paths are a deployment detail and configurable; the defaults are
the paths under /api used by the reference service.

The service is the sole arbiter of write conflicts: a put carries the
expected revision, and the server answers 409 when it is stale, which
surfaces as ErrRevisionConflict. Idempotent reads are retried with
exponential backoff; writes and lock operations are retried only when the
request provably never reached the server (a failed dial), never after an
ambiguous failure, so nothing is ever applied twice. An expired session
surfaces as ErrAuthExpired and is not retried past that boundary; the
application re-authenticates via Relogin.

A background listener keeps the local picture current: push frames update
the cache and project index and appear as ChangeEvents with origin "remote".
When the channel drops, the listener reconnects with backoff and reconciles
against a full glyph listing, so updates missed while disconnected are
recovered.

Importing the package registers the "web" substrate kind:

	store, err := glyphstore.Open(ctx, "web", glyphstore.Config{
	    BaseURL:   "https://fonts.example.com",
	    ProjectID: "font-1",
	    Username:  "hanna",
	    Password:  "secret",
	    Holder:    "hanna",
	})

# Status

Work in progress. The push channel is websocket-only; a polling fallback for
proxies that cannot upgrade is a possible later addition.

# License

Governed by a 3-Clause BSD license. License file may be found in the root
folder of this module.

Copyright © Norbert Pillmayer <norbert@pillmayer.com>
*/
package webstore

import (
	"github.com/npillmayer/schuko/tracing"
)

// tracer writes to trace with key 'glyphstore.web'
func tracer() tracing.Trace {
	return tracing.Select("glyphstore.web")
}
