// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// Tether-server is the multi-tenant agent platform server. It hosts
// one hibernatable actor per session, each owning a device hub for
// correlated task dispatch over persistent websocket connections, and
// a shared tunnel registry that proxies ordinary HTTP requests into
// registered tunnel clients.
//
// # HTTP surface
//
//   - GET /status?session=S&device=D — device liveness probe.
//   - GET /connect?session=S&role=device|tunnel&name=N — websocket
//     upgrade; devices attach to the session's hub, tunnel clients
//     register under their tunnel name.
//   - POST /sessions/{session}/messages — run a chat turn.
//   - POST /sessions/{session}/dispatch-task — run a deferred-bridged
//     turn and return the generated text.
//   - POST /sessions/{session}/device/dispatch — send a task to a
//     connected device and await its result.
//   - POST /sessions/{session}/scheduled-tasks — create a cron-driven
//     task.
//   - /t/{name}/... (any method) — proxy into the named tunnel. With
//     server.tunnel_host_suffix configured, name.<suffix> hosts route
//     the same way.
//
// # Startup
//
// Configuration comes from one YAML file named by --config or
// $TETHER_CONFIG. The server opens the SQLite session store, builds
// the OpenAI-compatible model client, and serves until SIGINT/SIGTERM,
// then drains in-flight requests.
package main
