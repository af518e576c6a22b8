// Package api hosts the HTTP handlers of the FrameProof review API.
//
// Handler routes requests onto the channel session registry, the upload
// manager and the encoding tracker, all injected at construction time. The
// package reaches for no globals. Membership is checked by the session
// registry for channel operations and by the handler itself for upload
// sessions, which are addressed by upload ID alone.
//
// Handlers assume the middleware from internal/server has already attached a
// request ID, logging, metrics, rate limiting and the resolved identity. The
// transcoder callback is the one route that authenticates on its own, with a
// shared secret.
package api
