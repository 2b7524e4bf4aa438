// Package server hosts the Fiber HTTP surface: the middleware chain
// (recover, request ID, CORS, access log), the JSON error renderer, and the
// EPIC/APOD routes mounted under the configured API prefix. Handlers depend on
// narrow service interfaces so tests can drive the app with app.Test.
package server
