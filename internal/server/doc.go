// Package server hosts the Fiber HTTP service, the request middleware chain,
// and the site registry that resolves Host/port into the upstream each
// intercepted request belongs to. It also owns the shared upstream
// http.Client. Strategy selection and store access live in the proxy and
// lifecycle packages; keep exports narrow and accept explicit dependencies.
package server
