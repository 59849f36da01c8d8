// Package health serves liveness and readiness probes.
//
// /healthz answers as long as the process serves HTTP. /readyz runs every
// registered check concurrently and fails with 503 when one fails or the
// server is draining for shutdown.
package health
