/*
Package httpserver implements the host-facing operations server of an enclave process.

It is plain HTTP and never carries attested traffic. It exposes:

  - GET /livez - process liveness
  - GET /readyz - 200 while the attested service runs and the server is not drained
  - GET /drain, GET /undrain - take the instance out of and back into rotation
  - GET /api/enclave/v1/status - current lifecycle state
  - POST /api/enclave/v1/commands/{command} - drive the lifecycle controller
  - /debug/pprof - when enabled

Lifecycle commands accept and return JSON. Failures carry no detail beyond the
lifecycle error class; the cause is only logged inside the enclave.
*/
package httpserver
