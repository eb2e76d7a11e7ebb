/*
Package api is the HTTP and WebSocket surface of the scheduling core.

Routes are a thin mapping onto the components handed to the server at
construction: generation requests are validated, normalized, and
enqueued; status, cancel, queue, worker, resource, workflow and build
endpoints read or drive the corresponding component; /ws/{prompt_id}
upgrades the connection and hands it to the progress bus. Structured
errors surface verbatim with their kind mapped to a status code
(validation 400, auth 401, not found 404, timeout 408, build required
409, out of range 422, runtime unavailable 502, capacity 503,
internal 500).

Requests pass a zerolog access log, Prometheus instrumentation, CORS,
and, when an API key is configured, an opaque X-API-Key check with a
per-key request counter.
*/
package api
