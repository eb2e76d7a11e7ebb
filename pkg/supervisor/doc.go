/*
Package supervisor manages the runtime containers that serve inference
for workflows.

Each workflow maps to at most one running container, discovered and
reconciled through a Docker label. Ensure resolves the workflow's latest
successful image build, reuses a matching healthy container if one
exists, and otherwise replaces whatever is labelled with a fresh
container whose inference port is bound to a random loopback port.

Startup readiness is probed over HTTP for up to a minute. A container
that exits or never answers is torn down and the failure carries the
tail of its log stream so callers can surface it.

GPU access is requested when the Docker daemon reports an nvidia
runtime; otherwise containers run CPU-only.
*/
package supervisor
