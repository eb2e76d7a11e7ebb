/*
Package inference is the HTTP client for the image-generation runtime a
workflow container exposes.

Submit posts a workflow and returns the runtime's prompt id. Status
merges the runtime's queue and history endpoints into one normalized
state (pending, running, completed, failed, unknown). WaitForCompletion
polls at one-second intervals until a terminal state, downloads each
result image through the runtime's view endpoint, persists it under the
configured output directory as {prompt_id}_{filename}, and returns the
corresponding local serving URLs.

InjectParameters rewrites a deep copy of a workflow with a request's
generation parameters using a fixed node-class mapping, and
DefaultWorkflow supplies a built-in text-to-image graph for requests
that carry none.
*/
package inference
