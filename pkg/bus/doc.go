/*
Package bus fans per-job progress events out to WebSocket subscribers.

A subscriber registry is kept in three indices: by client id, by prompt
id, and by room. Every index mutation takes the single bus lock;
subscriber counts stay modest (at most a few hundred), so contention is
not a concern. Message delivery to distinct clients runs concurrently
outside the lock.

Delivery is best-effort: a transport error drops the subscriber. For a
single subscriber, events arrive in the order the producer submitted
them (the connection handle serializes writes); ordering across
subscribers is not synchronized.

A background loop sends a heartbeat frame every 30 seconds and evicts
subscribers whose last ping is older than two minutes.
*/
package bus
