// Package notifications fans job status changes out to listeners.
//
// The Hub is fed by the job store's transition hook after each commit, so
// nothing here can undo a job transition. Subscribers get a bounded channel;
// when a subscriber falls behind, new events for it are dropped and counted
// rather than blocking the publisher. External sinks (ntfy, websocket
// gateway, kafka) each drain their own bounded queue and retry delivery with
// exponential backoff up to a configured number of attempts.
//
// Delivery is at-least-once per sink and best-effort FIFO. Clients that miss
// events reconcile through the store's ListUpdatedSince pull.
package notifications
