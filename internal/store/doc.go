// Package store persists streamed delivery data for the recorder tool.
//
// Tables:
//   - delivery_metrics: per-campaign delivery counters (append-only)
//   - campaign_progress: per-campaign send progress (append-only)
//
// Writes are batched with pgx.Batch and deduplicated by
// (campaign_id, event_ts) via ON CONFLICT DO NOTHING.
package store
