// Package cache implements a local series cache for OHLCV bars.
//
// Historical bars are stored as immutable Parquet segments indexed by a
// DuckDB catalog. Requests are served from cache only; missing date
// ranges are detected per request and filled asynchronously by a worker
// pool, while an in-memory overlay supplies the live tail. A
// least-recently-used eviction policy keeps total segment size inside a
// configured budget.
//
// Engine is the façade: construct it with New, call Start, then serve
// requests through GetSeries and push quotes through UpdateLiveQuote.
package cache
