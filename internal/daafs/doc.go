// Copyright (C) 2023 olix3001

// daafs is the storage engine of a block device whose contents live as
// messages in a remote, rate-limited message channel. The device's page space
// is indexed by metablocks, directory messages mapping every page to either
// the message holding its bytes or a zero flag for sparse regions.
//
// Foreground reads and writes land in a small write-back page cache. Dirty
// pages evicted from the cache pass through a bounded sync queue which a
// single background worker drains into the channel, updating the metablock
// index as pages become durable. A page accessed while still queued is
// rescued back into the cache, and a page mid-persist is served from the
// worker's in-flight copy, so a read always observes the most recent write.
//
// daafs defines two seams. The chat.Channel interface decouples the engine
// from the concrete message channel (Discord, S3, badger, memory), and the
// BlockStore implements the backend interface of the go-nbd server, which
// owns request framing and transport.
package daafs
