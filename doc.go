/*
Package fsxpack stores the containers of a versioned filesystem's
backend: string tables of paths, change lists and node revisions.
Containers are immutable once built, and can be kept in anything,
like a filesystem, KV store, or blob store.

Containers

Each container type lives in its own package with the same shape: a
Builder that accumulates and deduplicates records, and a Container
produced by Builder.Finalize that only answers reads.

- stringtable interns strings into compact tables that share
prefixes between neighbouring short strings

- changes holds per-revision lists of changed paths

- noderevs holds node revisions, sharing IDs and representations
between them

Every container has two encodings. Write and Read put it into a
packed.Root, a set of delta-coded, compressed integer and byte
streams, which is what a Store persists. Serialize and Deserialize
use a flat, fixed-record form that a Cache holds, from which single
lists or records can be read without decoding the rest.

Storage

A Store names each packed root by the blake2b hash of its bytes, so a
name always identifies the same content, and checks the hash again on
load. Persist implementations for local files and S3 are in the
persist directory, and NewInMemoryStore is suitable for testing.

Concurrency

A Container is safe for concurrent reads. Builders are not. A Cache
can be shared by any number of goroutines, and hands out a fresh copy
of a container on every Get.
*/
package fsxpack
