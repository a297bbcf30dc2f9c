// Package keyschema builds and parses the canonical byte-string key
// layouts ThemisDB stores entities under (spec §3 "Key layouts"). All keys
// are ASCII `:`-separated; this package is the single place that knows
// the separator and prefix conventions, so every other package addresses
// storage through it rather than formatting keys by hand.
package keyschema

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const sep = ":"

// Namespace prefixes, one per entity kind in spec §3's key layout table.
const (
	prefixRelational    = "relational"
	prefixDocument      = "document"
	prefixGraphNode     = "graph:node"
	prefixGraphEdge     = "graph:edge"
	prefixGraphOut      = "graph:out"
	prefixGraphIn       = "graph:in"
	prefixVector        = "vector"
	prefixIndex         = "idx"
	prefixContent       = "content"
	prefixContentMeta   = "content"
	prefixContentBlob   = "content"
	prefixChunk         = "chunk"
	prefixContentChunks = "content_chunks"
	prefixContentHash   = "content_hash"
	prefixContentRef    = "content_refcount"
	prefixContentEdges  = "content_edges"
	prefixChangefeed    = "changefeed"
)

// ChangefeedSequenceKey is the singleton key holding the persisted
// monotonic changefeed counter (spec §3, §4.8).
const ChangefeedSequenceKey = "changefeed_sequence"

// Relational builds `relational:<table>:<pk>`.
func Relational(table, pk string) []byte {
	return join(prefixRelational, table, pk)
}

// RelationalTablePrefix builds the iteration prefix for every row in a
// table: `relational:<table>:`.
func RelationalTablePrefix(table string) []byte {
	return joinPrefix(prefixRelational, table)
}

// Document builds `document:<collection>:<pk>`.
func Document(collection, pk string) []byte {
	return join(prefixDocument, collection, pk)
}

// DocumentCollectionPrefix builds the iteration prefix for a collection.
func DocumentCollectionPrefix(collection string) []byte {
	return joinPrefix(prefixDocument, collection)
}

// GraphNode builds `graph:node:<pk>`.
func GraphNode(pk string) []byte {
	return join(prefixGraphNode, pk)
}

// GraphEdge builds `graph:edge:<edge_pk>`.
func GraphEdge(edgePK string) []byte {
	return join(prefixGraphEdge, edgePK)
}

// GraphOut builds `graph:out:<from_pk>:<edge_pk>`, the outbound adjacency
// entry (spec §3, §4.4).
func GraphOut(fromPK, edgePK string) []byte {
	return join(prefixGraphOut, fromPK, edgePK)
}

// GraphOutPrefix builds the iteration prefix for all outbound edges of a
// node: `graph:out:<from_pk>:`.
func GraphOutPrefix(fromPK string) []byte {
	return joinPrefix(prefixGraphOut, fromPK)
}

// GraphIn builds `graph:in:<to_pk>:<edge_pk>`, the symmetric inbound
// adjacency entry spec invariant 2 requires alongside every GraphOut.
func GraphIn(toPK, edgePK string) []byte {
	return join(prefixGraphIn, toPK, edgePK)
}

// GraphInPrefix builds the iteration prefix for all inbound edges of a
// node: `graph:in:<to_pk>:`.
func GraphInPrefix(toPK string) []byte {
	return joinPrefix(prefixGraphIn, toPK)
}

// Vector builds `vector:<namespace>:<pk>`.
func Vector(namespace, pk string) []byte {
	return join(prefixVector, namespace, pk)
}

// VectorNamespacePrefix builds the iteration prefix for a vector
// namespace, used by rebuild_from_storage (spec §4.5).
func VectorNamespacePrefix(namespace string) []byte {
	return joinPrefix(prefixVector, namespace)
}

// Index builds `idx:<table>:<column>:<value>:<pk>`, a presence-only
// secondary index membership entry (spec §3, §4.3).
func Index(table, column, value, pk string) []byte {
	return join(prefixIndex, table, column, value, pk)
}

// IndexEqPrefix builds the iteration prefix for an equality scan on one
// (table, column, value): `idx:<table>:<column>:<value>:`.
func IndexEqPrefix(table, column, value string) []byte {
	return joinPrefix(prefixIndex, table, column, value)
}

// IndexColumnPrefix builds the iteration prefix for a full-column range
// scan: `idx:<table>:<column>:`.
func IndexColumnPrefix(table, column string) []byte {
	return joinPrefix(prefixIndex, table, column)
}

// Content builds `content:<id>`, the content record's primary key.
func Content(id string) []byte {
	return join(prefixContent, id)
}

// ContentMeta builds `content:<id>:meta`.
func ContentMeta(id string) []byte {
	return join(prefixContentMeta, id, "meta")
}

// ContentBlob builds `content:<id>:blob`.
func ContentBlob(id string) []byte {
	return join(prefixContentBlob, id, "blob")
}

// Chunk builds `chunk:<id>`.
func Chunk(id string) []byte {
	return join(prefixChunk, id)
}

// ContentChunks builds `content_chunks:<id>`, the ordered chunk-id list
// for a content record.
func ContentChunks(id string) []byte {
	return join(prefixContentChunks, id)
}

// ContentHash builds `content_hash:<sha256_hex>`, the dedup reverse
// lookup spec §4.7/§8 scenario 4 requires.
func ContentHash(sha256Hex string) []byte {
	return join(prefixContentHash, sha256Hex)
}

// ContentRefcount builds `content_refcount:<id>`, the dedup reference
// count supplementing the hash reverse-lookup (spec §4.7 supplemented
// feature).
func ContentRefcount(id string) []byte {
	return join(prefixContentRef, id)
}

// ContentEdges builds `content_edges:<id>`, the ordered graph-edge-id list
// created alongside an import so delete_content can reverse them.
func ContentEdges(id string) []byte {
	return join(prefixContentEdges, id)
}

// Changefeed builds `changefeed:<seq>` with seq encoded as big-endian u64
// so lexicographic key order matches numeric sequence order (spec §3).
func Changefeed(seq uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append([]byte(prefixChangefeed+sep), buf[:]...)
}

// ChangefeedPrefix is the iteration prefix for the whole changefeed log.
func ChangefeedPrefix() []byte {
	return []byte(prefixChangefeed + sep)
}

// ParseChangefeedSeq extracts the sequence number from a key built by
// Changefeed, failing if the key is malformed.
func ParseChangefeedSeq(key []byte) (uint64, error) {
	prefix := []byte(prefixChangefeed + sep)
	if len(key) != len(prefix)+8 || string(key[:len(prefix)]) != string(prefix) {
		return 0, fmt.Errorf("keyschema: malformed changefeed key %q", key)
	}
	return binary.BigEndian.Uint64(key[len(prefix):]), nil
}

// ParseRelational splits a `relational:<table>:<pk>` key back into its
// parts.
func ParseRelational(key []byte) (table, pk string, err error) {
	parts, err := splitExact(key, prefixRelational, 2)
	if err != nil {
		return "", "", err
	}
	return parts[0], parts[1], nil
}

// ParseDocument splits a `document:<collection>:<pk>` key.
func ParseDocument(key []byte) (collection, pk string, err error) {
	parts, err := splitExact(key, prefixDocument, 2)
	if err != nil {
		return "", "", err
	}
	return parts[0], parts[1], nil
}

// ParseVector splits a `vector:<namespace>:<pk>` key.
func ParseVector(key []byte) (namespace, pk string, err error) {
	parts, err := splitExact(key, prefixVector, 2)
	if err != nil {
		return "", "", err
	}
	return parts[0], parts[1], nil
}

// ParseIndex splits an `idx:<table>:<column>:<value>:<pk>` key.
func ParseIndex(key []byte) (table, column, value, pk string, err error) {
	parts, err := splitExact(key, prefixIndex, 4)
	if err != nil {
		return "", "", "", "", err
	}
	return parts[0], parts[1], parts[2], parts[3], nil
}

// ParseGraphOut splits a `graph:out:<from_pk>:<edge_pk>` key.
func ParseGraphOut(key []byte) (fromPK, edgePK string, err error) {
	parts, err := splitExact(key, prefixGraphOut, 2)
	if err != nil {
		return "", "", err
	}
	return parts[0], parts[1], nil
}

// ParseGraphIn splits a `graph:in:<to_pk>:<edge_pk>` key.
func ParseGraphIn(key []byte) (toPK, edgePK string, err error) {
	parts, err := splitExact(key, prefixGraphIn, 2)
	if err != nil {
		return "", "", err
	}
	return parts[0], parts[1], nil
}

func join(prefix string, parts ...string) []byte {
	return []byte(prefix + sep + strings.Join(parts, sep))
}

func joinPrefix(prefix string, parts ...string) []byte {
	return []byte(prefix + sep + strings.Join(parts, sep) + sep)
}

// splitExact strips `prefix:` from key and splits the remainder into
// exactly n `:`-separated parts.
func splitExact(key []byte, prefix string, n int) ([]string, error) {
	want := prefix + sep
	s := string(key)
	if !strings.HasPrefix(s, want) {
		return nil, fmt.Errorf("keyschema: key %q missing prefix %q", s, want)
	}
	rest := s[len(want):]
	parts := strings.SplitN(rest, sep, n)
	if len(parts) != n {
		return nil, fmt.Errorf("keyschema: key %q has %d parts, want %d", s, len(parts), n)
	}
	return parts, nil
}
