// Package vectorindex manages a named vector index: creating it on demand,
// writing chunk vectors in bounded batches, and similarity queries with
// metadata equality filters. Storage is delegated to a Backend.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrIndexNotFound is returned by Backend.DescribeIndex for a missing index.
	ErrIndexNotFound = errors.New("index not found")
	// ErrConfigMismatch means an existing index differs from the requested spec.
	ErrConfigMismatch = errors.New("index configuration mismatch")
	// ErrDimensionMismatch means a vector's length differs from the index dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

type Metric string

const (
	MetricCosine     Metric = "cosine"
	MetricEuclidean  Metric = "euclidean"
	MetricDotProduct Metric = "dotproduct"
)

// ParseMetric validates a metric name.
func ParseMetric(s string) (Metric, error) {
	switch m := Metric(s); m {
	case MetricCosine, MetricEuclidean, MetricDotProduct:
		return m, nil
	}
	return "", fmt.Errorf("unsupported metric %q", s)
}

// IndexSpec is the configuration an index is created with.
type IndexSpec struct {
	Name      string
	Dimension int
	Metric    Metric
}

// Metadata travels with every stored vector. The named fields are the ones
// ingestion writes; Extra carries anything else a backend returns.
type Metadata struct {
	Text       string
	Source     string
	ChunkIndex int
	AgentName  *string
	Extra      map[string]any
}

const (
	keyText       = "text"
	keySource     = "source"
	keyChunkIndex = "chunkIndex"
	keyAgentName  = "agentName"
)

// Map flattens m into the wire form stored by backends. A nil AgentName is
// omitted because Pinecone rejects null metadata values.
func (m Metadata) Map() map[string]any {
	out := make(map[string]any, len(m.Extra)+4)
	for k, v := range m.Extra {
		out[k] = v
	}
	out[keyText] = m.Text
	out[keySource] = m.Source
	out[keyChunkIndex] = m.ChunkIndex
	if m.AgentName != nil {
		out[keyAgentName] = *m.AgentName
	}
	return out
}

// MetadataFromMap is the inverse of Map. Numbers decoded from JSON arrive as
// float64 and are accepted for chunkIndex.
func MetadataFromMap(raw map[string]any) Metadata {
	var m Metadata
	for k, v := range raw {
		switch k {
		case keyText:
			m.Text, _ = v.(string)
		case keySource:
			m.Source, _ = v.(string)
		case keyChunkIndex:
			switch n := v.(type) {
			case float64:
				m.ChunkIndex = int(n)
			case int:
				m.ChunkIndex = n
			case int64:
				m.ChunkIndex = int(n)
			}
		case keyAgentName:
			if s, ok := v.(string); ok {
				m.AgentName = &s
			}
		default:
			if m.Extra == nil {
				m.Extra = make(map[string]any)
			}
			m.Extra[k] = v
		}
	}
	return m
}

// Record is one vector to upsert.
type Record struct {
	ID       string
	Values   []float32
	Metadata Metadata
}

// Match is one query result. Higher Score is more similar for every metric.
type Match struct {
	ID       string
	Score    float32
	Metadata Metadata
}

// Filter restricts a query to vectors whose metadata equals every pair.
type Filter map[string]string

// Backend is a vector database that can hold named indexes.
type Backend interface {
	ListIndexes(ctx context.Context) ([]string, error)
	DescribeIndex(ctx context.Context, name string) (IndexSpec, error)
	CreateIndex(ctx context.Context, spec IndexSpec) error
	Upsert(ctx context.Context, index string, records []Record) error
	Query(ctx context.Context, index string, vector []float32, topK int, filter Filter) ([]Match, error)
}
