package storage

import (
	"math"
	"sort"
	"strconv"
	"strings"
)

// CosineSimilarity returns the cosine similarity of two vectors, or 0 when their lengths
// differ or either is zero.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// SortBySimilarity sorts records by descending Similarity (ties by ascending ID) and
// truncates to limit when limit > 0.
func SortBySimilarity(records []*Record, limit int) []*Record {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Similarity != records[j].Similarity {
			return records[i].Similarity > records[j].Similarity
		}
		return records[i].ID < records[j].ID
	})
	if limit > 0 && len(records) > limit {
		return records[:limit]
	}
	return records
}

// VectorLiteral formats a vector as "[v1,v2,...]", the text form accepted by pgvector and
// OceanBase VECTOR columns.
func VectorLiteral(v []float64) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(x, 'f', -1, 64))
	}
	b.WriteByte(']')
	return b.String()
}

// ParseVectorLiteral parses the "[v1,v2,...]" text form.
func ParseVectorLiteral(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
