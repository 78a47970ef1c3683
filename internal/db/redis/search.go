package redis

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/redis/rueidis"

	"github.com/kailas-cloud/docqa/internal/db"
)

const (
	defaultVectorField = "embedding"
	scoreField         = "__vector_score"
)

// SearchKNN runs a KNN vector similarity search via FT.SEARCH. Entry scores
// are cosine similarity (1 - cosine distance) and may be negative.
func (s *Store) SearchKNN(ctx context.Context, q *db.KNNQuery) (*db.SearchResult, error) {
	if q.IndexName == "" {
		return nil, errors.New("index name is required")
	}
	if len(q.Vector) == 0 {
		return nil, errors.New("vector is required")
	}
	if q.K <= 0 {
		return nil, errors.New("k must be positive")
	}

	field := q.VectorField
	if field == "" {
		field = defaultVectorField
	}

	pre := buildTagFilter(q.Tags)
	if pre == "" {
		pre = "*"
	} else {
		pre = "(" + pre + ")"
	}
	query := fmt.Sprintf("%s=>[KNN %d @%s $BLOB]", pre, q.K, field)

	args := []string{q.IndexName, query}
	if len(q.ReturnFields) > 0 {
		ret := append(slices.Clone(q.ReturnFields), scoreField)
		args = append(args, "RETURN", strconv.Itoa(len(ret)))
		args = append(args, ret...)
	}
	args = append(args,
		"SORTBY", scoreField, "ASC",
		"LIMIT", "0", strconv.Itoa(q.K),
		"PARAMS", "2", "BLOB", vectorToBytes(q.Vector),
		"DIALECT", "2",
	)

	cmd := s.b().Arbitrary("FT.SEARCH").Args(args...).Build()
	raw, err := s.do(ctx, cmd).ToArray()
	if err != nil {
		return nil, &db.Error{Op: db.OpSearch, Err: err}
	}
	return parseKNNResult(raw)
}

func parseKNNResult(raw []rueidis.RedisMessage) (*db.SearchResult, error) {
	if len(raw) == 0 {
		return &db.SearchResult{}, nil
	}

	total, err := raw[0].AsInt64()
	if err != nil {
		return nil, fmt.Errorf("parse total: %w", err)
	}
	if total == 0 {
		return &db.SearchResult{}, nil
	}

	entries := make([]db.SearchEntry, 0, len(raw)/2)
	// [total, key1, fields1, key2, fields2, ...]
	for i := 1; i+1 < len(raw); i += 2 {
		key, err := raw[i].ToString()
		if err != nil {
			continue
		}
		fields, err := raw[i+1].ToArray()
		if err != nil {
			continue
		}

		entry := db.SearchEntry{Key: key, Fields: parseFieldPairs(fields)}
		if v, ok := entry.Fields[scoreField]; ok {
			if d, err := strconv.ParseFloat(v, 64); err == nil {
				entry.Score = 1 - d
			}
			delete(entry.Fields, scoreField)
		}
		entries = append(entries, entry)
	}

	return &db.SearchResult{Total: int(total), Entries: entries}, nil
}

func parseFieldPairs(fields []rueidis.RedisMessage) map[string]string {
	m := make(map[string]string, len(fields)/2)
	for j := 0; j+1 < len(fields); j += 2 {
		name, err := fields[j].ToString()
		if err != nil {
			continue
		}
		value, err := fields[j+1].ToString()
		if err != nil {
			continue
		}
		m[name] = value
	}
	return m
}

// buildTagFilter renders @field:{a | b} clauses in a stable field order.
func buildTagFilter(tags map[string][]string) string {
	names := make([]string, 0, len(tags))
	for name, values := range tags {
		if len(values) > 0 {
			names = append(names, name)
		}
	}
	slices.Sort(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		values := make([]string, len(tags[name]))
		for i, v := range tags[name] {
			values[i] = tagEscaper.Replace(v)
		}
		parts = append(parts, fmt.Sprintf("@%s:{%s}", name, strings.Join(values, " | ")))
	}
	return strings.Join(parts, " ")
}

var tagEscaper = strings.NewReplacer(
	`\`, `\\`,
	",", `\,`,
	".", `\.`,
	"<", `\<`,
	">", `\>`,
	"{", `\{`,
	"}", `\}`,
	"[", `\[`,
	"]", `\]`,
	`"`, `\"`,
	"'", `\'`,
	":", `\:`,
	";", `\;`,
	"!", `\!`,
	"@", `\@`,
	"#", `\#`,
	"$", `\$`,
	"%", `\%`,
	"^", `\^`,
	"&", `\&`,
	"*", `\*`,
	"(", `\(`,
	")", `\)`,
	"-", `\-`,
	"+", `\+`,
	"=", `\=`,
	"~", `\~`,
	"|", `\|`,
	"/", `\/`,
	" ", `\ `,
)

func vectorToBytes(v []float32) string {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return rueidis.BinaryString(buf)
}
