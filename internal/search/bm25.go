package search

import (
	"context"
	"database/sql"

	"memsub/internal/domain"
)

// SearchOptions narrows a retrieval call over the memory index. Not every
// field applies to every retriever: BM25Retriever honors
// Type/Layer/Source/Limit/MinScore; VectorRetriever honors
// Type/Layer/Limit/MinScore and ProviderFilter, and ignores Source.
type SearchOptions struct {
	Type           domain.MemoryType
	Layer          domain.MemoryLayer
	Source         domain.SourceType
	Limit          int
	MinScore       float64
	ProviderFilter *ProviderModel
}

// ProviderModel pins a vector scan to a specific (provider, model) pair,
// overriding the retriever's configured default.
type ProviderModel struct {
	Provider string
	Model    string
}

// BM25Result is one lexical match.
type BM25Result struct {
	MemoryID   string
	Content    string
	Type       domain.MemoryType
	Layer      domain.MemoryLayer
	Importance float64
	BM25Score  float64
	Snippet    string
}

const defaultBM25Limit = 20

// snippetTokens is the maximum number of tokens FTS5's snippet() puts in
// each excerpt.
const snippetTokens = 32

type bm25Row struct {
	result BM25Result
	rank   float64
}

// BM25Retriever runs lexical search against the memory_fts virtual table.
type BM25Retriever struct {
	db *sql.DB
}

// NewBM25Retriever constructs a BM25Retriever over db (already migrated via
// storage.Open).
func NewBM25Retriever(db *sql.DB) *BM25Retriever {
	return &BM25Retriever{db: db}
}

// Search sanitizes query via ParseQuery and runs it against memory_fts,
// ordered by rank (most relevant first). Raw FTS5 rank is min-max
// normalized into [0,1] over the returned set; a singleton or all-equal
// result set normalizes to 1.0 uniformly. MinScore, if set, filters after
// normalization.
func (r *BM25Retriever) Search(ctx context.Context, query string, opts SearchOptions) ([]BM25Result, error) {
	match := ParseQuery(query)
	if match == "" {
		return nil, nil
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultBM25Limit
	}

	sqlQuery := `SELECT m.id, m.content, m.type, m.layer, m.importance, bm25(memory_fts) AS rank,
		snippet(memory_fts, 0, '>>>', '<<<', '...', ?)
		FROM memory_fts JOIN memories m ON m.rowid = memory_fts.rowid
		WHERE memory_fts MATCH ?`
	args := []any{snippetTokens, match}

	if opts.Type != "" {
		sqlQuery += " AND m.type = ?"
		args = append(args, string(opts.Type))
	}
	if opts.Layer != "" {
		sqlQuery += " AND m.layer = ?"
		args = append(args, string(opts.Layer))
	}
	if opts.Source != "" {
		sqlQuery += " AND m.source_type = ?"
		args = append(args, string(opts.Source))
	}

	sqlQuery += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		// FTS5 rejects malformed MATCH syntax at query time; ParseQuery should
		// prevent that, but a rejected query is reported rather than panicking.
		return nil, domain.NewDomainError("BM25Retriever.Search", domain.ErrSearchFailed, err.Error())
	}
	defer rows.Close()

	var raw []bm25Row
	for rows.Next() {
		var res BM25Result
		var typ, layer string
		var rank float64
		var snippet string
		if err := rows.Scan(&res.MemoryID, &res.Content, &typ, &layer, &res.Importance, &rank, &snippet); err != nil {
			return nil, domain.NewDomainError("BM25Retriever.Search", domain.ErrSearchFailed, err.Error())
		}
		res.Type = domain.MemoryType(typ)
		res.Layer = domain.MemoryLayer(layer)
		res.Snippet = snippet
		raw = append(raw, bm25Row{result: res, rank: rank})
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewDomainError("BM25Retriever.Search", domain.ErrSearchFailed, err.Error())
	}

	normalizeBM25Ranks(raw)

	out := make([]BM25Result, 0, len(raw))
	for _, rw := range raw {
		if opts.MinScore > 0 && rw.result.BM25Score < opts.MinScore {
			continue
		}
		out = append(out, rw.result)
	}
	return out, nil
}

// normalizeBM25Ranks min-max normalizes raw FTS5 rank (more negative = more
// relevant) into [0,1] in place, writing into each row's BM25Score. A
// singleton or all-equal set maps uniformly to 1.0.
func normalizeBM25Ranks(rows []bm25Row) {
	if len(rows) == 0 {
		return
	}
	min, max := rows[0].rank, rows[0].rank
	for _, rw := range rows[1:] {
		if rw.rank < min {
			min = rw.rank
		}
		if rw.rank > max {
			max = rw.rank
		}
	}
	if max == min {
		for i := range rows {
			rows[i].result.BM25Score = 1.0
		}
		return
	}
	for i := range rows {
		// Most negative rank (== min) is most relevant, so it maps to 1.0.
		rows[i].result.BM25Score = (max - rows[i].rank) / (max - min)
	}
}
