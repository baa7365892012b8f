package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/ferry/internal/bridge"
	"github.com/seantiz/ferry/internal/engine"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

const createKVTable = `
CREATE TABLE IF NOT EXISTS kv (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at DATETIME NOT NULL
)`

// ErrKeyNotFound is returned when a key is not present in the store.
var ErrKeyNotFound = errors.New("key not found")

// kvEntry is a stored key/value pair.
type kvEntry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// putKeyRequest is the JSON body for PUT /v1/kv/{key}.
type putKeyRequest struct {
	Value string `json:"value"`
}

// listKeysResponse wraps the paginated list response.
type listKeysResponse struct {
	Entries []kvEntry `json:"entries"`
	Total   int       `json:"total"`
	Limit   int       `json:"limit"`
	Offset  int       `json:"offset"`
}

// CreateSchema creates the kv table through the bridge, so even DDL follows
// the engine-level dispatch path.
func CreateSchema(ctx context.Context, p *bridge.Pool) error {
	f := p.DoWithEngine(func(e engine.Engine) (any, error) {
		if _, err := e.DB().ExecContext(context.Background(), createKVTable); err != nil {
			return nil, fmt.Errorf("create kv table: %w", err)
		}
		return nil, nil
	})
	_, err := f.Await(ctx)
	return err
}

func (s *Server) handlePutKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req putKeyRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	now := time.Now().UTC()
	f := s.pool.Do(func(conn *sql.Conn) (any, error) {
		_, err := conn.ExecContext(context.Background(),
			`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, req.Value, now,
		)
		return nil, err
	})

	if _, err := f.Await(r.Context()); err != nil {
		s.logger.Error("put key", "key", key, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to store key")
		return
	}

	s.writeJSON(w, http.StatusOK, kvEntry{Key: key, Value: req.Value, UpdatedAt: now})
}

func (s *Server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	f := s.pool.Do(func(conn *sql.Conn) (any, error) {
		entry := kvEntry{Key: key}
		err := conn.QueryRowContext(context.Background(),
			"SELECT value, updated_at FROM kv WHERE key = ?", key,
		).Scan(&entry.Value, &entry.UpdatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("get key: %w", err)
		}
		return entry, nil
	})

	v, err := f.Await(r.Context())
	if errors.Is(err, ErrKeyNotFound) {
		s.writeError(w, http.StatusNotFound, "key not found")
		return
	}
	if err != nil {
		s.logger.Error("get key", "key", key, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get key")
		return
	}

	s.writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	if limit < 1 || limit > maxListLimit {
		limit = defaultListLimit
	}
	offset := parseIntQuery(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	f := s.pool.Do(func(conn *sql.Conn) (any, error) {
		ctx := context.Background()

		var total int
		if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM kv").Scan(&total); err != nil {
			return nil, fmt.Errorf("count keys: %w", err)
		}

		rows, err := conn.QueryContext(ctx,
			"SELECT key, value, updated_at FROM kv ORDER BY key LIMIT ? OFFSET ?", limit, offset,
		)
		if err != nil {
			return nil, fmt.Errorf("list keys: %w", err)
		}
		defer rows.Close()

		// Materialize before returning: live rows cannot cross the bridge.
		entries := make([]kvEntry, 0, limit)
		for rows.Next() {
			var e kvEntry
			if err := rows.Scan(&e.Key, &e.Value, &e.UpdatedAt); err != nil {
				return nil, fmt.Errorf("scan key: %w", err)
			}
			entries = append(entries, e)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate keys: %w", err)
		}

		return listKeysResponse{Entries: entries, Total: total, Limit: limit, Offset: offset}, nil
	})

	v, err := f.Await(r.Context())
	if err != nil {
		s.logger.Error("list keys", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list keys")
		return
	}

	s.writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	f := s.pool.Do(func(conn *sql.Conn) (any, error) {
		res, err := conn.ExecContext(context.Background(), "DELETE FROM kv WHERE key = ?", key)
		if err != nil {
			return nil, fmt.Errorf("delete key: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("check rows affected: %w", err)
		}
		if n == 0 {
			return nil, ErrKeyNotFound
		}
		return nil, nil
	})

	_, err := f.Await(r.Context())
	if errors.Is(err, ErrKeyNotFound) {
		s.writeError(w, http.StatusNotFound, "key not found")
		return
	}
	if err != nil {
		s.logger.Error("delete key", "key", key, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete key")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
