package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Document 为集合流式读取返回的单个文档。
type Document struct {
	Path string
	ID   string
	Data json.RawMessage
}

type deleteField struct{}

// DeleteField 为 UpdateDocument 的删除哨兵：partial 中取该值的键会被移除。
var DeleteField deleteField

// ErrInvalidPath 表示文档路径不含集合段。
var ErrInvalidPath = errors.New("store: 文档路径必须形如 collection/id")

func splitPath(path string) (collection, id string, err error) {
	path = strings.Trim(path, "/")
	idx := strings.LastIndex(path, "/")
	if idx <= 0 || idx == len(path)-1 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	return path[:idx], path[idx+1:], nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// GetDocument 按路径读取文档，不存在时返回 exists=false。
func (s *Store) GetDocument(ctx context.Context, path string) (json.RawMessage, bool, error) {
	return getDocument(ctx, s.db, path)
}

// SetDocument 整体覆盖写入文档，v 会被序列化为 JSON。
func (s *Store) SetDocument(ctx context.Context, path string, v interface{}) error {
	return setDocument(ctx, s.db, path, v)
}

// DeleteDocument 删除文档，不存在时为空操作。
func (s *Store) DeleteDocument(ctx context.Context, path string) error {
	if _, _, err := splitPath(path); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE path = ?`, strings.Trim(path, "/")); err != nil {
		return fmt.Errorf("store: 删除文档失败: %w", err)
	}
	return nil
}

// UpdateDocument 按键合并写入，partial 中取 DeleteField 的键会被移除。
// 文档不存在时按 partial 创建。
func (s *Store) UpdateDocument(ctx context.Context, path string, partial map[string]interface{}) error {
	return s.RunTransaction(ctx, func(tx *Tx) error {
		return tx.UpdateDocument(path, partial)
	})
}

// StreamCollection 返回集合下的全部文档，按文档 ID 排序。
func (s *Store) StreamCollection(ctx context.Context, collection string) ([]Document, error) {
	collection = strings.Trim(collection, "/")
	if collection == "" {
		return nil, fmt.Errorf("store: 集合路径不能为空")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT path, doc_id, data FROM documents WHERE collection = ? ORDER BY doc_id`, collection)
	if err != nil {
		return nil, fmt.Errorf("store: 查询集合 %q 失败: %w", collection, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var doc Document
		var data string
		if err := rows.Scan(&doc.Path, &doc.ID, &data); err != nil {
			return nil, fmt.Errorf("store: 解析集合 %q 文档失败: %w", collection, err)
		}
		doc.Data = json.RawMessage(data)
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: 读取集合 %q 失败: %w", collection, err)
	}

	return docs, nil
}

// Tx 为事务内的文档操作句柄。
type Tx struct {
	ctx context.Context
	tx  *sql.Tx
}

// GetDocument 在事务内读取文档。
func (t *Tx) GetDocument(path string) (json.RawMessage, bool, error) {
	return getDocument(t.ctx, t.tx, path)
}

// SetDocument 在事务内覆盖写入文档。
func (t *Tx) SetDocument(path string, v interface{}) error {
	return setDocument(t.ctx, t.tx, path, v)
}

// UpdateDocument 在事务内按键合并写入。
func (t *Tx) UpdateDocument(path string, partial map[string]interface{}) error {
	raw, exists, err := getDocument(t.ctx, t.tx, path)
	if err != nil {
		return err
	}

	merged := map[string]interface{}{}
	if exists {
		if err := json.Unmarshal(raw, &merged); err != nil {
			return fmt.Errorf("store: 解析文档 %q 失败: %w", path, err)
		}
	}

	for key, value := range partial {
		if _, ok := value.(deleteField); ok {
			delete(merged, key)
			continue
		}
		merged[key] = value
	}

	return setDocument(t.ctx, t.tx, path, merged)
}

// RunTransaction 在单个 SQLite 事务内执行 fn，fn 返回错误时回滚。
func (s *Store) RunTransaction(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: 开启事务失败: %w", err)
	}

	if err := fn(&Tx{ctx: ctx, tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("store: 提交事务失败: %w", err)
	}
	return nil
}

func getDocument(ctx context.Context, q querier, path string) (json.RawMessage, bool, error) {
	if _, _, err := splitPath(path); err != nil {
		return nil, false, err
	}

	var data string
	err := q.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE path = ?`, strings.Trim(path, "/")).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: 读取文档 %q 失败: %w", path, err)
	}

	return json.RawMessage(data), true, nil
}

func setDocument(ctx context.Context, q querier, path string, v interface{}) error {
	collection, id, err := splitPath(path)
	if err != nil {
		return err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: 序列化文档 %q 失败: %w", path, err)
	}

	_, err = q.ExecContext(ctx, `
INSERT INTO documents (path, collection, doc_id, data, updated_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(path) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		strings.Trim(path, "/"), collection, id, string(data), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: 写入文档 %q 失败: %w", path, err)
	}
	return nil
}
