package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const transactionMaxRetries = 16

var (
	errMissingDatabase = errors.New("store: database handle is required")
	noOpLogger         = zap.NewNop()
)

// EntryRecord persists one written path of the hierarchical store.
type EntryRecord struct {
	Path      string `gorm:"column:path;primaryKey;size:512;not null"`
	ValueJSON string `gorm:"column:value_json;type:text;not null"`
	Version   int64  `gorm:"column:version;not null;default:1"`
}

// TableName provides the explicit table binding for GORM.
func (EntryRecord) TableName() string {
	return "store_entries"
}

// DocumentRecord persists one document of the secondary document store.
type DocumentRecord struct {
	Collection string `gorm:"column:collection;primaryKey;size:190;not null"`
	DocID      string `gorm:"column:doc_id;primaryKey;size:190;not null"`
	BodyJSON   string `gorm:"column:body_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentRecord) TableName() string {
	return "store_documents"
}

// SQLStoreConfig describes the dependencies of the SQL-backed store.
type SQLStoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// SQLStore implements Store on a relational path table.
type SQLStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewSQLStore constructs the store, validating its configuration.
func NewSQLStore(cfg SQLStoreConfig) (*SQLStore, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &SQLStore{db: cfg.Database, logger: logger}, nil
}

// Get returns the merged value rooted at path.
func (s *SQLStore) Get(ctx context.Context, path string) (json.RawMessage, bool, error) {
	var rows []EntryRecord
	err := s.db.WithContext(ctx).
		Where("path = ? OR path LIKE ? ESCAPE '\\'", path, likePrefix(path)).
		Find(&rows).Error
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	if len(rows) == 1 && rows[0].Path == path {
		return json.RawMessage(rows[0].ValueJSON), true, nil
	}

	merged, err := mergeRows(path, rows)
	if err != nil {
		return nil, false, err
	}
	return merged, true, nil
}

// BatchWrite applies every update inside one database transaction.
func (s *SQLStore) BatchWrite(ctx context.Context, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}

	paths := make([]string, 0, len(updates))
	for path := range updates {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, path := range paths {
			value := updates[path]
			if err := tx.
				Where("path = ? OR path LIKE ? ESCAPE '\\'", path, likePrefix(path)).
				Delete(&EntryRecord{}).Error; err != nil {
				return err
			}
			if value == nil {
				continue
			}
			encoded, err := encodeValue(value)
			if err != nil {
				return fmt.Errorf("store: encode %s: %w", path, err)
			}
			record := EntryRecord{Path: path, ValueJSON: string(encoded), Version: 1}
			if err := tx.Create(&record).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// Transaction applies fn to the exact path with optimistic retry.
func (s *SQLStore) Transaction(ctx context.Context, path string, fn func(current json.RawMessage) (any, error)) (json.RawMessage, error) {
	for attempt := 0; attempt < transactionMaxRetries; attempt++ {
		var existing EntryRecord
		err := s.db.WithContext(ctx).Where("path = ?", path).Take(&existing).Error
		present := true
		if errors.Is(err, gorm.ErrRecordNotFound) {
			present = false
		} else if err != nil {
			return nil, err
		}

		var current json.RawMessage
		if present {
			current = json.RawMessage(existing.ValueJSON)
		}

		next, err := fn(current)
		if err != nil {
			return nil, err
		}

		if next == nil {
			if !present {
				return nil, nil
			}
			result := s.db.WithContext(ctx).
				Where("path = ? AND version = ?", path, existing.Version).
				Delete(&EntryRecord{})
			if result.Error != nil {
				return nil, result.Error
			}
			if result.RowsAffected == 0 {
				continue
			}
			return nil, nil
		}

		encoded, err := encodeValue(next)
		if err != nil {
			return nil, fmt.Errorf("store: encode %s: %w", path, err)
		}

		if !present {
			record := EntryRecord{Path: path, ValueJSON: string(encoded), Version: 1}
			if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
				// Another writer created the path first.
				continue
			}
			return json.RawMessage(encoded), nil
		}

		result := s.db.WithContext(ctx).Model(&EntryRecord{}).
			Where("path = ? AND version = ?", path, existing.Version).
			Updates(map[string]interface{}{
				"value_json": string(encoded),
				"version":    existing.Version + 1,
			})
		if result.Error != nil {
			return nil, result.Error
		}
		if result.RowsAffected == 0 {
			continue
		}
		return json.RawMessage(encoded), nil
	}

	s.logger.Error("store transaction contention", zap.String("path", path))
	return nil, ErrTransactionContention
}

// Query scans a collection and matches the decoded field in memory. The
// document store stays small enough (groups, recommendations) that a table
// scan per lookup is acceptable.
func (s *SQLStore) Query(ctx context.Context, collection, field, op string, value any) ([]Document, error) {
	if op != OpEquals && op != OpArrayContains {
		return nil, ErrUnsupportedOperator
	}

	var rows []DocumentRecord
	if err := s.db.WithContext(ctx).Where("collection = ?", collection).Find(&rows).Error; err != nil {
		return nil, err
	}

	matches := make([]Document, 0, len(rows))
	for _, row := range rows {
		var body map[string]any
		if err := json.Unmarshal([]byte(row.BodyJSON), &body); err != nil {
			return nil, fmt.Errorf("store: decode document %s/%s: %w", collection, row.DocID, err)
		}
		if fieldMatches(body[field], op, value) {
			matches = append(matches, Document{
				Collection: collection,
				DocID:      row.DocID,
				Body:       json.RawMessage(row.BodyJSON),
			})
		}
	}
	return matches, nil
}

// PutDocument upserts a document; collaborators that own collections (group
// service, recommendations) write through this outside the Store contract.
func (s *SQLStore) PutDocument(ctx context.Context, collection, docID string, body any) error {
	encoded, err := encodeValue(body)
	if err != nil {
		return err
	}
	record := DocumentRecord{Collection: collection, DocID: docID, BodyJSON: string(encoded)}
	return s.db.WithContext(ctx).Save(&record).Error
}

func likePrefix(path string) string {
	escaped := strings.NewReplacer("%", `\%`, "_", `\_`).Replace(path)
	return escaped + "/%"
}

func encodeValue(value any) ([]byte, error) {
	if raw, ok := value.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(value)
}

func fieldMatches(fieldValue any, op string, want any) bool {
	switch op {
	case OpEquals:
		return fmt.Sprintf("%v", fieldValue) == fmt.Sprintf("%v", want)
	case OpArrayContains:
		wanted := fmt.Sprintf("%v", want)
		switch typed := fieldValue.(type) {
		case []any:
			for _, element := range typed {
				if fmt.Sprintf("%v", element) == wanted {
					return true
				}
			}
		case map[string]any:
			_, ok := typed[wanted]
			return ok
		}
	}
	return false
}

func mergeRows(rootPath string, rows []EntryRecord) (json.RawMessage, error) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].Path < rows[j].Path })

	root := map[string]any{}
	for _, row := range rows {
		var decoded any
		if err := json.Unmarshal([]byte(row.ValueJSON), &decoded); err != nil {
			return nil, fmt.Errorf("store: decode %s: %w", row.Path, err)
		}
		if row.Path == rootPath {
			if asMap, ok := decoded.(map[string]any); ok {
				for key, element := range asMap {
					root[key] = element
				}
			}
			continue
		}
		relative := strings.TrimPrefix(row.Path, rootPath+"/")
		setNested(root, strings.Split(relative, "/"), decoded)
	}
	return json.Marshal(root)
}

func setNested(node map[string]any, segments []string, value any) {
	if len(segments) == 1 {
		node[segments[0]] = value
		return
	}
	child, ok := node[segments[0]].(map[string]any)
	if !ok {
		child = map[string]any{}
		node[segments[0]] = child
	}
	setNested(child, segments[1:], value)
}
