// Package sqlstore is a relational backing store for a Reflector, built on
// gorm. Objects are serialized with a runtime.Codec and stored as a JSON
// column keyed by UID, one row per mirrored item.
package sqlstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
)

// Object is the minimal surface sqlstore needs from a mirrored item.
type Object interface {
	runtime.Object
	metav1.Object
}

// MirroredObject is the gorm model backing one mirrored item. It collapses
// a group/version/resource/cluster/namespace/name composite key
// down to a single UID column: a Reflector mirrors one resource kind, not
// clusterpedia's multi-cluster, multi-GVR catalogue.
type MirroredObject struct {
	UID             string `gorm:"primaryKey;size:36"`
	Namespace       string `gorm:"size:253;index:idx_namespace_name"`
	Name            string `gorm:"size:253;not null;index:idx_namespace_name"`
	ResourceVersion string `gorm:"size:30;not null"`
	Object          datatypes.JSON `gorm:"not null"`
}

func (MirroredObject) TableName() string { return "mirrored_objects" }

// Store persists mirrored objects of type T in a SQL database through db.
type Store[T Object] struct {
	db      *gorm.DB
	codec   runtime.Codec
	newItem func() T
}

// New returns a Store backed by db, encoding/decoding items with codec.
// newItem must return a freshly allocated T, used as the decode target.
func New[T Object](db *gorm.DB, codec runtime.Codec, newItem func() T) *Store[T] {
	return &Store[T]{db: db, codec: codec, newItem: newItem}
}

// OpenMySQL opens a gorm.DB against a MySQL DSN, suitable for passing to New.
func OpenMySQL(dsn string) (*gorm.DB, error) {
	return gorm.Open(mysql.Open(dsn), &gorm.Config{})
}

// OpenPostgres opens a gorm.DB against a Postgres DSN, suitable for passing
// to New.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	return gorm.Open(postgres.Open(dsn), &gorm.Config{})
}

// AutoMigrate creates or updates the mirrored_objects table.
func (s *Store[T]) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&MirroredObject{})
}

func (s *Store[T]) encode(item T) (MirroredObject, error) {
	var buf bytes.Buffer
	if err := s.codec.Encode(item, &buf); err != nil {
		return MirroredObject{}, err
	}
	return MirroredObject{
		UID:             string(item.GetUID()),
		Namespace:       item.GetNamespace(),
		Name:            item.GetName(),
		ResourceVersion: item.GetResourceVersion(),
		Object:          datatypes.JSON(buf.Bytes()),
	}, nil
}

// Add upserts item, keyed by UID (a keyed FirstOrCreate with Assign rather
// than a plain insert): a Reflector's Add/Modified distinction collapses to
// "upsert" at the storage layer.
func (s *Store[T]) Add(ctx context.Context, item T) error {
	return s.upsert(ctx, item)
}

// Update upserts item.
func (s *Store[T]) Update(ctx context.Context, item T) error {
	return s.upsert(ctx, item)
}

func (s *Store[T]) upsert(ctx context.Context, item T) error {
	row, err := s.encode(item)
	if err != nil {
		return err
	}

	result := s.db.WithContext(ctx).
		Where(MirroredObject{UID: row.UID}).
		Assign(map[string]interface{}{
			"namespace":        row.Namespace,
			"name":             row.Name,
			"resource_version": row.ResourceVersion,
			"object":           row.Object,
		}).
		FirstOrCreate(&MirroredObject{})
	return interpretDBError(string(item.GetUID()), result.Error)
}

// Delete removes item's row.
func (s *Store[T]) Delete(ctx context.Context, item T) error {
	result := s.db.WithContext(ctx).Where(&MirroredObject{UID: string(item.GetUID())}).Delete(&MirroredObject{})
	return interpretDBError(string(item.GetUID()), result.Error)
}

// Resync drops every row: the next watch session's events fully repopulate
// the table, so anything left over from before the desync would otherwise
// be orphaned forever (it will never again receive a Delete event for a
// UID the new session doesn't know about).
func (s *Store[T]) Resync(ctx context.Context) error {
	result := s.db.WithContext(ctx).Where("1 = 1").Delete(&MirroredObject{})
	return interpretDBError("", result.Error)
}

// Get returns the mirrored item for uid, decoded into a freshly allocated T.
func (s *Store[T]) Get(ctx context.Context, uid types.UID) (item T, exists bool, err error) {
	var row MirroredObject
	result := s.db.WithContext(ctx).Where(&MirroredObject{UID: string(uid)}).First(&row)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return item, false, nil
	}
	if result.Error != nil {
		return item, false, result.Error
	}

	dst := s.newItem()
	obj, _, err := s.codec.Decode(row.Object, nil, dst)
	if err != nil {
		return item, false, err
	}
	decoded, ok := obj.(T)
	if !ok {
		return item, false, fmt.Errorf("sqlstore: decoded object is %T, not %T", obj, dst)
	}
	return decoded, true, nil
}

func interpretDBError(uid string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apierrors.NewNotFound(schema.GroupResource{}, uid)
	}
	return err
}

// BoundStore binds a Store to a fixed context, so it satisfies
// state.Writer[T] (whose methods, following a cache.Store-shaped contract, take
// no context) the same way db.WithContext(ctx) binds a *gorm.DB.
type BoundStore[T Object] struct {
	ctx   context.Context
	store *Store[T]
}

// WithContext returns a state.Writer[T]-shaped view of s bound to ctx.
func (s *Store[T]) WithContext(ctx context.Context) *BoundStore[T] {
	return &BoundStore[T]{ctx: ctx, store: s}
}

func (b *BoundStore[T]) Add(item T) error    { return b.store.Add(b.ctx, item) }
func (b *BoundStore[T]) Update(item T) error { return b.store.Update(b.ctx, item) }
func (b *BoundStore[T]) Delete(item T) error { return b.store.Delete(b.ctx, item) }
func (b *BoundStore[T]) Resync() error       { return b.store.Resync(b.ctx) }
