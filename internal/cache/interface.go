// Package cache зеркалирует заголовки каталога контента во внешнее KV-хранилище,
// чтобы соседние сервисы находили элементы по имени, не открывая файлы пакетов.
package cache

import (
	"context"
	"errors"
)

// Backend минимальный набор операций хранилища зеркала.
// Get возвращает ErrCacheMiss, если ключа нет.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, keys ...string) error

	// Множества используются для индекса пакет -> элементы
	AddMember(ctx context.Context, set, member string) error
	RemoveMember(ctx context.Context, set, member string) error
	Members(ctx context.Context, set string) ([]string, error)

	Close() error
}

// Entry заголовок элемента в зеркале
type Entry struct {
	ID       int64  `json:"id"`
	Kind     string `json:"kind,omitempty"`
	FullName string `json:"full_name"`
	Package  string `json:"package"`
	Offset   int64  `json:"offset"`
	Size     int64  `json:"size"`
}

var (
	ErrCacheMiss  = errors.New("cache miss")
	ErrInvalidKey = errors.New("invalid key")
)

// IsCacheMiss проверяет, является ли ошибка промахом кеша.
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}
