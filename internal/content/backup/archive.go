// Package backup пишет снимки элементов перед сохранением и удалением
// и ведёт журнал снимков в BadgerDB.
package backup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/annel0/scene-engine/internal/content/element"
	"github.com/annel0/scene-engine/internal/content/pkgstore"
	"github.com/dgraph-io/badger/v3"
)

// TimestampLayout формат метки времени в имени файла снимка
const TimestampLayout = "2006-01-02_15-04-05.000000000"

// EraseSuffix добавляется к имени снимка, сделанного перед удалением
const EraseSuffix = "_erase"

var nameReplacer = strings.NewReplacer(
	element.PathSeparator, "-",
	element.PackageSeparator, "-",
	"/", "-",
	":", "-",
)

// Entry запись журнала о снимке
type Entry struct {
	ID        element.ID `json:"id"`
	FullName  string     `json:"full_name"`
	Kind      string     `json:"kind"`
	File      string     `json:"file"`
	Size      int64      `json:"size"`
	Erase     bool       `json:"erase"`
	CreatedAt time.Time  `json:"created_at"`
}

// Archive папка снимков и журнал к ней
type Archive struct {
	folder  string
	db      *badger.DB
	mutex   sync.RWMutex
	isReady bool
}

// Open открывает папку снимков. При ledger=true в <folder>/ledger открывается журнал.
func Open(folder string, ledger bool) (*Archive, error) {
	if folder == "" {
		return nil, fmt.Errorf("backup folder is empty")
	}
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return nil, fmt.Errorf("не удалось создать папку бэкапов: %w", err)
	}

	a := &Archive{folder: folder, isReady: true}
	if !ledger {
		return a, nil
	}

	opts := badger.DefaultOptions(filepath.Join(folder, "ledger"))
	opts.Logger = nil // Отключаем логирование BadgerDB

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть журнал бэкапов: %w", err)
	}
	a.db = db
	return a, nil
}

// Folder папка снимков
func (a *Archive) Folder() string { return a.folder }

// FileName имя файла снимка для элемента
func FileName(h *element.Header, at time.Time, erase bool) string {
	name := at.Format(TimestampLayout) + "_" + nameReplacer.Replace(h.Package) + "_" + nameReplacer.Replace(h.Name)
	if erase {
		name += EraseSuffix
	}
	return name + pkgstore.Extension
}

// Snapshot дописывает отвязанную копию el в новый файл снимка и регистрирует его в журнале.
// id передаётся отдельно: копия в файле не несёт идентификатора.
func (a *Archive) Snapshot(el element.Element, id element.ID, erase bool, at time.Time) (Entry, error) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	if !a.isReady {
		return Entry{}, fmt.Errorf("архив бэкапов закрыт")
	}

	h := el.Header()
	file := filepath.Join(a.folder, FileName(h, at, erase))
	if _, err := pkgstore.Export(file, el); err != nil {
		return Entry{}, fmt.Errorf("backup %s: %w", h.FullName(), err)
	}

	entry := Entry{
		ID:        id,
		FullName:  h.FullName(),
		Kind:      h.Kind.String(),
		File:      file,
		Size:      el.Size(),
		Erase:     erase,
		CreatedAt: at,
	}
	if a.db == nil {
		return entry, nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return entry, fmt.Errorf("ошибка сериализации записи журнала: %w", err)
	}
	err = a.db.Update(func(txn *badger.Txn) error {
		return txn.Set(ledgerKey(id, at), data)
	})
	if err != nil {
		return entry, fmt.Errorf("ошибка сохранения в BadgerDB: %w", err)
	}
	return entry, nil
}

// List возвращает снимки элемента, новые первыми.
// Без журнала список всегда пуст.
func (a *Archive) List(id element.ID) ([]Entry, error) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	if !a.isReady {
		return nil, fmt.Errorf("архив бэкапов закрыт")
	}
	if a.db == nil {
		return nil, nil
	}

	prefix := ledgerPrefix(id)
	var entries []Entry
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var e Entry
				if err := json.Unmarshal(val, &e); err != nil {
					return err
				}
				entries = append(entries, e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения журнала бэкапов: %w", err)
	}

	slices.Reverse(entries)
	return entries, nil
}

// Close закрывает журнал
func (a *Archive) Close() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if !a.isReady {
		return nil
	}
	a.isReady = false
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

func ledgerPrefix(id element.ID) []byte {
	return []byte(fmt.Sprintf("backup:%d:", int64(id)))
}

// ledgerKey дополняет время нулями, чтобы лексикографический порядок ключей совпадал с хронологическим
func ledgerKey(id element.ID, at time.Time) []byte {
	return []byte(fmt.Sprintf("backup:%d:%020d", int64(id), at.UnixNano()))
}
