// Package index хранит индексную базу контента: таблицу пакетов (пути и
// свободные регионы) и таблицу заголовков всех элементов. По ней каталог
// восстанавливается при старте без чтения файлов пакетов.
package index

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/annel0/scene-engine/internal/content/element"
	"github.com/annel0/scene-engine/internal/content/pkgstore"
)

// Version версия формата индексной базы
const Version int32 = 1

// Package запись о пакете в индексной базе
type Package struct {
	Name  string
	Paths []string
	Free  pkgstore.FreeSpaces
}

// Snapshot содержимое индексной базы
type Snapshot struct {
	Packages []Package
	Headers  []element.Header
}

// Save пишет снимок во временный файл и атомарно переименовывает его поверх file
func Save(file string, snap Snapshot) error {
	if dir := filepath.Dir(file); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create index folder: %w", err)
		}
	}

	tmp := file + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}

	w := element.NewWriter(f)
	w.Int32(Version)
	w.Int32(int32(len(snap.Packages)))
	for _, p := range snap.Packages {
		w.String(p.Name)
		w.Uint32(uint32(len(p.Paths)))
		for _, path := range p.Paths {
			w.String(path)
		}
		w.Uint32(uint32(len(p.Free)))
		for _, r := range p.Free {
			w.Int64(r.Offset)
			w.Int64(r.Length)
		}
	}
	w.Int32(int32(len(snap.Headers)))
	for i := range snap.Headers {
		snap.Headers[i].EncodeHeader(w)
	}

	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write index: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync index: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close index: %w", err)
	}
	if err := os.Rename(tmp, file); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace index: %w", err)
	}
	return nil
}

// Load читает индексную базу. Отсутствующий файл возвращает ошибку,
// удовлетворяющую errors.Is(err, os.ErrNotExist).
func Load(file string) (Snapshot, error) {
	var snap Snapshot

	f, err := os.Open(file)
	if err != nil {
		return snap, fmt.Errorf("open index: %w", err)
	}
	defer f.Close()

	r := element.NewReader(bufio.NewReader(f))
	version := r.Int32()
	if r.Err() == nil && version < 1 {
		return snap, fmt.Errorf("%w: index version %d", element.ErrCorrupt, version)
	}

	pkgCount := int(r.Int32())
	if pkgCount < 0 {
		return snap, fmt.Errorf("%w: negative package count", element.ErrCorrupt)
	}
	for i := 0; i < pkgCount && r.Err() == nil; i++ {
		p := Package{Name: r.String()}
		n := r.Count()
		for j := 0; j < n && r.Err() == nil; j++ {
			p.Paths = append(p.Paths, r.String())
		}
		n = r.Count()
		for j := 0; j < n && r.Err() == nil; j++ {
			p.Free = append(p.Free, pkgstore.Region{Offset: r.Int64(), Length: r.Int64()})
		}
		snap.Packages = append(snap.Packages, p)
	}
	if err := r.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("read index packages: %w", err)
	}

	count := int(r.Int32())
	if count < 0 {
		return Snapshot{}, fmt.Errorf("%w: negative element count", element.ErrCorrupt)
	}
	for i := 0; i < count; i++ {
		h, err := element.DecodeHeader(r)
		if err != nil {
			return Snapshot{}, fmt.Errorf("read index element %d: %w", i, err)
		}
		snap.Headers = append(snap.Headers, h)
	}
	return snap, nil
}
