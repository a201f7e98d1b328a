package pkgstore

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/annel0/scene-engine/internal/content/element"
)

// Extension расширение файла пакета
const Extension = ".mpk"

// zeroChunk размер блока при затирании региона
const zeroChunk = 64 * 1024

// ErrBadPackageName возвращается для имён пакетов, которые нельзя превратить в имя файла
var ErrBadPackageName = errors.New("invalid package name")

// Store побайтовое хранилище пакетов в одной папке.
// Файл открывается на время каждой операции и сразу закрывается,
// поэтому внешние инструменты могут читать пакеты между операциями.
// Store не синхронизирован: единственный писатель файлов пакетов это воркер.
type Store struct {
	folder string
}

// New создаёт хранилище, создавая папку при необходимости
func New(folder string) (*Store, error) {
	if folder == "" {
		return nil, fmt.Errorf("content folder is empty")
	}
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return nil, fmt.Errorf("не удалось создать папку контента: %w", err)
	}
	return &Store{folder: folder}, nil
}

// Folder папка пакетов
func (s *Store) Folder() string { return s.folder }

// PackageFile возвращает путь к файлу пакета <folder>/<package>.mpk
func (s *Store) PackageFile(pkg string) (string, error) {
	if pkg == "" || pkg == "." || pkg == ".." || strings.ContainsAny(pkg, `/\`+element.PackageSeparator) {
		return "", fmt.Errorf("%w: %q", ErrBadPackageName, pkg)
	}
	return filepath.Join(s.folder, pkg+Extension), nil
}

// Append дописывает запись в конец файла пакета и возвращает её смещение
func (s *Store) Append(pkg string, record []byte) (int64, error) {
	path, err := s.PackageFile(pkg)
	if err != nil {
		return 0, err
	}
	return appendFile(path, record)
}

// WriteAt пишет запись по смещению внутри освобождённого региона
func (s *Store) WriteAt(pkg string, offset int64, record []byte) error {
	path, err := s.PackageFile(pkg)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open package %s: %w", pkg, err)
	}
	defer f.Close()

	if _, err := f.WriteAt(record, offset); err != nil {
		return fmt.Errorf("write package %s at %d: %w", pkg, offset, err)
	}
	return f.Sync()
}

// ZeroRegion затирает [offset, offset+length) нулевыми байтами.
// Регистрацию региона в списке свободного места выполняет владелец FreeSpaces.
func (s *Store) ZeroRegion(pkg string, offset, length int64) error {
	if length <= 0 {
		return nil
	}
	path, err := s.PackageFile(pkg)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open package %s: %w", pkg, err)
	}
	defer f.Close()

	zeros := make([]byte, min(length, zeroChunk))
	for done := int64(0); done < length; {
		n := min(length-done, int64(len(zeros)))
		if _, err := f.WriteAt(zeros[:n], offset+done); err != nil {
			return fmt.Errorf("zero package %s at %d: %w", pkg, offset+done, err)
		}
		done += n
	}
	return f.Sync()
}

// ReadRecord читает size байт записи по смещению
func (s *Store) ReadRecord(pkg string, offset, size int64) ([]byte, error) {
	if offset < 0 || size <= 0 {
		return nil, fmt.Errorf("%w: record %s@%d has size %d", element.ErrCorrupt, pkg, offset, size)
	}
	path, err := s.PackageFile(pkg)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open package %s: %w", pkg, err)
	}
	defer f.Close()

	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, offset); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: record %s@%d extends past end of file", element.ErrCorrupt, pkg, offset)
		}
		return nil, fmt.Errorf("read package %s at %d: %w", pkg, offset, err)
	}
	return buf, nil
}

// LoadElement читает и разбирает запись, проверяя идентификатор
func (s *Store) LoadElement(pkg string, offset, size int64, id element.ID) (element.Element, error) {
	data, err := s.ReadRecord(pkg, offset, size)
	if err != nil {
		return nil, err
	}
	el, err := element.DecodeBytes(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s@%d: %w", pkg, offset, err)
	}
	if el.Header().ID != id {
		return nil, fmt.Errorf("%w: %s@%d holds id %d, want %d", element.ErrCorrupt, pkg, offset, el.Header().ID, id)
	}
	return el, nil
}

// FileSize размер файла пакета; 0 если файла ещё нет
func (s *Store) FileSize(pkg string) (int64, error) {
	path, err := s.PackageFile(pkg)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stat package %s: %w", pkg, err)
	}
	return info.Size(), nil
}

// Exists проверяет наличие файла пакета
func (s *Store) Exists(pkg string) bool {
	path, err := s.PackageFile(pkg)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Remove удаляет файл пакета. Отсутствующий файл не считается ошибкой.
func (s *Store) Remove(pkg string) error {
	path, err := s.PackageFile(pkg)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove package %s: %w", pkg, err)
	}
	return nil
}

// Export дописывает отвязанную копию элемента в конец произвольного файла.
// Дыры целевого файла не переиспользуются. Возвращает смещение записи.
func Export(file string, el element.Element) (int64, error) {
	clone := el.Clone()
	record, err := element.EncodeBytes(clone)
	if err != nil {
		return 0, err
	}
	if dir := filepath.Dir(file); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, fmt.Errorf("create export folder: %w", err)
		}
	}
	return appendFile(file, record)
}

// Scan последовательно читает записи внешнего файла пакета, пропуская
// затёртые нулями промежутки. fn получает элемент и его смещение в файле.
// На повреждённой или обрезанной записи Scan останавливается с ошибкой ErrCorrupt;
// записи, уже переданные в fn, остаются на ответственности вызывающего.
func Scan(file string, fn func(el element.Element, offset int64) error) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("open package file: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var pos int64
	for {
		// Заглядываем в версию и тип записи, не потребляя их.
		head, err := br.Peek(8)
		if len(head) == 0 && errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read package file: %w", err)
		}
		// Младший байт версии записи никогда не нулевой, так что ноль означает промежуток.
		if head[0] == 0 {
			skipped, err := skipZeros(br)
			pos += skipped
			if err != nil {
				return err
			}
			continue
		}
		if len(head) < 8 {
			return fmt.Errorf("%w: truncated record at offset %d", element.ErrCorrupt, pos)
		}
		version := int32(binary.LittleEndian.Uint32(head[0:4]))
		kind := element.Kind(binary.LittleEndian.Uint32(head[4:8]))
		if version < 1 || !kind.Valid() {
			return fmt.Errorf("%w: bad record tag (version %d, kind %d) at offset %d", element.ErrCorrupt, version, int32(kind), pos)
		}

		r := element.NewReader(br)
		el, err := element.Decode(r)
		if err != nil {
			return fmt.Errorf("record at offset %d: %w", pos, err)
		}
		if err := fn(el, pos); err != nil {
			return err
		}
		pos += r.Offset()
	}
}

func appendFile(path string, record []byte) (int64, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("seek %s: %w", path, err)
	}
	if _, err := f.Write(record); err != nil {
		return 0, fmt.Errorf("write %s: %w", path, err)
	}
	return offset, f.Sync()
}

// skipZeros пропускает подряд идущие нулевые байты
func skipZeros(br *bufio.Reader) (int64, error) {
	var n int64
	for {
		b, err := br.ReadByte()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("read package file: %w", err)
		}
		if b != 0 {
			return n, br.UnreadByte()
		}
		n++
	}
}
