package element

import (
	"fmt"
	"strings"
)

const (
	// PackageSeparator отделяет имя пакета от пути
	PackageSeparator = "#"
	// PathSeparator разделитель сегментов пути и имени
	PathSeparator = "\\"
)

// Header общий заголовок каждой записи контента.
type Header struct {
	Version       int32
	Kind          Kind
	ID            ID
	Name          string
	Package       string
	Path          string
	PackageOffset int64 // смещение записи в файле пакета, -1 до первого сохранения
	SavedSize     int64 // длина записи при последнем сохранении
	Loaded        bool  // false для заглушки без полезной нагрузки
}

// FullName каноническое имя package#path\name (сегмент пути опускается, если пуст)
func (h *Header) FullName() string {
	return JoinFullName(h.Package, h.Path, h.Name)
}

// FullPath имя пакета и пути в форме package#path
func (h *Header) FullPath() string {
	return JoinFullPath(h.Package, h.Path)
}

// Stored сообщает, была ли запись уже сохранена в пакет
func (h *Header) Stored() bool {
	return h.PackageOffset >= 0 && h.SavedSize > 0
}

// detached копия заголовка для Clone
func (h Header) detached() Header {
	h.ID = InvalidID
	h.PackageOffset = 0
	h.SavedSize = 0
	h.Loaded = false
	return h
}

// size длина заголовка в байтах
func (h *Header) size() int64 {
	return sizeInt32 + sizeInt32 + sizeInt64 +
		sizeString(h.Name) + sizeString(h.Package) + sizeString(h.Path) +
		sizeInt64 + sizeInt64
}

// HeaderSize длина сериализованного заголовка
func (h *Header) HeaderSize() int64 { return h.size() }

// EncodeHeader пишет только заголовок (используется индексной базой)
func (h *Header) EncodeHeader(w *Writer) {
	w.Int32(Version)
	w.Int32(int32(h.Kind))
	w.Int64(int64(h.ID))
	w.String(h.Name)
	w.String(h.Package)
	w.String(h.Path)
	w.Int64(h.PackageOffset)
	w.Int64(h.SavedSize)
}

// DecodeHeader читает заголовок записи. Поля читаются только для версии >= 1.
func DecodeHeader(r *Reader) (Header, error) {
	var h Header
	h.Version = r.Int32()
	h.Kind = Kind(r.Int32())
	if err := r.Err(); err != nil {
		return h, err
	}
	if h.Version < 1 {
		return h, fmt.Errorf("%w: header version %d", ErrCorrupt, h.Version)
	}
	if !h.Kind.Valid() {
		return h, fmt.Errorf("%w: %d", ErrUnknownKind, int32(h.Kind))
	}

	h.ID = ID(r.Int64())
	h.Name = r.String()
	h.Package = r.String()
	h.Path = r.String()
	h.PackageOffset = r.Int64()
	h.SavedSize = r.Int64()
	return h, r.Err()
}

// JoinFullName собирает package#path\name
func JoinFullName(pkg, path, name string) string {
	if path == "" {
		return pkg + PackageSeparator + name
	}
	return pkg + PackageSeparator + path + PathSeparator + name
}

// JoinFullPath собирает package#path
func JoinFullPath(pkg, path string) string {
	return pkg + PackageSeparator + path
}

// SplitFullName разбирает package#path\name
func SplitFullName(fullName string) (pkg, path, name string, err error) {
	pkg, rest, ok := strings.Cut(fullName, PackageSeparator)
	if !ok || pkg == "" {
		return "", "", "", fmt.Errorf("invalid full name %q: missing package", fullName)
	}
	idx := strings.LastIndex(rest, PathSeparator)
	if idx < 0 {
		name = rest
	} else {
		path, name = rest[:idx], rest[idx+1:]
	}
	if name == "" {
		return "", "", "", fmt.Errorf("invalid full name %q: missing element name", fullName)
	}
	return pkg, path, name, nil
}

// SplitFullPath разбирает package#path (завершающий разделитель допускается)
func SplitFullPath(fullPath string) (pkg, path string, err error) {
	pkg, rest, ok := strings.Cut(fullPath, PackageSeparator)
	if !ok || pkg == "" {
		return "", "", fmt.Errorf("invalid path %q: missing package", fullPath)
	}
	return pkg, strings.TrimSuffix(rest, PathSeparator), nil
}
