package element

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// Version текущая версия бинарного формата записи.
const Version int32 = 1

// ID уникальный идентификатор элемента контента.
type ID int64

// InvalidID зарезервированное значение "нет идентификатора".
const InvalidID ID = 0

// Kind тип элемента контента.
type Kind int32

const (
	KindMesh Kind = iota
	KindMaterial
	KindTexture
	KindUIScreen
	KindSkeleton
	KindSound
)

// String возвращает имя типа
func (k Kind) String() string {
	switch k {
	case KindMesh:
		return "Mesh"
	case KindMaterial:
		return "Material"
	case KindTexture:
		return "Texture"
	case KindUIScreen:
		return "UIScreen"
	case KindSkeleton:
		return "Skeleton"
	case KindSound:
		return "Sound"
	default:
		return fmt.Sprintf("Kind(%d)", int32(k))
	}
}

// Valid сообщает, известен ли тип
func (k Kind) Valid() bool {
	return k >= KindMesh && k <= KindSound
}

// ParseKind разбирает имя типа без учёта регистра
func ParseKind(name string) (Kind, error) {
	for k := KindMesh; k <= KindSound; k++ {
		if strings.EqualFold(k.String(), name) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, name)
}

// Ошибки формата
var (
	ErrCorrupt     = errors.New("corrupt content record")
	ErrUnknownKind = errors.New("unknown content kind")
)

// Element общий контракт всех типов контента.
// Набор реализаций закрыт: Mesh, Material, Texture, Blob.
type Element interface {
	// Header возвращает изменяемый заголовок элемента.
	Header() *Header
	// Size точная длина записи в байтах, равная количеству байт, которые пишет Encode.
	Size() int64
	// Encode пишет заголовок и полезную нагрузку и сбрасывает буфер.
	Encode(w *Writer) error
	// Clone создаёт отвязанную копию: id, смещение и размер обнулены, IsLoaded сброшен.
	Clone() Element
	// Stub возвращает копию только с заголовком (без полезной нагрузки).
	Stub() Element

	decodePayload(r *Reader)
}

// New создаёт пустой (незагруженный) элемент указанного типа.
func New(kind Kind) (Element, error) {
	switch kind {
	case KindMesh:
		return &Mesh{Hdr: Header{Kind: kind}}, nil
	case KindMaterial:
		return &Material{Hdr: Header{Kind: kind}}, nil
	case KindTexture:
		return &Texture{Hdr: Header{Kind: kind}}, nil
	case KindUIScreen, KindSkeleton, KindSound:
		return &Blob{Hdr: Header{Kind: kind}}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int32(kind))
	}
}

// NewStub создаёт заглушку указанного в заголовке типа с копией заголовка.
func NewStub(h Header) (Element, error) {
	el, err := New(h.Kind)
	if err != nil {
		return nil, err
	}
	*el.Header() = h
	el.Header().Loaded = false
	return el, nil
}

// Decode читает одну полную запись: заголовок, затем полезную нагрузку нужного типа.
func Decode(r *Reader) (Element, error) {
	start := r.Offset()

	h, err := DecodeHeader(r)
	if err != nil {
		return nil, err
	}

	el, err := New(h.Kind)
	if err != nil {
		return nil, err
	}
	*el.Header() = h
	el.decodePayload(r)
	if err := r.Err(); err != nil {
		return nil, err
	}

	// Записи более новых версий могут содержать поля, которых мы не знаем.
	consumed := r.Offset() - start
	if h.Version > Version && h.SavedSize > consumed {
		r.Skip(h.SavedSize - consumed)
		if err := r.Err(); err != nil {
			return nil, err
		}
	}

	el.Header().Loaded = true
	return el, nil
}

// DecodeBytes разбирает запись из буфера
func DecodeBytes(data []byte) (Element, error) {
	return Decode(NewReader(bytes.NewReader(data)))
}

// EncodeBytes сериализует элемент в новый буфер.
// Проверяет, что Size() совпадает с фактической длиной записи.
func EncodeBytes(el Element) ([]byte, error) {
	var buf bytes.Buffer
	size := el.Size()
	buf.Grow(int(size))

	w := NewWriter(&buf)
	if err := el.Encode(w); err != nil {
		return nil, err
	}
	if int64(buf.Len()) != size {
		return nil, fmt.Errorf("%s %q: encoded %d bytes, Size() reported %d", el.Header().Kind, el.Header().Name, buf.Len(), size)
	}
	return buf.Bytes(), nil
}
