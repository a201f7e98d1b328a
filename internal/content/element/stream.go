package element

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Ограничения на длину строк и буферов при чтении: защищают от
// гигантских аллокаций на повреждённых данных.
const (
	maxStringLen = 1 << 20
	maxBlobLen   = 1 << 31
	maxArrayLen  = 1 << 28
	prealloc     = 1 << 12
)

// Writer пишет примитивы в little-endian без выравнивания.
// Первая ошибка запоминается, последующие вызовы становятся no-op.
type Writer struct {
	w   *bufio.Writer
	n   int64
	err error
	buf [8]byte
}

// NewWriter оборачивает поток буферизованным писателем
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

func (w *Writer) write(p []byte) {
	if w.err != nil {
		return
	}
	n, err := w.w.Write(p)
	w.n += int64(n)
	w.err = err
}

// Int32 пишет 4 байта
func (w *Writer) Int32(v int32) { w.Uint32(uint32(v)) }

// Uint32 пишет 4 байта
func (w *Writer) Uint32(v uint32) {
	binary.LittleEndian.PutUint32(w.buf[:4], v)
	w.write(w.buf[:4])
}

// Int64 пишет 8 байт
func (w *Writer) Int64(v int64) {
	binary.LittleEndian.PutUint64(w.buf[:8], uint64(v))
	w.write(w.buf[:8])
}

// Float32 пишет IEEE-754 float32
func (w *Writer) Float32(v float32) { w.Uint32(math.Float32bits(v)) }

// String пишет 4-байтовую длину и байты строки без терминатора
func (w *Writer) String(s string) {
	w.Uint32(uint32(len(s)))
	w.write([]byte(s))
}

// Bytes пишет 4-байтовую длину и сырые байты
func (w *Writer) Bytes(b []byte) {
	w.Uint32(uint32(len(b)))
	w.write(b)
}

// Written возвращает количество записанных байт
func (w *Writer) Written() int64 { return w.n }

// Err возвращает первую ошибку записи
func (w *Writer) Err() error { return w.err }

// Flush сбрасывает буфер в нижележащий поток
func (w *Writer) Flush() error {
	if w.err != nil {
		return w.err
	}
	w.err = w.w.Flush()
	return w.err
}

// Reader читает примитивы в формате Writer.
// Как и Writer, запоминает первую ошибку; io.EOF посреди поля превращается в ErrCorrupt.
type Reader struct {
	r   io.Reader
	n   int64
	err error
	buf [8]byte
}

// NewReader создаёт читатель поверх потока
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (r *Reader) read(p []byte) {
	if r.err != nil {
		return
	}
	n, err := io.ReadFull(r.r, p)
	r.n += int64(n)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			err = fmt.Errorf("%w: unexpected end of stream at byte %d", ErrCorrupt, r.n)
		}
		r.err = err
	}
}

// Int32 читает 4 байта
func (r *Reader) Int32() int32 { return int32(r.Uint32()) }

// Uint32 читает 4 байта
func (r *Reader) Uint32() uint32 {
	r.read(r.buf[:4])
	if r.err != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(r.buf[:4])
}

// Int64 читает 8 байт
func (r *Reader) Int64() int64 {
	r.read(r.buf[:8])
	if r.err != nil {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(r.buf[:8]))
}

// Float32 читает IEEE-754 float32
func (r *Reader) Float32() float32 { return math.Float32frombits(r.Uint32()) }

// String читает строку с 4-байтовым префиксом длины
func (r *Reader) String() string {
	n := r.Uint32()
	if r.err != nil {
		return ""
	}
	if n > maxStringLen {
		r.fail("string length %d exceeds limit", n)
		return ""
	}
	b := make([]byte, n)
	r.read(b)
	return string(b)
}

// Bytes читает буфер с 4-байтовым префиксом длины
func (r *Reader) Bytes() []byte {
	n := r.Uint32()
	if r.err != nil {
		return nil
	}
	if uint64(n) > maxBlobLen {
		r.fail("buffer length %d exceeds limit", n)
		return nil
	}
	// Читаем через LimitReader: буфер растёт по мере поступления данных,
	// а не выделяется целиком по заявленной длине.
	b, err := io.ReadAll(io.LimitReader(r.r, int64(n)))
	r.n += int64(len(b))
	if err != nil {
		r.err = err
		return nil
	}
	if len(b) != int(n) {
		r.fail("buffer truncated: %d of %d bytes", len(b), n)
		return nil
	}
	return b
}

// Count читает счётчик элементов массива
func (r *Reader) Count() int {
	n := r.Uint32()
	if r.err == nil && n > maxArrayLen {
		r.fail("array length %d exceeds limit", n)
		return 0
	}
	return int(n)
}

// Skip пропускает n байт
func (r *Reader) Skip(n int64) {
	if r.err != nil || n <= 0 {
		return
	}
	copied, err := io.CopyN(io.Discard, r.r, n)
	r.n += copied
	if err != nil {
		r.fail("skip %d bytes: %v", n, err)
	}
}

// Offset возвращает количество прочитанных байт
func (r *Reader) Offset() int64 { return r.n }

// Err возвращает первую ошибку чтения
func (r *Reader) Err() error { return r.err }

func (r *Reader) fail(format string, args ...interface{}) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
	}
}

// sizes of primitive fields
const (
	sizeInt32 = 4
	sizeInt64 = 8
)

func sizeString(s string) int64 { return sizeInt32 + int64(len(s)) }

func sizeBytes(b []byte) int64 { return sizeInt32 + int64(len(b)) }
