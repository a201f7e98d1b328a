package element

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"sync"
)

// Texture изображение RGBA8. В памяти хранится несжатый буфер пикселей,
// в пакет пишется PNG, который кодируется лениво при первом Size/Encode.
// Кеш PNG защищён мьютексом: Size и Encode можно вызывать из нескольких горутин.
type Texture struct {
	Hdr    Header
	Width  int32
	Height int32

	pixels []byte

	mu      sync.Mutex
	encoded []byte
	valid   bool // encoded соответствует pixels
}

// NewTexture создаёт текстуру из буфера пикселей (буфер копируется)
func NewTexture(width, height int32, pixels []byte) (*Texture, error) {
	t := &Texture{Hdr: Header{Kind: KindTexture}}
	if err := t.SetPixels(width, height, pixels); err != nil {
		return nil, err
	}
	return t, nil
}

// SetPixels заменяет изображение. len(pixels) должен быть width*height*4.
func (t *Texture) SetPixels(width, height int32, pixels []byte) error {
	if width < 0 || height < 0 {
		return fmt.Errorf("invalid texture size %dx%d", width, height)
	}
	if want := int(width) * int(height) * 4; len(pixels) != want {
		return fmt.Errorf("texture %dx%d needs %d bytes, got %d", width, height, want, len(pixels))
	}
	t.Width, t.Height = width, height
	t.pixels = append([]byte(nil), pixels...)
	t.Invalidate()
	return nil
}

// Pixels возвращает буфер пикселей. Изменения буфера требуют вызова Invalidate.
func (t *Texture) Pixels() []byte { return t.pixels }

// Invalidate сбрасывает закодированный PNG после изменения пикселей на месте
func (t *Texture) Invalidate() {
	t.mu.Lock()
	t.valid = false
	t.mu.Unlock()
}

func (t *Texture) Header() *Header { return &t.Hdr }

func (t *Texture) Size() int64 {
	return t.Hdr.size() + sizeInt32 + sizeInt32 + sizeInt32 + sizeBytes(t.png())
}

func (t *Texture) Encode(w *Writer) error {
	t.Hdr.EncodeHeader(w)
	w.Int32(Version)
	w.Int32(t.Width)
	w.Int32(t.Height)
	w.Bytes(t.png())
	return w.Flush()
}

func (t *Texture) decodePayload(r *Reader) {
	if version := r.Int32(); version < 1 {
		return
	}

	t.Width = r.Int32()
	t.Height = r.Int32()
	data := r.Bytes()
	if r.Err() != nil {
		return
	}
	if len(data) == 0 {
		t.pixels = nil
		t.setEncoded(nil)
		return
	}

	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		r.fail("texture %q: %v", t.Hdr.Name, err)
		return
	}
	b := img.Bounds()
	if int32(b.Dx()) != t.Width || int32(b.Dy()) != t.Height {
		r.fail("texture %q: header %dx%d, image %dx%d", t.Hdr.Name, t.Width, t.Height, b.Dx(), b.Dy())
		return
	}
	t.pixels = toNRGBA(img).Pix
	t.setEncoded(data)
}

func (t *Texture) setEncoded(data []byte) {
	t.mu.Lock()
	t.encoded, t.valid = data, true
	t.mu.Unlock()
}

// png возвращает закодированное изображение, кодируя его при необходимости.
// Пустое изображение кодируется нулевой длиной.
func (t *Texture) png() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.valid {
		return t.encoded
	}
	t.encoded = nil
	if t.Width > 0 && t.Height > 0 && len(t.pixels) == int(t.Width)*int(t.Height)*4 {
		img := &image.NRGBA{
			Pix:    t.pixels,
			Stride: int(t.Width) * 4,
			Rect:   image.Rect(0, 0, int(t.Width), int(t.Height)),
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err == nil {
			t.encoded = buf.Bytes()
		}
	}
	t.valid = true
	return t.encoded
}

func (t *Texture) Clone() Element {
	t.mu.Lock()
	defer t.mu.Unlock()

	return &Texture{
		Hdr:     t.Hdr.detached(),
		Width:   t.Width,
		Height:  t.Height,
		pixels:  append([]byte(nil), t.pixels...),
		encoded: t.encoded,
		valid:   t.valid,
	}
}

func (t *Texture) Stub() Element {
	h := t.Hdr
	h.Loaded = false
	return &Texture{Hdr: h}
}

func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Stride == n.Rect.Dx()*4 && n.Rect.Min == (image.Point{}) {
		return n
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
