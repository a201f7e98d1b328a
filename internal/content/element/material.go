package element

import (
	"github.com/annel0/scene-engine/internal/vec"
)

// Material параметры затенения и ссылки на две текстуры.
type Material struct {
	Hdr Header

	Diffuse         vec.Color
	Specular        vec.Color
	Ambient         vec.Color
	Emissive        vec.Color
	Shininess       float32
	Opacity         float32
	Reflectivity    float32
	RefractionIndex float32

	DiffuseTexture ID
	NormalTexture  ID
}

const materialPayloadSize = sizeInt32 + 4*16 + 4*4 + 2*sizeInt64

func (m *Material) Header() *Header { return &m.Hdr }

func (m *Material) Size() int64 {
	return m.Hdr.size() + materialPayloadSize
}

func (m *Material) Encode(w *Writer) error {
	m.Hdr.EncodeHeader(w)
	w.Int32(Version)

	for _, c := range []vec.Color{m.Diffuse, m.Specular, m.Ambient, m.Emissive} {
		writeColor(w, c)
	}
	w.Float32(m.Shininess)
	w.Float32(m.Opacity)
	w.Float32(m.Reflectivity)
	w.Float32(m.RefractionIndex)
	w.Int64(int64(m.DiffuseTexture))
	w.Int64(int64(m.NormalTexture))
	return w.Flush()
}

func (m *Material) decodePayload(r *Reader) {
	if version := r.Int32(); version < 1 {
		return
	}

	m.Diffuse = readColor(r)
	m.Specular = readColor(r)
	m.Ambient = readColor(r)
	m.Emissive = readColor(r)
	m.Shininess = r.Float32()
	m.Opacity = r.Float32()
	m.Reflectivity = r.Float32()
	m.RefractionIndex = r.Float32()
	m.DiffuseTexture = ID(r.Int64())
	m.NormalTexture = ID(r.Int64())
}

func (m *Material) Clone() Element {
	c := *m
	c.Hdr = m.Hdr.detached()
	return &c
}

func (m *Material) Stub() Element {
	h := m.Hdr
	h.Loaded = false
	return &Material{Hdr: h}
}

// TextureRefs возвращает ненулевые ссылки на текстуры
func (m *Material) TextureRefs() []ID {
	var refs []ID
	if m.DiffuseTexture != InvalidID {
		refs = append(refs, m.DiffuseTexture)
	}
	if m.NormalTexture != InvalidID {
		refs = append(refs, m.NormalTexture)
	}
	return refs
}

func writeColor(w *Writer, c vec.Color) {
	w.Float32(c.R)
	w.Float32(c.G)
	w.Float32(c.B)
	w.Float32(c.A)
}

func readColor(r *Reader) vec.Color {
	return vec.Color{R: r.Float32(), G: r.Float32(), B: r.Float32(), A: r.Float32()}
}
