package element

import (
	"github.com/annel0/scene-engine/internal/vec"
)

// Triangle тройка индексов вершин
type Triangle [3]uint32

// Mesh полигональная сетка: вершины, нормали, текстурные координаты и треугольники.
type Mesh struct {
	Hdr       Header
	Vertices  []vec.Vec3
	Normals   []vec.Vec3
	TexCoords []vec.Vec2
	Triangles []Triangle
}

func (m *Mesh) Header() *Header { return &m.Hdr }

func (m *Mesh) Size() int64 {
	return m.Hdr.size() + sizeInt32 +
		sizeInt32 + int64(len(m.Vertices))*12 +
		sizeInt32 + int64(len(m.Normals))*12 +
		sizeInt32 + int64(len(m.TexCoords))*8 +
		sizeInt32 + int64(len(m.Triangles))*12
}

func (m *Mesh) Encode(w *Writer) error {
	m.Hdr.EncodeHeader(w)
	w.Int32(Version)

	writeVec3s(w, m.Vertices)
	writeVec3s(w, m.Normals)
	w.Uint32(uint32(len(m.TexCoords)))
	for _, t := range m.TexCoords {
		w.Float32(t.X)
		w.Float32(t.Y)
	}
	w.Uint32(uint32(len(m.Triangles)))
	for _, tri := range m.Triangles {
		w.Uint32(tri[0])
		w.Uint32(tri[1])
		w.Uint32(tri[2])
	}
	return w.Flush()
}

func (m *Mesh) decodePayload(r *Reader) {
	if version := r.Int32(); version < 1 {
		return
	}

	m.Vertices = readVec3s(r)
	m.Normals = readVec3s(r)
	if n := r.Count(); n > 0 {
		m.TexCoords = make([]vec.Vec2, 0, min(n, prealloc))
		for i := 0; i < n && r.Err() == nil; i++ {
			m.TexCoords = append(m.TexCoords, vec.Vec2{X: r.Float32(), Y: r.Float32()})
		}
	}
	if n := r.Count(); n > 0 {
		m.Triangles = make([]Triangle, 0, min(n, prealloc))
		for i := 0; i < n && r.Err() == nil; i++ {
			m.Triangles = append(m.Triangles, Triangle{r.Uint32(), r.Uint32(), r.Uint32()})
		}
	}
}

func (m *Mesh) Clone() Element {
	return &Mesh{
		Hdr:       m.Hdr.detached(),
		Vertices:  append([]vec.Vec3(nil), m.Vertices...),
		Normals:   append([]vec.Vec3(nil), m.Normals...),
		TexCoords: append([]vec.Vec2(nil), m.TexCoords...),
		Triangles: append([]Triangle(nil), m.Triangles...),
	}
}

func (m *Mesh) Stub() Element {
	h := m.Hdr
	h.Loaded = false
	return &Mesh{Hdr: h}
}

// Bounds возвращает ограничивающий параллелепипед вершин
func (m *Mesh) Bounds() (lo, hi vec.Vec3) {
	if len(m.Vertices) == 0 {
		return
	}
	lo, hi = m.Vertices[0], m.Vertices[0]
	for _, v := range m.Vertices[1:] {
		lo = lo.Min(v)
		hi = hi.Max(v)
	}
	return lo, hi
}

// ComputeNormals пересчитывает сглаженные нормали вершин по треугольникам
func (m *Mesh) ComputeNormals() {
	normals := make([]vec.Vec3, len(m.Vertices))
	for _, tri := range m.Triangles {
		if int(tri[0]) >= len(m.Vertices) || int(tri[1]) >= len(m.Vertices) || int(tri[2]) >= len(m.Vertices) {
			continue
		}
		a, b, c := m.Vertices[tri[0]], m.Vertices[tri[1]], m.Vertices[tri[2]]
		n := b.Sub(a).Cross(c.Sub(a))
		for _, idx := range tri {
			normals[idx] = normals[idx].Add(n)
		}
	}
	for i := range normals {
		normals[i] = normals[i].Normalized()
	}
	m.Normals = normals
}

func writeVec3s(w *Writer, vs []vec.Vec3) {
	w.Uint32(uint32(len(vs)))
	for _, v := range vs {
		w.Float32(v.X)
		w.Float32(v.Y)
		w.Float32(v.Z)
	}
}

func readVec3s(r *Reader) []vec.Vec3 {
	n := r.Count()
	if n == 0 {
		return nil
	}
	out := make([]vec.Vec3, 0, min(n, prealloc))
	for i := 0; i < n && r.Err() == nil; i++ {
		out = append(out, vec.Vec3{X: r.Float32(), Y: r.Float32(), Z: r.Float32()})
	}
	return out
}
