package element

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/annel0/scene-engine/internal/vec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHeader(kind Kind, name string) Header {
	return Header{
		Version:       Version,
		Kind:          kind,
		ID:            ID(1700000000123),
		Name:          name,
		Package:       "P",
		Path:          "props\\crates",
		PackageOffset: 4096,
		SavedSize:     0,
		Loaded:        true,
	}
}

func testMesh() *Mesh {
	return &Mesh{
		Hdr:       testHeader(KindMesh, "crate"),
		Vertices:  []vec.Vec3{{X: 0}, {X: 1}, {Y: 1}, {Z: 1.5}},
		Normals:   []vec.Vec3{{Z: 1}, {Z: 1}, {Z: 1}, {Z: 1}},
		TexCoords: []vec.Vec2{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 0, Y: 1}, {X: 1, Y: 1}},
		Triangles: []Triangle{{0, 1, 2}, {1, 3, 2}},
	}
}

func testTexture(t *testing.T) *Texture {
	pixels := make([]byte, 4*3*4)
	for i := range pixels {
		pixels[i] = byte(i * 7)
	}
	tex, err := NewTexture(4, 3, pixels)
	require.NoError(t, err)
	tex.Hdr = testHeader(KindTexture, "wood")
	return tex
}

func allKinds(t *testing.T) []Element {
	return []Element{
		testMesh(),
		&Material{
			Hdr:             testHeader(KindMaterial, "wood_mat"),
			Diffuse:         vec.Color{R: 0.5, G: 0.25, B: 0.125, A: 1},
			Specular:        vec.White,
			Ambient:         vec.Black,
			Shininess:       32,
			Opacity:         0.75,
			Reflectivity:    0.1,
			RefractionIndex: 1.33,
			DiffuseTexture:  ID(42),
			NormalTexture:   ID(43),
		},
		testTexture(t),
		&Blob{Hdr: testHeader(KindSound, "creak"), Data: []byte("RIFF....WAVE")},
		&Blob{Hdr: testHeader(KindSkeleton, "rig")},
	}
}

func TestRoundTrip_AllKinds(t *testing.T) {
	for _, el := range allKinds(t) {
		t.Run(el.Header().Kind.String(), func(t *testing.T) {
			data, err := EncodeBytes(el)
			require.NoError(t, err)
			assert.Equal(t, el.Size(), int64(len(data)), "Size() должен совпадать с длиной записи")

			decoded, err := DecodeBytes(data)
			require.NoError(t, err)

			assert.True(t, decoded.Header().Loaded)
			assert.Equal(t, el.Size(), decoded.Size())

			assert.Equal(t, *el.Header(), *decoded.Header())

			switch orig := el.(type) {
			case *Mesh:
				assert.Equal(t, orig.Vertices, decoded.(*Mesh).Vertices)
				assert.Equal(t, orig.Normals, decoded.(*Mesh).Normals)
				assert.Equal(t, orig.TexCoords, decoded.(*Mesh).TexCoords)
				assert.Equal(t, orig.Triangles, decoded.(*Mesh).Triangles)
			case *Material:
				assert.Equal(t, orig, decoded.(*Material))
			case *Texture:
				tex := decoded.(*Texture)
				assert.Equal(t, orig.Width, tex.Width)
				assert.Equal(t, orig.Height, tex.Height)
				assert.Equal(t, orig.Pixels(), tex.Pixels())
			case *Blob:
				assert.Equal(t, orig.Data, decoded.(*Blob).Data)
			}
		})
	}
}

func TestClone_ResetsDiskPosition(t *testing.T) {
	for _, el := range allKinds(t) {
		clone := el.Clone()
		h := clone.Header()

		assert.Equal(t, InvalidID, h.ID)
		assert.Equal(t, int64(0), h.PackageOffset)
		assert.Equal(t, int64(0), h.SavedSize)
		assert.False(t, h.Loaded)
		assert.Equal(t, el.Header().FullName(), h.FullName())
		assert.Equal(t, el.Size(), clone.Size(), "клон должен иметь тот же размер")
	}

	mesh := testMesh()
	clone := mesh.Clone().(*Mesh)
	clone.Vertices[0].X = 99
	assert.Equal(t, float32(0), mesh.Vertices[0].X, "клон не должен делить буферы с оригиналом")
}

func TestStub_KeepsHeaderDropsPayload(t *testing.T) {
	mesh := testMesh()
	stub := mesh.Stub().(*Mesh)

	assert.Equal(t, mesh.Hdr.ID, stub.Hdr.ID)
	assert.Equal(t, mesh.Hdr.PackageOffset, stub.Hdr.PackageOffset)
	assert.False(t, stub.Hdr.Loaded)
	assert.Nil(t, stub.Vertices)
}

func TestDecode_Truncated(t *testing.T) {
	data, err := EncodeBytes(testMesh())
	require.NoError(t, err)

	_, err = DecodeBytes(data[:len(data)-5])
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorrupt))
}

func TestDecode_UnknownKind(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, int32(1))
	binary.Write(&buf, binary.LittleEndian, int32(77))

	_, err := DecodeBytes(buf.Bytes())
	assert.True(t, errors.Is(err, ErrUnknownKind))
}

func TestDecode_NewerVersionSkipsUnknownTail(t *testing.T) {
	blob := &Blob{Hdr: testHeader(KindUIScreen, "hud"), Data: []byte{1, 2, 3}}
	data, err := EncodeBytes(blob)
	require.NoError(t, err)

	// Версия 2 с лишним хвостом из 6 байт; SavedSize описывает полную длину.
	extended := append(append([]byte(nil), data...), 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF)
	binary.LittleEndian.PutUint32(extended[0:4], 2)
	savedSizeAt := blob.Hdr.HeaderSize() - 8
	binary.LittleEndian.PutUint64(extended[savedSizeAt:], uint64(len(extended)))

	r := NewReader(bytes.NewReader(append(extended, data...)))
	first, err := Decode(r)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, first.(*Blob).Data)

	second, err := Decode(r)
	require.NoError(t, err, "следующая запись должна читаться после пропуска хвоста")
	assert.Equal(t, "hud", second.Header().Name)
}

func TestTexture_LazyEncoding(t *testing.T) {
	tex := testTexture(t)
	size := tex.Size()

	pixels := tex.Pixels()
	pixels[0] ^= 0xFF
	tex.Invalidate()

	data, err := EncodeBytes(tex)
	require.NoError(t, err)
	assert.Equal(t, tex.Size(), int64(len(data)))
	assert.NotZero(t, size)

	_, err = NewTexture(2, 2, make([]byte, 3))
	assert.Error(t, err)
}

func TestTexture_ConcurrentSizeAndEncode(t *testing.T) {
	tex := testTexture(t)
	want, err := EncodeBytes(testTexture(t))
	require.NoError(t, err)

	var wg sync.WaitGroup
	sizes := make([]int64, 8)
	for i := range sizes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				sizes[i] = tex.Size()
				return
			}
			data, err := EncodeBytes(tex)
			if err == nil {
				sizes[i] = int64(len(data))
			}
		}(i)
	}
	wg.Wait()

	for i, size := range sizes {
		assert.Equal(t, int64(len(want)), size, "горутина %d", i)
	}
}

func TestEmptyTexture(t *testing.T) {
	tex := &Texture{Hdr: testHeader(KindTexture, "empty")}
	data, err := EncodeBytes(tex)
	require.NoError(t, err)

	decoded, err := DecodeBytes(data)
	require.NoError(t, err)
	assert.Empty(t, decoded.(*Texture).Pixels())
}

func TestFullNames(t *testing.T) {
	h := Header{Package: "P", Name: "m1"}
	assert.Equal(t, "P#m1", h.FullName())

	h.Path = "props\\crates"
	assert.Equal(t, "P#props\\crates\\m1", h.FullName())

	pkg, path, name, err := SplitFullName("P#props\\crates\\m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"P", "props\\crates", "m1"}, []string{pkg, path, name})

	pkg, path, name, err = SplitFullName("P#m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"P", "", "m1"}, []string{pkg, path, name})

	_, _, _, err = SplitFullName("no-package")
	assert.Error(t, err)

	pkg, path, err = SplitFullPath("P#newpath\\")
	require.NoError(t, err)
	assert.Equal(t, "P", pkg)
	assert.Equal(t, "newpath", path)
}

func TestKindNames(t *testing.T) {
	k, err := ParseKind("texture")
	require.NoError(t, err)
	assert.Equal(t, KindTexture, k)

	_, err = ParseKind("shader")
	assert.ErrorIs(t, err, ErrUnknownKind)
}
