package content

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/annel0/scene-engine/internal/content/element"
	"github.com/annel0/scene-engine/internal/content/pkgstore"
	"github.com/annel0/scene-engine/internal/eventbus"
	"github.com/annel0/scene-engine/internal/logging"
	"github.com/annel0/scene-engine/internal/vec"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, dir string, mutate ...func(*Options)) *Manager {
	t.Helper()
	opts := Options{
		Folder:     dir,
		Manual:     true,
		Logger:     logging.Discard(),
		Registerer: prometheus.NewRegistry(),
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	m, err := NewManager(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func meshWith(name, pkg, path string, vertices int) *element.Mesh {
	mesh := &element.Mesh{Hdr: element.Header{Kind: element.KindMesh, Name: name, Package: pkg, Path: path}}
	for i := 0; i < vertices; i++ {
		mesh.Vertices = append(mesh.Vertices, vec.Vec3{X: float32(i), Y: 1, Z: -1})
	}
	if vertices >= 3 {
		mesh.Triangles = []element.Triangle{{0, 1, 2}}
	}
	return mesh
}

func addMesh(t *testing.T, m *Manager, name, pkg, path string, vertices int) element.ID {
	t.Helper()
	h := m.AddExisting(meshWith(name, pkg, path, vertices))
	require.NotNil(t, h)
	defer h.Release()
	return h.ID()
}

func fileSize(t *testing.T, dir, pkg string) int64 {
	t.Helper()
	info, err := os.Stat(filepath.Join(dir, pkg+pkgstore.Extension))
	require.NoError(t, err)
	return info.Size()
}

func TestManager_FullName(t *testing.T) {
	m := newTestManager(t, t.TempDir())

	nested := m.AddElement(element.KindMesh, "m1", "P", `a\b`, element.InvalidID)
	require.NotNil(t, nested)
	defer nested.Release()
	root := m.AddElement(element.KindMaterial, "mat", "P", "", element.InvalidID)
	require.NotNil(t, root)
	defer root.Release()

	h, ok := m.Header(nested.ID())
	require.True(t, ok)
	assert.Equal(t, `P#a\b\m1`, h.FullName())
	assert.Equal(t, "P#mat", root.Element().Header().FullName())

	got := m.GetElementByName(`P#a\b\m1`, false, false)
	require.NotNil(t, got)
	defer got.Release()
	assert.Equal(t, nested.ID(), got.ID())

	assert.True(t, m.ContainsName("P#mat"))
	assert.False(t, m.ContainsName("P#missing"))
	assert.Nil(t, m.AddElement(element.KindMesh, `bad\name`, "P", "", element.InvalidID))
	assert.Nil(t, m.AddElement(element.KindMesh, "x", "bad/pkg", "", element.InvalidID))
}

func TestManager_SaveTwiceIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)

	id := addMesh(t, m, "m1", "P", "", 8)
	m.Drain()

	first, ok := m.Header(id)
	require.True(t, ok)
	require.True(t, first.Stored())
	size := fileSize(t, dir, "P")

	for i := 0; i < 2; i++ {
		require.True(t, m.SaveElement(id))
		m.Drain()

		h, _ := m.Header(id)
		assert.Equal(t, first.PackageOffset, h.PackageOffset, "запись занимает освобождённое ею же место")
		assert.Equal(t, size, fileSize(t, dir, "P"))

		el, err := m.store.LoadElement("P", h.PackageOffset, h.SavedSize, id)
		require.NoError(t, err)
		assert.Equal(t, meshWith("m1", "P", "", 8).Vertices, el.(*element.Mesh).Vertices)
	}
}

func TestManager_FreeSpaceReuse(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)

	big := addMesh(t, m, "big", "P", "", 32)
	addMesh(t, m, "tail", "P", "", 3)
	m.Drain()

	freed, _ := m.Header(big)
	size := fileSize(t, dir, "P")

	require.True(t, m.DeleteElement(big))
	m.Drain()
	assert.Equal(t, freed.SavedSize, m.Stats().Free)

	small := addMesh(t, m, "small", "P", "", 4)
	m.Drain()

	h, _ := m.Header(small)
	assert.Equal(t, freed.PackageOffset, h.PackageOffset, "новый элемент занимает освобождённый регион")
	assert.Less(t, h.SavedSize, freed.SavedSize)
	assert.Equal(t, size, fileSize(t, dir, "P"), "файл пакета не растёт")
	assert.Equal(t, freed.SavedSize-h.SavedSize, m.Stats().Free)
}

func TestManager_SaveRequestsAreDeduplicated(t *testing.T) {
	m := newTestManager(t, t.TempDir())

	id := addMesh(t, m, "m1", "P", "", 5)
	require.True(t, m.SaveElement(id))
	require.True(t, m.SaveElement(id))

	saves := 0
	for _, r := range m.Pending() {
		if r.Type == SaveElement && r.ID == id {
			saves++
		}
	}
	assert.Equal(t, 1, saves)

	m.Drain()
	h, _ := m.Header(id)
	assert.Equal(t, float64(h.SavedSize), testutil.ToFloat64(m.metrics.bytesWritten), "одна запись на диск")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.metrics.requests.WithLabelValues("SaveElement")))
}

func TestManager_ReopenLoadsStoredElement(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)

	require.True(t, m.CreatePath("P#"))
	id := addMesh(t, m, "m1", "P", "", 6)
	require.True(t, m.SaveElement(id))
	require.NoError(t, m.Close())

	reopened := newTestManager(t, dir)
	stub := reopened.GetElementByName("P#m1", false, false)
	require.NotNil(t, stub)
	assert.False(t, stub.Loaded(), "после открытия элементы представлены заглушками")
	stub.Release()

	h := reopened.GetElementByName("P#m1", true, true)
	require.NotNil(t, h)
	defer h.Release()
	require.True(t, h.Loaded())
	assert.Equal(t, id, h.ID())
	assert.Equal(t, meshWith("m1", "P", "", 6).Vertices, h.Element().(*element.Mesh).Vertices)
}

func TestManager_MoveElement(t *testing.T) {
	m := newTestManager(t, t.TempDir())

	id := addMesh(t, m, "m1", "P", "", 3)
	assert.False(t, m.MoveElement(id, `P#newpath\`), "целевой путь должен существовать")
	require.True(t, m.CreatePath(`P#newpath`))
	require.True(t, m.MoveElement(id, `P#newpath\`))
	m.Drain()

	assert.True(t, m.ContainsElement(id))
	h := m.GetElement(id, false, false)
	require.NotNil(t, h)
	defer h.Release()
	assert.Equal(t, "newpath", h.Element().Header().Path)
	for _, other := range m.GetElements(Filter{Package: "P"}) {
		assert.NotEqual(t, "", other.Path, "элемент не остался в корне")
	}
	assert.Len(t, m.GetElements(Filter{PathPrefix: "newpath"}), 1)

	// Имя занято в целевом пути.
	other := addMesh(t, m, "m1", "P", "", 3)
	assert.False(t, m.MoveElement(other, `P#newpath`))
	// Перенос в собственный путь не считается конфликтом имён.
	assert.True(t, m.MoveElement(id, `P#newpath`))
	assert.True(t, m.ContainsName(`P#newpath\m1`))

	require.True(t, m.RenameElement(id, "renamed"))
	assert.True(t, m.ContainsName(`P#newpath\renamed`))
	assert.False(t, m.RenameElement(id, `a\b`))
}

func TestManager_DeleteWritesEraseBackup(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)

	id := addMesh(t, m, "m1", "P", "", 7)
	m.Drain()
	require.True(t, m.DeleteElement(id))
	m.Drain()

	assert.Nil(t, m.GetElement(id, false, false))
	assert.False(t, m.DeleteElement(id))

	files, err := filepath.Glob(filepath.Join(m.BackupFolder(), "*"+backupEraseGlob))
	require.NoError(t, err)
	require.Len(t, files, 1)

	var restored []element.Element
	require.NoError(t, pkgstore.Scan(files[0], func(el element.Element, _ int64) error {
		restored = append(restored, el)
		return nil
	}))
	require.Len(t, restored, 1)
	assert.Equal(t, meshWith("m1", "P", "", 7).Vertices, restored[0].(*element.Mesh).Vertices)

	entries, err := m.ListBackups(id)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Erase)
	assert.Equal(t, files[0], entries[0].File)
}

const backupEraseGlob = "_erase" + pkgstore.Extension

func TestManager_DeleteBeforeSaveSnapshotsMemory(t *testing.T) {
	m := newTestManager(t, t.TempDir())

	id := addMesh(t, m, "m1", "P", "", 3)
	require.True(t, m.DeleteElement(id))
	m.Drain()

	entries, err := m.ListBackups(id)
	require.NoError(t, err)
	require.Len(t, entries, 1, "снимок сделан из памяти, SaveElement пропущен")
	assert.True(t, entries[0].Erase)
	assert.Zero(t, testutil.ToFloat64(m.metrics.bytesWritten))
}

func TestManager_BackupsNewestFirst(t *testing.T) {
	m := newTestManager(t, t.TempDir())

	id := addMesh(t, m, "m1", "P", "", 3)
	m.Drain()
	require.True(t, m.UpdateElement(id, func(el element.Element) error {
		el.(*element.Mesh).Vertices = append(el.(*element.Mesh).Vertices, vec.Vec3{X: 9})
		return nil
	}))
	m.Drain()
	require.True(t, m.DeleteElement(id))
	m.Drain()

	entries, err := m.ListBackups(id)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Erase)
	assert.False(t, entries[1].Erase)
	assert.False(t, entries[0].CreatedAt.Before(entries[1].CreatedAt))
}

func TestManager_ImportTruncatedPackageKeepsPrefix(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)

	file := filepath.Join(t.TempDir(), "ext"+pkgstore.Extension)
	_, err := pkgstore.Export(file, meshWith("a", "", "", 3))
	require.NoError(t, err)
	_, err = pkgstore.Export(file, meshWith("b", "", `x\y`, 3))
	require.NoError(t, err)
	_, err = pkgstore.Export(file, meshWith("c", "", "", 3))
	require.NoError(t, err)

	info, err := os.Stat(file)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(file, info.Size()-5))

	assert.False(t, m.ImportPackage(file))
	assert.True(t, m.ContainsName("ext#a"), "пакет по умолчанию берётся из имени файла")
	assert.True(t, m.ContainsName(`ext#x\y\b`))
	assert.False(t, m.ContainsName("ext#c"))

	m.Drain()
	for _, h := range m.GetElements(Filter{Package: "ext"}) {
		assert.True(t, h.Stored(), h.FullName())
	}
}

func TestManager_ImportAndExport(t *testing.T) {
	m := newTestManager(t, t.TempDir())

	id := addMesh(t, m, "m1", "P", "", 4)
	m.Drain()

	file := filepath.Join(t.TempDir(), "out", "bundle"+pkgstore.Extension)
	require.True(t, m.ExportToPackage(file, id))
	assert.False(t, m.ExportToPackage(file, 12345))

	other := newTestManager(t, t.TempDir())
	require.True(t, other.ImportPackage(file))
	h := other.GetElementByName("P#m1", true, true)
	require.NotNil(t, h)
	defer h.Release()
	assert.NotEqual(t, element.InvalidID, h.ID())
	assert.Len(t, h.Element().(*element.Mesh).Vertices, 4)
}

// Повторный id или имя при добавлении только пишутся в лог предупреждением.
// Поведение сохранено как есть: добавление не отклоняется.
func TestManager_DuplicateAddIsAccepted(t *testing.T) {
	m := newTestManager(t, t.TempDir())

	first := m.AddElement(element.KindMesh, "dup", "P", "", element.InvalidID)
	require.NotNil(t, first)
	second := m.AddElement(element.KindMesh, "dup", "P", "", element.InvalidID)
	require.NotNil(t, second, "повтор имени не отклоняется")
	defer first.Release()
	defer second.Release()

	assert.NotEqual(t, first.ID(), second.ID())
	assert.Len(t, m.GetElements(Filter{Package: "P"}), 2)
	byName := m.GetElementByName("P#dup", false, false)
	require.NotNil(t, byName)
	assert.Equal(t, first.ID(), byName.ID(), "при повторе имени находится наименьший id")
	byName.Release()

	replaced := m.AddElement(element.KindMaterial, "other", "P", "", first.ID())
	require.NotNil(t, replaced, "повтор id не отклоняется")
	defer replaced.Release()
	h, ok := m.Header(first.ID())
	require.True(t, ok)
	assert.Equal(t, element.KindMaterial, h.Kind, "прежняя запись заменена")
	assert.Len(t, m.GetElements(Filter{Package: "P"}), 2)
}

func TestManager_Paths(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)

	require.True(t, m.CreatePath(`P#a\b`))
	assert.False(t, m.CreatePath(`P#a\b`))
	assert.False(t, m.CreatePath(`P#a\\b`))
	require.True(t, m.CreatePath(`P#a`))
	assert.True(t, m.ContainsPath(`P#a\b\`))
	assert.Equal(t, []string{"a", `a\b`}, m.GetPaths("P"))

	id := addMesh(t, m, "m", "P", `a\b`, 3)
	m.Drain()
	require.FileExists(t, filepath.Join(dir, "P"+pkgstore.Extension))

	assert.False(t, m.RenamePath("P#", "Q#x"), "корневой путь не переименовывается")
	assert.False(t, m.RenamePath(`P#a`, `P#a\c`), "путь нельзя вложить в самого себя")
	require.True(t, m.RenamePath(`P#a`, `Q#x`))
	m.Drain()

	assert.Equal(t, []string{"Q"}, m.GetPackages())
	assert.Equal(t, []string{"x", `x\b`}, m.GetPaths("Q"))
	h, ok := m.Header(id)
	require.True(t, ok)
	assert.Equal(t, `Q#x\b\m`, h.FullName())
	assert.Equal(t, "Q", h.Package)
	assert.True(t, h.Stored())
	assert.NoFileExists(t, filepath.Join(dir, "P"+pkgstore.Extension), "файл пустого пакета удалён")

	require.True(t, m.DeletePath(`Q#x`))
	m.Drain()
	assert.False(t, m.ContainsElement(id))
	assert.Empty(t, m.GetPackages())
	assert.NoFileExists(t, filepath.Join(dir, "Q"+pkgstore.Extension))
	assert.False(t, m.DeletePath(`Q#x`))
}

func TestManager_RenamePathToPackageRoot(t *testing.T) {
	m := newTestManager(t, t.TempDir())

	require.True(t, m.CreatePath(`P#a\b`))
	top := addMesh(t, m, "top", "P", "a", 3)
	deep := addMesh(t, m, "deep", "P", `a\b`, 3)
	m.Drain()

	require.True(t, m.RenamePath(`P#a`, "Q#"))
	m.Drain()

	assert.Equal(t, []string{"", "b"}, m.GetPaths("Q"))
	for _, path := range m.GetPaths("Q") {
		assert.True(t, validPath(path), "путь %q", path)
	}
	assert.False(t, m.CreatePath(`Q#b`), "путь уже существует")

	h, ok := m.Header(top)
	require.True(t, ok)
	assert.Equal(t, "Q#top", h.FullName())
	h, ok = m.Header(deep)
	require.True(t, ok)
	assert.Equal(t, `Q#b\deep`, h.FullName())
	assert.True(t, h.Stored())
	assert.True(t, m.ContainsName(`Q#b\deep`))
}

func TestManager_ErasePackageSkippedWhenRecreated(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)

	require.True(t, m.CreatePath("P#a"))
	require.True(t, m.DeletePath("P#a"))
	require.True(t, m.CreatePath("P#b"))
	addMesh(t, m, "m", "P", "b", 3)
	m.Drain()

	assert.FileExists(t, filepath.Join(dir, "P"+pkgstore.Extension))
	assert.Equal(t, []string{"b"}, m.GetPaths("P"))
}

func TestManager_EvictionRespectsHandles(t *testing.T) {
	m := newTestManager(t, t.TempDir())

	handle := m.AddExisting(meshWith("m1", "P", "", 3))
	require.NotNil(t, handle)
	id := handle.ID()

	assert.Zero(t, m.EvictUnused(), "несохранённый элемент не выгружается")
	m.Drain()
	assert.Zero(t, m.EvictUnused(), "на элемент есть ссылка")

	handle.Release()
	handle.Release()
	assert.Equal(t, 1, m.EvictUnused())
	h, _ := m.Header(id)
	assert.False(t, h.Loaded)
	assert.Equal(t, 0, m.Stats().Loaded)

	// Асинхронная загрузка ставит запрос и возвращает заглушку.
	stub := m.GetElement(id, true, false)
	require.NotNil(t, stub)
	assert.False(t, stub.Loaded())
	stub.Release()
	assert.Zero(t, m.EvictUnused())
	m.Drain()

	loaded := m.GetElement(id, true, true)
	require.NotNil(t, loaded)
	defer loaded.Release()
	assert.True(t, loaded.Loaded())
	assert.Len(t, loaded.Element().(*element.Mesh).Vertices, 3)
	assert.Zero(t, m.EvictUnused())
}

func TestManager_PublishesEvents(t *testing.T) {
	bus := eventbus.NewMemoryBus(64)
	t.Cleanup(func() { _ = bus.Close() })

	var mu sync.Mutex
	var got []string
	_, err := bus.Subscribe(context.Background(), eventbus.Filter{}, func(_ context.Context, ev *eventbus.Envelope) {
		mu.Lock()
		got = append(got, ev.EventType)
		mu.Unlock()
	})
	require.NoError(t, err)

	m := newTestManager(t, t.TempDir(), func(o *Options) { o.Bus = bus })
	id := addMesh(t, m, "m1", "P", "", 3)
	m.Drain()
	require.True(t, m.DeleteElement(id))
	m.Drain()

	want := []string{eventbus.ElementAdded, eventbus.ElementSaved, eventbus.ElementErased}
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return assert.ObjectsAreEqual(want, got)
	}, time.Second, 10*time.Millisecond)
}

func TestManager_RenamePathPublishesMoves(t *testing.T) {
	bus := eventbus.NewMemoryBus(64)
	t.Cleanup(func() { _ = bus.Close() })

	var mu sync.Mutex
	moved := map[int64]eventbus.ContentEvent{}
	_, err := bus.Subscribe(context.Background(), eventbus.Filter{Types: []string{eventbus.ElementMoved}}, func(_ context.Context, ev *eventbus.Envelope) {
		ce, err := eventbus.DecodeContentEvent(ev)
		if err != nil {
			return
		}
		mu.Lock()
		moved[ce.ID] = ce
		mu.Unlock()
	})
	require.NoError(t, err)

	m := newTestManager(t, t.TempDir(), func(o *Options) { o.Bus = bus })
	require.True(t, m.CreatePath(`P#a\b`))
	top := addMesh(t, m, "top", "P", "a", 3)
	deep := addMesh(t, m, "deep", "P", `a\b`, 3)
	m.Drain()

	require.True(t, m.RenamePath(`P#a`, `P#z`))
	m.Drain()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(moved) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, `P#a\top`, moved[int64(top)].OldName)
	assert.Equal(t, `P#z\top`, moved[int64(top)].FullName)
	assert.Equal(t, `P#a\b\deep`, moved[int64(deep)].OldName)
	assert.Equal(t, `P#z\b\deep`, moved[int64(deep)].FullName)
}

func TestManager_BackgroundWorker(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir, func(o *Options) {
		o.Manual = false
		o.EvictionInterval = 5 * time.Millisecond
	})

	id := addMesh(t, m, "m1", "P", "", 3)
	m.Flush()

	h, ok := m.Header(id)
	require.True(t, ok)
	assert.True(t, h.Stored())
	assert.FileExists(t, filepath.Join(dir, DefaultDatabaseFile))

	assert.Eventually(t, func() bool {
		h, _ := m.Header(id)
		return !h.Loaded
	}, time.Second, 5*time.Millisecond, "обход выгружает элемент без ссылок")

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.False(t, m.SaveElement(12345))
}
