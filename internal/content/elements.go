package content

import (
	"slices"
	"strings"

	"github.com/annel0/scene-engine/internal/content/element"
	"github.com/annel0/scene-engine/internal/eventbus"
)

// Filter отбор элементов для GetElements. Пустые поля не ограничивают выборку.
type Filter struct {
	Kinds      []element.Kind
	Package    string
	PathPrefix string // путь или его предок внутри пакета
	Loaded     *bool
}

func (f Filter) match(h *element.Header) bool {
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, h.Kind) {
		return false
	}
	if f.Package != "" && f.Package != h.Package {
		return false
	}
	if f.PathPrefix != "" && h.Path != f.PathPrefix && !strings.HasPrefix(h.Path, f.PathPrefix+element.PathSeparator) {
		return false
	}
	if f.Loaded != nil && *f.Loaded != h.Loaded {
		return false
	}
	return true
}

// validName проверяет имя элемента
func validName(name string) bool {
	return name != "" && !strings.ContainsAny(name, element.PathSeparator+element.PackageSeparator)
}

// validPath проверяет путь внутри пакета
func validPath(path string) bool {
	if path == "" {
		return true
	}
	if strings.Contains(path, element.PackageSeparator) {
		return false
	}
	for _, seg := range strings.Split(path, element.PathSeparator) {
		if seg == "" {
			return false
		}
	}
	return true
}

// AddElement создаёт пустой элемент kind по адресу package#path\name.
// При id == InvalidID идентификатор выдаётся автоматически.
// Совпадение id или полного имени с существующим элементом пишется в лог
// предупреждением, но добавление выполняется. При совпадении id прежняя запись
// заменяется, а её место на диске переходит к новой и будет освобождено при сохранении.
// Возвращённый Handle нужно освободить вызовом Release.
func (m *Manager) AddElement(kind element.Kind, name, pkg, path string, id element.ID) *Handle {
	el, err := element.New(kind)
	if err != nil {
		m.log.Warn("AddElement %q: %v", name, err)
		return nil
	}
	h := el.Header()
	h.Version = element.Version
	h.Name = name
	h.Package = pkg
	h.Path = path
	h.ID = id
	h.PackageOffset = -1
	h.Loaded = true

	return m.insert(el)
}

// AddExisting добавляет отвязанную копию элемента как новый элемент с новым id
func (m *Manager) AddExisting(el element.Element) *Handle {
	if el == nil {
		return nil
	}
	clone := el.Clone()
	h := clone.Header()
	h.Version = element.Version
	h.PackageOffset = -1
	h.Loaded = true
	return m.insert(clone)
}

func (m *Manager) insert(el element.Element) *Handle {
	h := el.Header()
	if !validName(h.Name) {
		m.log.Warn("Недопустимое имя элемента %q", h.Name)
		return nil
	}
	if _, err := m.store.PackageFile(h.Package); err != nil {
		m.log.Warn("Недопустимое имя пакета %q: %v", h.Package, err)
		return nil
	}
	if !validPath(h.Path) {
		m.log.Warn("Недопустимый путь %q", h.Path)
		return nil
	}

	m.mutex.Lock()
	if h.ID == element.InvalidID {
		h.ID = m.nextID()
	}

	e := &entry{cur: &resident{el: el}}
	if old := m.elements[h.ID]; old != nil {
		m.log.Warn("⚠️ Элемент с id %d уже существует (%s), заменяется на %s", h.ID, old.header().FullName(), h.FullName())
		m.unlinkLocked(h.ID, old.header())
		e.loc = old.loc
	}
	if other := m.findByNameLocked(h.FullName()); other != element.InvalidID {
		m.log.Warn("⚠️ Элемент с именем %s уже существует (id %d)", h.FullName(), other)
	}
	if h.ID > m.lastID {
		m.lastID = h.ID
	}

	m.elements[h.ID] = e
	m.linkLocked(h.ID, h)
	handle := newHandle(e.cur)

	m.enqueue(Request{Type: SaveElement, ID: h.ID})
	m.enqueue(Request{Type: SaveDatabase})
	ev := eventbus.ContentEvent{ID: int64(h.ID), Kind: h.Kind.String(), FullName: h.FullName()}
	m.mutex.Unlock()

	m.publish(eventbus.ElementAdded, ev)
	return handle
}

// GetElement возвращает элемент по id или nil. При load=true заглушка загружается:
// синхронно на вызывающей горутине при waitForLoad=true, иначе запросом к воркеру
// (тогда возвращается текущая, возможно ещё не загруженная, версия).
// Вызывающий не должен удерживать мьютекс каталога.
func (m *Manager) GetElement(id element.ID, load, waitForLoad bool) *Handle {
	m.mutex.Lock()
	e := m.elements[id]
	if e == nil {
		m.mutex.Unlock()
		m.log.Warn("Элемент %d не найден", id)
		return nil
	}
	if !load || e.header().Loaded {
		handle := newHandle(e.cur)
		m.mutex.Unlock()
		return handle
	}
	if !waitForLoad {
		m.enqueue(Request{Type: LoadElement, ID: id})
		handle := newHandle(e.cur)
		m.mutex.Unlock()
		return handle
	}
	m.mutex.Unlock()

	if err := m.loadElement(id); err != nil {
		m.log.Error("Синхронная загрузка %d не удалась: %v", id, err)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if e = m.elements[id]; e == nil {
		return nil
	}
	return newHandle(e.cur)
}

// GetElementByName ищет элемент по полному имени package#path\name
func (m *Manager) GetElementByName(fullName string, load, waitForLoad bool) *Handle {
	m.mutex.Lock()
	id := m.findByNameLocked(fullName)
	m.mutex.Unlock()

	if id == element.InvalidID {
		m.log.Warn("Элемент %s не найден", fullName)
		return nil
	}
	return m.GetElement(id, load, waitForLoad)
}

// Header копия заголовка элемента
func (m *Manager) Header(id element.ID) (element.Header, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	e := m.elements[id]
	if e == nil {
		return element.Header{}, false
	}
	h := *e.header()
	h.PackageOffset, h.SavedSize = e.diskOffset(), e.loc.size
	return h, true
}

// ContainsElement проверяет наличие id в каталоге
func (m *Manager) ContainsElement(id element.ID) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.elements[id] != nil
}

// ContainsName проверяет наличие элемента с полным именем
func (m *Manager) ContainsName(fullName string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.findByNameLocked(fullName) != element.InvalidID
}

// GetElements возвращает копии заголовков элементов, отсортированные по id
func (m *Manager) GetElements(f Filter) []element.Header {
	m.mutex.Lock()
	out := make([]element.Header, 0, len(m.elements))
	for _, e := range m.elements {
		if f.match(e.header()) {
			h := *e.header()
			h.PackageOffset, h.SavedSize = e.diskOffset(), e.loc.size
			out = append(out, h)
		}
	}
	m.mutex.Unlock()

	slices.SortFunc(out, func(a, b element.Header) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// UpdateElement загружает элемент и вызывает fn под мьютексом каталога,
// после чего ставит сохранение. fn не должен обращаться к Manager.
func (m *Manager) UpdateElement(id element.ID, fn func(el element.Element) error) bool {
	if err := m.loadElement(id); err != nil {
		m.log.Warn("UpdateElement %d: %v", id, err)
		return false
	}

	m.mutex.Lock()
	e := m.elements[id]
	if e == nil || !e.header().Loaded {
		m.mutex.Unlock()
		m.log.Warn("UpdateElement %d: элемент недоступен", id)
		return false
	}
	if err := fn(e.cur.el); err != nil {
		m.mutex.Unlock()
		m.log.Warn("UpdateElement %d: %v", id, err)
		return false
	}
	m.enqueue(Request{Type: SaveElement, ID: id})
	m.enqueue(Request{Type: SaveDatabase})
	m.mutex.Unlock()
	return true
}

// MoveElement переносит элемент в существующий путь package#path.
// Не выполняется, если элемента или пути нет, либо в пути уже есть другой элемент с таким именем.
func (m *Manager) MoveElement(id element.ID, fullPath string) bool {
	pkg, path, err := element.SplitFullPath(fullPath)
	if err != nil {
		m.log.Warn("MoveElement %d: %v", id, err)
		return false
	}

	m.mutex.Lock()
	e := m.elements[id]
	if e == nil {
		m.mutex.Unlock()
		m.log.Warn("MoveElement: элемент %d не найден", id)
		return false
	}
	if !m.containsPathLocked(pkg, path) {
		m.mutex.Unlock()
		m.log.Warn("MoveElement %d: путь %s не существует", id, fullPath)
		return false
	}
	h := e.header()
	target := element.JoinFullName(pkg, path, h.Name)
	if other := m.findByNameLocked(target); other != element.InvalidID && other != id {
		m.mutex.Unlock()
		m.log.Warn("MoveElement %d: %s уже существует (id %d)", id, target, other)
		return false
	}

	oldName := h.FullName()
	m.unlinkLocked(id, h)
	h.Package, h.Path = pkg, path
	m.linkLocked(id, h)
	m.enqueue(Request{Type: SaveElement, ID: id})
	m.enqueue(Request{Type: SaveDatabase})
	m.mutex.Unlock()

	m.log.Debug("Элемент %d перенесён: %s → %s", id, oldName, target)
	m.publish(eventbus.ElementMoved, eventbus.ContentEvent{ID: int64(id), FullName: target, OldName: oldName})
	return true
}

// RenameElement меняет имя элемента в пределах его пути
func (m *Manager) RenameElement(id element.ID, newName string) bool {
	if !validName(newName) {
		m.log.Warn("RenameElement %d: недопустимое имя %q", id, newName)
		return false
	}

	m.mutex.Lock()
	e := m.elements[id]
	if e == nil {
		m.mutex.Unlock()
		m.log.Warn("RenameElement: элемент %d не найден", id)
		return false
	}
	h := e.header()
	target := element.JoinFullName(h.Package, h.Path, newName)
	if other := m.findByNameLocked(target); other != element.InvalidID && other != id {
		m.mutex.Unlock()
		m.log.Warn("RenameElement %d: %s уже существует (id %d)", id, target, other)
		return false
	}
	oldName := h.FullName()
	h.Name = newName
	m.enqueue(Request{Type: SaveElement, ID: id})
	m.enqueue(Request{Type: SaveDatabase})
	m.mutex.Unlock()

	m.publish(eventbus.ElementMoved, eventbus.ContentEvent{ID: int64(id), FullName: target, OldName: oldName})
	return true
}

// SaveElement ставит сохранение элемента и индексной базы
func (m *Manager) SaveElement(id element.ID) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.elements[id] == nil {
		m.log.Warn("SaveElement: элемент %d не найден", id)
		return false
	}
	m.enqueue(Request{Type: SaveElement, ID: id})
	m.enqueue(Request{Type: SaveDatabase})
	return true
}

// DeleteElement удаляет элемент из каталога и ставит его стирание на диске
// (со снимком в бэкап) и сохранение индексной базы.
func (m *Manager) DeleteElement(id element.ID) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if !m.deleteLocked(id) {
		m.log.Warn("DeleteElement: элемент %d не найден", id)
		return false
	}
	m.enqueue(Request{Type: SaveDatabase})
	return true
}

// deleteLocked переносит элемент в список стираемых и ставит EraseElement
func (m *Manager) deleteLocked(id element.ID) bool {
	e := m.elements[id]
	if e == nil {
		return false
	}
	m.unlinkLocked(id, e.header())
	delete(m.elements, id)
	m.erased[id] = e
	m.enqueue(Request{Type: EraseElement, ID: id})
	return true
}

// findByNameLocked ищет элемент по полному имени; при дубликатах возвращает наименьший id
func (m *Manager) findByNameLocked(fullName string) element.ID {
	pkg, path, name, err := element.SplitFullName(fullName)
	if err != nil {
		return element.InvalidID
	}
	p := m.packages[pkg]
	if p == nil {
		return element.InvalidID
	}
	found := element.InvalidID
	for id := range p.paths[path] {
		e := m.elements[id]
		if e == nil || e.header().Name != name {
			continue
		}
		if found == element.InvalidID || id < found {
			found = id
		}
	}
	return found
}

// linkLocked добавляет id в набор своего пути, создавая пакет и путь при необходимости
func (m *Manager) linkLocked(id element.ID, h *element.Header) {
	p := m.packages[h.Package]
	if p == nil {
		p = newPackageInfo()
		m.packages[h.Package] = p
	}
	set := p.paths[h.Path]
	if set == nil {
		set = make(map[element.ID]struct{})
		p.paths[h.Path] = set
	}
	set[id] = struct{}{}
}

// unlinkLocked убирает id из набора его пути. Пустой путь остаётся.
func (m *Manager) unlinkLocked(id element.ID, h *element.Header) {
	if p := m.packages[h.Package]; p != nil {
		delete(p.paths[h.Path], id)
	}
}

func (m *Manager) updateGaugesLocked() {
	loaded := 0
	for _, e := range m.elements {
		if e.header().Loaded {
			loaded++
		}
	}
	m.metrics.elements.WithLabelValues("loaded").Set(float64(loaded))
	m.metrics.elements.WithLabelValues("stub").Set(float64(len(m.elements) - loaded))
}

// diskOffset смещение записи на диске; -1 если элемент не сохранён
func (e *entry) diskOffset() int64 {
	if !e.loc.stored() {
		return -1
	}
	return e.loc.offset
}
