package content

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/annel0/scene-engine/internal/content/element"
	"github.com/annel0/scene-engine/internal/content/index"
	"github.com/annel0/scene-engine/internal/eventbus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// maxSaveAttempts число повторов сохранения, если элемент перенесли в другой пакет во время записи
const maxSaveAttempts = 3

// run цикл воркера: обработка очереди по сигналу и обход для выгрузки по таймеру
func (m *Manager) run() {
	defer close(m.done)

	ticker := time.NewTicker(m.opts.EvictionInterval)
	defer ticker.Stop()

	m.log.Debug("Воркер контента запущен (обход каждые %s)", m.opts.EvictionInterval)
	for {
		select {
		case <-m.quit:
			m.log.Debug("Воркер контента остановлен")
			return
		case <-m.queue.notify:
			m.Drain()
		case <-ticker.C:
			if m.queue.pending() == 0 {
				m.EvictUnused()
			}
		}
	}
}

// Drain обрабатывает запросы до опустошения очереди и возвращает их количество.
// Воркер вызывает его сам; в режиме Manual его вызывает владелец менеджера.
func (m *Manager) Drain() int {
	n := 0
	for {
		req, ok := m.queue.pop()
		if !ok {
			return n
		}
		m.dispatch(req)
		m.queue.done()
		n++
	}
}

// dispatch выполняет один запрос
func (m *Manager) dispatch(req Request) {
	label := req.Type.String()
	_, span := m.tracer.Start(context.Background(), "content."+label,
		trace.WithAttributes(
			attribute.Int64("content.id", int64(req.ID)),
			attribute.String("content.package", req.Package),
		))
	defer span.End()

	start := time.Now()
	var err error
	switch req.Type {
	case LoadDatabase:
		err = m.loadDatabase()
	case SaveDatabase:
		err = m.saveDatabase()
	case LoadElement:
		err = m.loadElement(req.ID)
	case SaveElement:
		err = m.saveElement(req.ID)
	case EraseElement:
		err = m.eraseElement(req.ID)
	case ErasePackage:
		err = m.erasePackage(req.Package)
	default:
		err = fmt.Errorf("unknown request type %d", req.Type)
	}

	m.metrics.requests.WithLabelValues(label).Inc()
	m.metrics.duration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	m.metrics.queueDepth.Set(float64(m.queue.pending()))

	if err != nil {
		m.metrics.errors.WithLabelValues(label).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.log.Error("❌ %s %d: %v", label, req.ID, err)
	}
}

// loadDatabase восстанавливает пакеты и заглушки элементов из индексной базы.
// Отсутствие файла означает новое хранилище.
func (m *Manager) loadDatabase() error {
	snap, err := index.Load(m.dbFile)
	if errors.Is(err, os.ErrNotExist) {
		m.log.Info("Индексная база %s не найдена, создаётся новое хранилище", m.dbFile)
		return nil
	}
	if err != nil {
		return fmt.Errorf("индексная база %s не прочитана: %w", m.dbFile, err)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, p := range snap.Packages {
		info := newPackageInfo()
		for _, path := range p.Paths {
			info.paths[path] = make(map[element.ID]struct{})
		}
		info.free = p.Free
		m.packages[p.Name] = info
	}

	for _, h := range snap.Headers {
		stub, err := element.NewStub(h)
		if err != nil {
			m.log.Warn("Элемент %d пропущен: %v", h.ID, err)
			continue
		}
		if m.elements[h.ID] != nil {
			m.log.Warn("⚠️ Индексная база содержит повторный id %d", h.ID)
		}
		e := &entry{cur: &resident{el: stub}}
		if h.Stored() {
			e.loc = location{pkg: h.Package, offset: h.PackageOffset, size: h.SavedSize}
		}
		m.elements[h.ID] = e
		m.linkLocked(h.ID, stub.Header())
		if h.ID > m.lastID {
			m.lastID = h.ID
		}
	}
	m.updateGaugesLocked()

	m.log.Info("📖 Индексная база загружена: %d пакетов, %d элементов", len(snap.Packages), len(snap.Headers))
	return nil
}

// saveDatabase пишет снимок каталога в индексную базу
func (m *Manager) saveDatabase() error {
	m.mutex.Lock()
	var snap index.Snapshot

	names := make([]string, 0, len(m.packages))
	for name := range m.packages {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		p := m.packages[name]
		ip := index.Package{Name: name, Free: p.free.Clone()}
		for path := range p.paths {
			ip.Paths = append(ip.Paths, path)
		}
		slices.Sort(ip.Paths)
		snap.Packages = append(snap.Packages, ip)
	}

	ids := make([]element.ID, 0, len(m.elements))
	for id := range m.elements {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		e := m.elements[id]
		h := *e.header()
		h.PackageOffset, h.SavedSize = e.diskOffset(), e.loc.size
		snap.Headers = append(snap.Headers, h)
	}
	m.mutex.Unlock()

	if err := index.Save(m.dbFile, snap); err != nil {
		return err
	}
	m.log.Trace("Индексная база сохранена: %d элементов", len(snap.Headers))
	return nil
}

// loadElement заменяет заглушку загруженным элементом. Чтение файла
// выполняется без мьютекса каталога; результат применяется, только если
// за это время заглушку никто не заменил.
func (m *Manager) loadElement(id element.ID) error {
	m.mutex.Lock()
	e := m.elements[id]
	if e == nil {
		m.mutex.Unlock()
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if e.header().Loaded {
		m.mutex.Unlock()
		return nil
	}
	stub, loc := e.cur, e.loc
	m.mutex.Unlock()

	if !loc.stored() {
		return fmt.Errorf("элемент %d не имеет записи на диске", id)
	}

	el, readErr := m.store.LoadElement(loc.pkg, loc.offset, loc.size, id)

	m.mutex.Lock()
	e = m.elements[id]
	if e == nil || e.cur != stub || e.loc != loc {
		// Элемент уже загружен, перенесён на диске или удалён.
		m.mutex.Unlock()
		return nil
	}
	if readErr != nil {
		m.mutex.Unlock()
		return fmt.Errorf("загрузка %d из %s@%d: %w", id, loc.pkg, loc.offset, readErr)
	}
	h, cur := el.Header(), stub.el.Header()
	h.Name, h.Package, h.Path = cur.Name, cur.Package, cur.Path
	h.Loaded = true
	e.cur = &resident{el: el}
	ev := eventbus.ContentEvent{ID: int64(id), Kind: h.Kind.String(), FullName: h.FullName(), Size: loc.size}
	m.mutex.Unlock()

	m.log.Trace("Элемент %s загружен", ev.FullName)
	m.publish(eventbus.ElementLoaded, ev)
	return nil
}

// saveElement сохраняет элемент: снимок прежней записи в бэкап, освобождение
// её места, выделение нового места (свободный регион или конец файла) и запись.
func (m *Manager) saveElement(id element.ID) error {
	m.mutex.Lock()
	e := m.elements[id]
	if e == nil {
		m.mutex.Unlock()
		m.log.Debug("SaveElement %d пропущен: элемент удалён", id)
		return nil
	}
	loaded := e.header().Loaded
	m.mutex.Unlock()

	// Заглушку нельзя записать поверх полезной нагрузки.
	if !loaded {
		if err := m.loadElement(id); err != nil {
			return fmt.Errorf("загрузка перед сохранением: %w", err)
		}
	}

	m.mutex.Lock()
	if e = m.elements[id]; e == nil {
		m.mutex.Unlock()
		return nil
	}
	old, pkg := e.loc, e.header().Package
	m.mutex.Unlock()

	if old.stored() {
		if err := m.backupStored(id, old, false); err != nil {
			return err
		}
	}

	for attempt := 1; ; attempt++ {
		end, err := m.store.FileSize(pkg)
		if err != nil {
			return err
		}

		m.mutex.Lock()
		e = m.elements[id]
		if e == nil || e.loc != old {
			m.mutex.Unlock()
			m.log.Debug("SaveElement %d пропущен: элемент удалён", id)
			return nil
		}
		h := e.header()
		if !h.Loaded {
			m.mutex.Unlock()
			return fmt.Errorf("элемент %d выгружен во время сохранения", id)
		}
		if h.Package != pkg {
			pkg = h.Package
			m.mutex.Unlock()
			if attempt >= maxSaveAttempts {
				return fmt.Errorf("элемент %d переносится во время сохранения", id)
			}
			continue
		}

		record, loc, err := m.placeLocked(e, old, end)
		if err != nil {
			m.mutex.Unlock()
			return err
		}
		e.loc = loc
		ev := eventbus.ContentEvent{ID: int64(id), Kind: h.Kind.String(), FullName: h.FullName(), Package: pkg, Offset: loc.offset, Size: loc.size}
		m.mutex.Unlock()

		if old.stored() {
			if err := m.store.ZeroRegion(old.pkg, old.offset, old.size); err != nil && !errors.Is(err, os.ErrNotExist) {
				m.log.Warn("Прежняя запись %d не затёрта: %v", id, err)
			}
		}
		if err := m.store.WriteAt(pkg, loc.offset, record); err != nil {
			m.abandonLocation(e, loc)
			return err
		}

		m.metrics.bytesWritten.Add(float64(len(record)))
		m.log.Debug("💾 %s сохранён: %s@%d (%d байт)", ev.FullName, pkg, loc.offset, loc.size)
		m.publish(eventbus.ElementSaved, ev)
		return nil
	}
}

// placeLocked освобождает прежний регион, выбирает новое место и кодирует запись.
// При ошибке кодирования список свободного места возвращается в исходное состояние.
func (m *Manager) placeLocked(e *entry, old location, end int64) ([]byte, location, error) {
	h := e.header()
	if old.stored() {
		if p := m.packages[old.pkg]; p != nil {
			p.free.Release(old.offset, old.size)
		}
	}

	size := e.cur.el.Size()
	loc := location{pkg: h.Package, offset: end, size: size}
	p := m.packages[h.Package]
	reused := false
	if p != nil {
		if off, ok := p.free.Take(size); ok {
			loc.offset, reused = off, true
		}
	}

	h.PackageOffset, h.SavedSize = loc.offset, loc.size
	record, err := element.EncodeBytes(e.cur.el)
	if err != nil {
		if reused {
			p.free.Release(loc.offset, loc.size)
		}
		if old.stored() {
			if op := m.packages[old.pkg]; op != nil {
				op.free.Reserve(old.offset, old.size)
			}
		}
		h.PackageOffset, h.SavedSize = old.offset, old.size
		return nil, old, fmt.Errorf("кодирование %s: %w", h.FullName(), err)
	}
	return record, loc, nil
}

// abandonLocation откатывает место после неудачной записи: элемент остаётся
// загруженным, но без записи на диске, и будет сохранён при следующем SaveElement.
func (m *Manager) abandonLocation(e *entry, loc location) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if e.loc != loc {
		return
	}
	e.loc = location{}
	h := e.header()
	h.PackageOffset, h.SavedSize = -1, 0
	if p := m.packages[loc.pkg]; p != nil {
		p.free.Release(loc.offset, loc.size)
	}
}

// eraseElement делает снимок удалённого элемента с суффиксом _erase,
// затирает его запись и возвращает место в список свободного.
func (m *Manager) eraseElement(id element.ID) error {
	m.mutex.Lock()
	e := m.erased[id]
	delete(m.erased, id)
	var mem element.Element
	if e != nil && !e.loc.stored() && e.header().Loaded {
		mem = e.cur.el
	}
	m.mutex.Unlock()

	if e == nil {
		return nil
	}

	switch {
	case e.loc.stored():
		if err := m.backupStored(id, e.loc, true); err != nil {
			return err
		}
	case mem != nil:
		// Элемент не успел попасть на диск: снимок из памяти.
		if err := m.snapshot(mem, id, true); err != nil {
			return err
		}
	}

	if e.loc.stored() {
		m.mutex.Lock()
		if p := m.packages[e.loc.pkg]; p != nil {
			p.free.Release(e.loc.offset, e.loc.size)
		}
		m.mutex.Unlock()

		if err := m.store.ZeroRegion(e.loc.pkg, e.loc.offset, e.loc.size); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("затирание %d: %w", id, err)
		}
	}

	m.log.Debug("🗑️ Элемент %d стёрт", id)
	m.publish(eventbus.ElementErased, eventbus.ContentEvent{ID: int64(id), Package: e.loc.pkg, Offset: e.loc.offset, Size: e.loc.size})
	return nil
}

// erasePackage удаляет файл пакета, если пакет не был создан заново
// и ни один элемент больше не хранится в этом файле.
func (m *Manager) erasePackage(pkg string) error {
	m.mutex.Lock()
	inUse := m.packages[pkg] != nil
	for _, group := range []map[element.ID]*entry{m.elements, m.erased} {
		for _, e := range group {
			if e.loc.stored() && e.loc.pkg == pkg {
				inUse = true
				break
			}
		}
	}
	m.mutex.Unlock()

	if inUse {
		m.log.Debug("Пакет %s снова используется, файл сохраняется", pkg)
		return nil
	}
	if err := m.store.Remove(pkg); err != nil {
		return err
	}
	m.log.Info("🗑️ Пакет %s удалён", pkg)
	m.publish(eventbus.PackageErased, eventbus.ContentEvent{Package: pkg})
	return nil
}

// backupStored читает запись с диска и пишет её снимок.
// Повреждённая или отсутствующая запись пропускается с предупреждением.
func (m *Manager) backupStored(id element.ID, loc location, erase bool) error {
	data, err := m.store.ReadRecord(loc.pkg, loc.offset, loc.size)
	var el element.Element
	if err == nil {
		el, err = element.DecodeBytes(data)
	}
	if err != nil {
		if errors.Is(err, element.ErrCorrupt) || errors.Is(err, os.ErrNotExist) {
			m.log.Warn("Снимок %d пропущен: %v", id, err)
			return nil
		}
		return fmt.Errorf("чтение %d для бэкапа: %w", id, err)
	}
	return m.snapshot(el, id, erase)
}

func (m *Manager) snapshot(el element.Element, id element.ID, erase bool) error {
	b, err := m.archive.Snapshot(el, id, erase, time.Now())
	if err != nil {
		return fmt.Errorf("бэкап %d: %w", id, err)
	}
	m.metrics.backups.Inc()
	m.log.Trace("Снимок %d записан в %s", id, b.File)
	return nil
}

// EvictUnused заменяет заглушками загруженные элементы, на которые нет
// внешних ссылок и запросов в очереди. Несохранённые элементы не выгружаются.
func (m *Manager) EvictUnused() int {
	var evicted []eventbus.ContentEvent

	m.mutex.Lock()
	pending := m.queue.pendingIDs()
	for id, e := range m.elements {
		if !e.header().Loaded || e.cur.refs.Load() != 0 || !e.loc.stored() {
			continue
		}
		if _, busy := pending[id]; busy {
			continue
		}
		stub := e.cur.el.Stub()
		e.cur = &resident{el: stub}
		evicted = append(evicted, eventbus.ContentEvent{ID: int64(id), FullName: stub.Header().FullName()})
	}
	if len(evicted) > 0 {
		m.metrics.evictions.Add(float64(len(evicted)))
		m.updateGaugesLocked()
	}
	m.mutex.Unlock()

	for _, ev := range evicted {
		m.publish(eventbus.ElementEvicted, ev)
	}
	if len(evicted) > 0 {
		m.log.Trace("Выгружено элементов: %d", len(evicted))
	}
	return len(evicted)
}
