package content

import (
	"path/filepath"
	"strings"

	"github.com/annel0/scene-engine/internal/content/backup"
	"github.com/annel0/scene-engine/internal/content/element"
	"github.com/annel0/scene-engine/internal/content/pkgstore"
	"github.com/annel0/scene-engine/internal/eventbus"
)

// ImportPackage добавляет в каталог все элементы внешнего файла пакета.
// Элементы получают новый id, если их id пуст или уже занят, и ставятся на сохранение.
// Повреждённая запись прерывает импорт; уже добавленные элементы остаются в каталоге.
func (m *Manager) ImportPackage(file string) bool {
	fallback := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))

	count := 0
	err := pkgstore.Scan(file, func(el element.Element, offset int64) error {
		if m.importElement(el, fallback) {
			count++
		}
		return nil
	})
	if count > 0 {
		m.enqueue(Request{Type: SaveDatabase})
	}
	if err != nil {
		m.log.Error("❌ Импорт %s прерван после %d элементов: %v", file, count, err)
		return false
	}

	m.log.Info("📥 Импортировано %d элементов из %s", count, file)
	m.publish(eventbus.PackageImported, eventbus.ContentEvent{File: file, Count: count})
	return true
}

func (m *Manager) importElement(el element.Element, fallback string) bool {
	h := el.Header()
	if h.Package == "" {
		h.Package = fallback
	}
	if !validName(h.Name) || !validPath(h.Path) {
		m.log.Warn("Импорт: элемент %q пропущен, недопустимое имя или путь", h.FullName())
		return false
	}
	if _, err := m.store.PackageFile(h.Package); err != nil {
		m.log.Warn("Импорт: элемент %q пропущен: %v", h.FullName(), err)
		return false
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if h.ID == element.InvalidID || m.elements[h.ID] != nil || m.erased[h.ID] != nil {
		h.ID = m.nextID()
	} else if h.ID > m.lastID {
		m.lastID = h.ID
	}
	if other := m.findByNameLocked(h.FullName()); other != element.InvalidID {
		m.log.Warn("⚠️ Импорт: элемент с именем %s уже существует (id %d)", h.FullName(), other)
	}
	h.Version = element.Version
	h.PackageOffset, h.SavedSize = -1, 0
	h.Loaded = true

	m.elements[h.ID] = &entry{cur: &resident{el: el}}
	m.linkLocked(h.ID, h)
	m.enqueue(Request{Type: SaveElement, ID: h.ID})
	return true
}

// ExportToPackage загружает элемент и дописывает его отвязанную копию в файл.
// Свободные регионы целевого файла не используются.
func (m *Manager) ExportToPackage(file string, id element.ID) bool {
	if err := m.loadElement(id); err != nil {
		m.log.Error("Экспорт %d: %v", id, err)
		return false
	}

	m.mutex.Lock()
	e := m.elements[id]
	if e == nil || !e.header().Loaded {
		m.mutex.Unlock()
		m.log.Warn("Экспорт: элемент %d недоступен", id)
		return false
	}
	clone := e.cur.el.Clone()
	m.mutex.Unlock()

	offset, err := pkgstore.Export(file, clone)
	if err != nil {
		m.log.Error("❌ Экспорт %d в %s: %v", id, file, err)
		return false
	}
	m.log.Info("📤 Элемент %d экспортирован в %s@%d", id, file, offset)
	return true
}

// ListBackups возвращает снимки элемента из журнала, новые первыми
func (m *Manager) ListBackups(id element.ID) ([]backup.Entry, error) {
	return m.archive.List(id)
}

// BackupFolder папка снимков
func (m *Manager) BackupFolder() string {
	return m.archive.Folder()
}
