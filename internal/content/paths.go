package content

import (
	"slices"
	"strings"

	"github.com/annel0/scene-engine/internal/content/element"
	"github.com/annel0/scene-engine/internal/eventbus"
)

// isUnder сообщает, совпадает ли path с base или вложен в него
func isUnder(path, base string) bool {
	return path == base || strings.HasPrefix(path, base+element.PathSeparator)
}

// CreatePath создаёт путь package#path, создавая пакет при необходимости
func (m *Manager) CreatePath(fullPath string) bool {
	pkg, path, ok := m.parsePath(fullPath)
	if !ok {
		return false
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.containsPathLocked(pkg, path) {
		m.log.Warn("CreatePath: путь %s уже существует", fullPath)
		return false
	}
	p := m.packages[pkg]
	if p == nil {
		p = newPackageInfo()
		m.packages[pkg] = p
	}
	p.paths[path] = make(map[element.ID]struct{})
	m.enqueue(Request{Type: SaveDatabase})
	return true
}

// ContainsPath проверяет наличие пути package#path
func (m *Manager) ContainsPath(fullPath string) bool {
	pkg, path, err := element.SplitFullPath(fullPath)
	if err != nil {
		return false
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.containsPathLocked(pkg, path)
}

func (m *Manager) containsPathLocked(pkg, path string) bool {
	p := m.packages[pkg]
	if p == nil {
		return false
	}
	_, ok := p.paths[path]
	return ok
}

// GetPaths возвращает отсортированные пути пакета
func (m *Manager) GetPaths(pkg string) []string {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	p := m.packages[pkg]
	if p == nil {
		return nil
	}
	paths := make([]string, 0, len(p.paths))
	for path := range p.paths {
		paths = append(paths, path)
	}
	slices.Sort(paths)
	return paths
}

// GetPackages возвращает отсортированные имена пакетов
func (m *Manager) GetPackages() []string {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	names := make([]string, 0, len(m.packages))
	for name := range m.packages {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// RenamePath переименовывает путь и все вложенные в него пути, перенося элементы.
// Новый путь может находиться в другом пакете. Корневой путь пакета не переименовывается.
func (m *Manager) RenamePath(oldFullPath, newFullPath string) bool {
	oldPkg, oldPath, ok := m.parsePath(oldFullPath)
	if !ok {
		return false
	}
	newPkg, newPath, ok := m.parsePath(newFullPath)
	if !ok {
		return false
	}
	if oldPath == "" {
		m.log.Warn("RenamePath: корневой путь пакета %s нельзя переименовать", oldPkg)
		return false
	}
	if oldPkg == newPkg && isUnder(newPath, oldPath) {
		m.log.Warn("RenamePath: %s вложен в %s", newFullPath, oldFullPath)
		return false
	}

	m.mutex.Lock()
	src := m.packages[oldPkg]
	if src == nil || src.paths[oldPath] == nil {
		m.mutex.Unlock()
		m.log.Warn("RenamePath: путь %s не существует", oldFullPath)
		return false
	}
	if m.containsPathLocked(newPkg, newPath) {
		m.mutex.Unlock()
		m.log.Warn("RenamePath: путь %s уже существует", newFullPath)
		return false
	}

	dst := m.packages[newPkg]
	if dst == nil {
		dst = newPackageInfo()
		m.packages[newPkg] = dst
	}

	var moved []element.ID
	var events []eventbus.ContentEvent
	for path, set := range src.paths {
		if !isUnder(path, oldPath) {
			continue
		}
		target := newPath + path[len(oldPath):]
		if newPath == "" {
			// Перенос в корень пакета: a\b -> b
			target = strings.TrimPrefix(target, element.PathSeparator)
		}
		if dst.paths[target] != nil {
			// Вложенный путь уже существует в целевом пакете: объединяем наборы.
			m.log.Warn("RenamePath: путь %s уже существует, элементы объединяются", element.JoinFullPath(newPkg, target))
		} else {
			dst.paths[target] = make(map[element.ID]struct{})
		}
		for id := range set {
			e := m.elements[id]
			if e == nil {
				continue
			}
			h := e.header()
			oldName := h.FullName()
			h.Package, h.Path = newPkg, target
			events = append(events, eventbus.ContentEvent{ID: int64(id), FullName: h.FullName(), OldName: oldName})
			dst.paths[target][id] = struct{}{}
			moved = append(moved, id)
		}
		delete(src.paths, path)
	}

	slices.Sort(moved)
	for _, id := range moved {
		m.enqueue(Request{Type: SaveElement, ID: id})
	}
	m.dropPackageIfEmptyLocked(oldPkg)
	m.enqueue(Request{Type: SaveDatabase})
	m.mutex.Unlock()

	for _, ev := range events {
		m.publish(eventbus.ElementMoved, ev)
	}
	m.log.Info("Путь %s переименован в %s (элементов: %d)", oldFullPath, newFullPath, len(moved))
	return true
}

// DeletePath удаляет путь, вложенные в него пути и их элементы.
// Удаление последнего пути пакета удаляет и файл пакета.
func (m *Manager) DeletePath(fullPath string) bool {
	pkg, path, ok := m.parsePath(fullPath)
	if !ok {
		return false
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	p := m.packages[pkg]
	if p == nil || p.paths[path] == nil {
		m.log.Warn("DeletePath: путь %s не существует", fullPath)
		return false
	}

	var ids []element.ID
	for sub, set := range p.paths {
		if path != "" && !isUnder(sub, path) {
			continue
		}
		// Удаление корневого пути удаляет все пути пакета.
		for id := range set {
			ids = append(ids, id)
		}
		delete(p.paths, sub)
	}

	slices.Sort(ids)
	for _, id := range ids {
		m.deleteLocked(id)
	}
	m.dropPackageIfEmptyLocked(pkg)
	m.enqueue(Request{Type: SaveDatabase})
	m.log.Info("Путь %s удалён (элементов: %d)", fullPath, len(ids))
	return true
}

// dropPackageIfEmptyLocked удаляет пакет без путей и ставит удаление его файла
func (m *Manager) dropPackageIfEmptyLocked(pkg string) {
	p := m.packages[pkg]
	if p == nil || len(p.paths) > 0 {
		return
	}
	delete(m.packages, pkg)
	m.enqueue(Request{Type: ErasePackage, Package: pkg})
}

func (m *Manager) parsePath(fullPath string) (string, string, bool) {
	pkg, path, err := element.SplitFullPath(fullPath)
	if err != nil {
		m.log.Warn("Недопустимый путь %q: %v", fullPath, err)
		return "", "", false
	}
	if _, err := m.store.PackageFile(pkg); err != nil || !validPath(path) {
		m.log.Warn("Недопустимый путь %q", fullPath)
		return "", "", false
	}
	return pkg, path, true
}
