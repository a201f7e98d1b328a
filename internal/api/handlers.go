package api

import (
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/annel0/scene-engine/internal/content"
	"github.com/annel0/scene-engine/internal/content/element"
	"github.com/gin-gonic/gin"
)

// ElementView заголовок элемента в ответах API
type ElementView struct {
	ID       int64  `json:"id"`
	Kind     string `json:"kind"`
	Name     string `json:"name"`
	Package  string `json:"package"`
	Path     string `json:"path"`
	FullName string `json:"full_name"`
	Offset   int64  `json:"offset"`
	Size     int64  `json:"size"`
	Loaded   bool   `json:"loaded"`
}

func newElementView(h element.Header) ElementView {
	return ElementView{
		ID:       int64(h.ID),
		Kind:     h.Kind.String(),
		Name:     h.Name,
		Package:  h.Package,
		Path:     h.Path,
		FullName: h.FullName(),
		Offset:   h.PackageOffset,
		Size:     h.SavedSize,
		Loaded:   h.Loaded,
	}
}

// AddElementRequest запрос на создание элемента
type AddElementRequest struct {
	Kind    string `json:"kind" binding:"required"`
	Name    string `json:"name" binding:"required"`
	Package string `json:"package" binding:"required"`
	Path    string `json:"path"`
	ID      int64  `json:"id"`
}

// PathRequest запрос с полным путём package#path
type PathRequest struct {
	Path string `json:"path" binding:"required"`
}

// RenameRequest запрос на переименование
type RenameRequest struct {
	From string `json:"from"`
	To   string `json:"to" binding:"required"`
}

// FileRequest запрос с именем файла пакета в каталоге обмена
type FileRequest struct {
	File string `json:"file" binding:"required"`
}

var (
	errTransferDisabled = errors.New("transfer folder is not configured")
	errTransferEscape   = errors.New("file must be a relative path inside the transfer folder")
)

// transferFile разрешает имя файла из запроса внутри каталога обмена
func (rs *RestServer) transferFile(name string) (string, error) {
	if rs.transfer == "" {
		return "", errTransferDisabled
	}
	if filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", errTransferEscape
	}
	clean := filepath.Clean(name)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errTransferEscape
	}
	return filepath.Join(rs.transfer, clean), nil
}

// bindTransferFile читает FileRequest и отвечает ошибкой, если файл вне каталога обмена
func (rs *RestServer) bindTransferFile(c *gin.Context) (FileRequest, string, bool) {
	var req FileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Неверный формат запроса")
		return req, "", false
	}
	file, err := rs.transferFile(req.File)
	switch {
	case errors.Is(err, errTransferDisabled):
		fail(c, http.StatusForbidden, "Обмен пакетами отключён")
		return req, "", false
	case err != nil:
		rs.log.Warn("⚠️ Отклонён файл обмена %q: %v", req.File, err)
		fail(c, http.StatusBadRequest, "Файл должен находиться в каталоге обмена")
		return req, "", false
	}
	return req, file, true
}

func fail(c *gin.Context, status int, message string) {
	c.JSON(status, GenericResponse{Success: false, Message: message})
}

func ok(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, GenericResponse{Success: true, Message: message, Data: data})
}

// parseID разбирает :id; при ошибке ответ уже отправлен
func parseID(c *gin.Context) (element.ID, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || element.ID(id) == element.InvalidID {
		fail(c, http.StatusBadRequest, "Неверный идентификатор элемента")
		return element.InvalidID, false
	}
	return element.ID(id), true
}

func (rs *RestServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().Unix(),
	})
}

// handleStats возвращает сводку каталога и ресурсов процесса
func (rs *RestServer) handleStats(c *gin.Context) {
	ok(c, http.StatusOK, "Статистика получена", gin.H{
		"content": rs.catalog.Stats(),
		"server":  rs.metrics.Snapshot(),
	})
}

func (rs *RestServer) handleGetPackages(c *gin.Context) {
	ok(c, http.StatusOK, "Список пакетов получен", rs.catalog.GetPackages())
}

func (rs *RestServer) handleGetPaths(c *gin.Context) {
	paths := rs.catalog.GetPaths(c.Param("package"))
	if paths == nil {
		fail(c, http.StatusNotFound, "Пакет не найден")
		return
	}
	ok(c, http.StatusOK, "Список путей получен", paths)
}

// handleGetElements список заголовков с фильтрами kind, package, path, loaded
func (rs *RestServer) handleGetElements(c *gin.Context) {
	f := content.Filter{
		Package:    c.Query("package"),
		PathPrefix: c.Query("path"),
	}
	for _, name := range c.QueryArray("kind") {
		kind, err := element.ParseKind(name)
		if err != nil {
			fail(c, http.StatusBadRequest, "Неизвестный тип элемента: "+name)
			return
		}
		f.Kinds = append(f.Kinds, kind)
	}
	if v, has := c.GetQuery("loaded"); has {
		loaded, err := strconv.ParseBool(v)
		if err != nil {
			fail(c, http.StatusBadRequest, "Параметр loaded должен быть true или false")
			return
		}
		f.Loaded = &loaded
	}

	headers := rs.catalog.GetElements(f)
	views := make([]ElementView, 0, len(headers))
	for _, h := range headers {
		views = append(views, newElementView(h))
	}
	ok(c, http.StatusOK, "Список элементов получен", gin.H{"elements": views, "total": len(views)})
}

func (rs *RestServer) handleGetElement(c *gin.Context) {
	id, valid := parseID(c)
	if !valid {
		return
	}
	h, found := rs.catalog.Header(id)
	if !found {
		fail(c, http.StatusNotFound, "Элемент не найден")
		return
	}
	ok(c, http.StatusOK, "Элемент найден", newElementView(h))
}

// handleLookup ищет элемент по полному имени ?name=package#path\name
func (rs *RestServer) handleLookup(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		fail(c, http.StatusBadRequest, "Не указано имя")
		return
	}
	handle := rs.catalog.GetElementByName(name, false, false)
	if handle == nil {
		fail(c, http.StatusNotFound, "Элемент не найден")
		return
	}
	id := handle.ID()
	handle.Release()

	h, found := rs.catalog.Header(id)
	if !found {
		fail(c, http.StatusNotFound, "Элемент не найден")
		return
	}
	ok(c, http.StatusOK, "Элемент найден", newElementView(h))
}

func (rs *RestServer) handleGetBackups(c *gin.Context) {
	id, valid := parseID(c)
	if !valid {
		return
	}
	entries, err := rs.catalog.ListBackups(id)
	if err != nil {
		rs.log.Error("Журнал бэкапов %d: %v", id, err)
		fail(c, http.StatusInternalServerError, "Ошибка чтения журнала бэкапов")
		return
	}
	ok(c, http.StatusOK, "Список снимков получен", gin.H{"backups": entries, "total": len(entries)})
}

func (rs *RestServer) handleAddElement(c *gin.Context) {
	var req AddElementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Неверный формат запроса")
		return
	}
	kind, err := element.ParseKind(req.Kind)
	if err != nil {
		fail(c, http.StatusBadRequest, "Неизвестный тип элемента")
		return
	}

	handle := rs.catalog.AddElement(kind, req.Name, req.Package, req.Path, element.ID(req.ID))
	if handle == nil {
		fail(c, http.StatusBadRequest, "Элемент не добавлен: недопустимое имя, пакет или путь")
		return
	}
	id := handle.ID()
	handle.Release()

	h, _ := rs.catalog.Header(id)
	ok(c, http.StatusCreated, "Элемент добавлен", newElementView(h))
}

// elementAction выполняет операцию над :id и отвечает 404, если она не удалась
func (rs *RestServer) elementAction(c *gin.Context, message string, action func(id element.ID) bool) {
	id, valid := parseID(c)
	if !valid {
		return
	}
	if !action(id) {
		fail(c, http.StatusNotFound, "Операция не выполнена")
		return
	}
	ok(c, http.StatusOK, message, gin.H{"id": int64(id)})
}

func (rs *RestServer) handleSaveElement(c *gin.Context) {
	rs.elementAction(c, "Сохранение поставлено в очередь", rs.catalog.SaveElement)
}

func (rs *RestServer) handleDeleteElement(c *gin.Context) {
	rs.elementAction(c, "Элемент удалён", rs.catalog.DeleteElement)
}

func (rs *RestServer) handleMoveElement(c *gin.Context) {
	var req PathRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Неверный формат запроса")
		return
	}
	rs.elementAction(c, "Элемент перенесён", func(id element.ID) bool {
		return rs.catalog.MoveElement(id, req.Path)
	})
}

func (rs *RestServer) handleRenameElement(c *gin.Context) {
	var req RenameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Неверный формат запроса")
		return
	}
	rs.elementAction(c, "Элемент переименован", func(id element.ID) bool {
		return rs.catalog.RenameElement(id, req.To)
	})
}

func (rs *RestServer) handleExportElement(c *gin.Context) {
	_, file, valid := rs.bindTransferFile(c)
	if !valid {
		return
	}
	rs.elementAction(c, "Элемент экспортирован", func(id element.ID) bool {
		return rs.catalog.ExportToPackage(file, id)
	})
}

func (rs *RestServer) handleCreatePath(c *gin.Context) {
	var req PathRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Неверный формат запроса")
		return
	}
	if !rs.catalog.CreatePath(req.Path) {
		fail(c, http.StatusConflict, "Путь не создан")
		return
	}
	ok(c, http.StatusCreated, "Путь создан", gin.H{"path": req.Path})
}

func (rs *RestServer) handleRenamePath(c *gin.Context) {
	var req RenameRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.From == "" {
		fail(c, http.StatusBadRequest, "Неверный формат запроса")
		return
	}
	if !rs.catalog.RenamePath(req.From, req.To) {
		fail(c, http.StatusConflict, "Путь не переименован")
		return
	}
	ok(c, http.StatusOK, "Путь переименован", gin.H{"path": req.To})
}

// handleDeletePath удаляет путь ?path=package#path вместе с элементами
func (rs *RestServer) handleDeletePath(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		fail(c, http.StatusBadRequest, "Не указан путь")
		return
	}
	if !rs.catalog.DeletePath(path) {
		fail(c, http.StatusNotFound, "Путь не найден")
		return
	}
	ok(c, http.StatusOK, "Путь удалён", gin.H{"path": path})
}

func (rs *RestServer) handleImport(c *gin.Context) {
	req, file, valid := rs.bindTransferFile(c)
	if !valid {
		return
	}
	if !rs.catalog.ImportPackage(file) {
		fail(c, http.StatusUnprocessableEntity, "Импорт прерван, часть элементов могла быть добавлена")
		return
	}
	ok(c, http.StatusOK, "Пакет импортирован", gin.H{"file": req.File})
}

// handleFlush дожидается обработки очереди воркером
func (rs *RestServer) handleFlush(c *gin.Context) {
	rs.catalog.Flush()
	ok(c, http.StatusOK, "Очередь обработана", rs.catalog.Stats())
}
