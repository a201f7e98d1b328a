package api

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"time"

	"github.com/annel0/scene-engine/internal/auth"
	"github.com/annel0/scene-engine/internal/content"
	"github.com/annel0/scene-engine/internal/content/backup"
	"github.com/annel0/scene-engine/internal/content/element"
	"github.com/annel0/scene-engine/internal/logging"
	"github.com/annel0/scene-engine/internal/middleware"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Catalog операции менеджера контента, доступные через REST
type Catalog interface {
	AddElement(kind element.Kind, name, pkg, path string, id element.ID) *content.Handle
	Header(id element.ID) (element.Header, bool)
	GetElementByName(fullName string, load, waitForLoad bool) *content.Handle
	GetElements(f content.Filter) []element.Header
	MoveElement(id element.ID, fullPath string) bool
	RenameElement(id element.ID, newName string) bool
	SaveElement(id element.ID) bool
	DeleteElement(id element.ID) bool
	CreatePath(fullPath string) bool
	RenamePath(oldFullPath, newFullPath string) bool
	DeletePath(fullPath string) bool
	GetPaths(pkg string) []string
	GetPackages() []string
	ImportPackage(file string) bool
	ExportToPackage(file string, id element.ID) bool
	ListBackups(id element.ID) ([]backup.Entry, error)
	Stats() content.Stats
	Flush()
}

// RestServer REST API над каталогом контента
type RestServer struct {
	router     *gin.Engine
	catalog    Catalog
	issuer     *auth.Issuer
	log        *logging.Logger
	metrics    *ServerMetrics
	httpServer *http.Server
	transfer   string
}

// Config содержит конфигурацию для REST сервера
type Config struct {
	Port     string  // адрес для запуска сервера, например ":8088"
	Catalog  Catalog // менеджер контента
	Issuer   *auth.Issuer
	Logger   *logging.Logger
	Registry prometheus.Registerer // метрики HTTP; nil: без регистрации
	Gatherer prometheus.Gatherer   // источник для GET /metrics; nil: маршрут не добавляется

	// TransferFolder каталог файлов импорта и экспорта; имена из запросов
	// разрешаются только внутри него. Пусто: импорт и экспорт отключены.
	TransferFolder string
}

// GenericResponse представляет общий ответ API
type GenericResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// NewRestServer создает новый REST API сервер
func NewRestServer(config Config) *RestServer {
	if config.Port == "" {
		config.Port = ":8088"
	}
	if config.Logger == nil {
		config.Logger = logging.Default()
	}

	router := gin.New()        // без стандартного logger/recovery
	router.Use(gin.Recovery()) // добавим только recovery

	// === Observability middleware ===
	router.Use(otelgin.Middleware("contentd"))
	router.Use(middleware.NewRequestLogger(config.Logger).Handler())
	router.Use(middleware.NewPrometheusMiddleware("rest_api", config.Registry).Handler())
	if config.Gatherer != nil {
		middleware.RegisterMetricsEndpoint(router, config.Gatherer)
	}

	rs := &RestServer{
		router:  router,
		catalog: config.Catalog,
		issuer:  config.Issuer,
		log:     config.Logger,
		metrics: NewServerMetrics(),
	}
	if config.TransferFolder != "" {
		rs.transfer = filepath.Clean(config.TransferFolder)
	}
	rs.httpServer = &http.Server{
		Addr:              config.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	rs.setupRoutes()
	return rs
}

// setupRoutes настраивает маршруты REST API
func (rs *RestServer) setupRoutes() {
	rs.router.GET("/health", rs.handleHealth)

	api := rs.router.Group("/api")
	{
		api.GET("/stats", rs.handleStats)
		api.GET("/packages", rs.handleGetPackages)
		api.GET("/packages/:package/paths", rs.handleGetPaths)
		api.GET("/elements", rs.handleGetElements)
		api.GET("/elements/:id", rs.handleGetElement)
		api.GET("/elements/:id/backups", rs.handleGetBackups)
		api.GET("/lookup", rs.handleLookup)
	}

	// Изменяющие операции
	editor := api.Group("/")
	editor.Use(rs.editorMiddleware())
	{
		editor.POST("/elements", rs.handleAddElement)
		editor.POST("/elements/:id/save", rs.handleSaveElement)
		editor.POST("/elements/:id/move", rs.handleMoveElement)
		editor.POST("/elements/:id/rename", rs.handleRenameElement)
		editor.POST("/elements/:id/export", rs.handleExportElement)
		editor.DELETE("/elements/:id", rs.handleDeleteElement)
		editor.POST("/paths", rs.handleCreatePath)
		editor.POST("/paths/rename", rs.handleRenamePath)
		editor.DELETE("/paths", rs.handleDeletePath)
		editor.POST("/import", rs.handleImport)
		editor.POST("/flush", rs.handleFlush)
	}
}

// Handler HTTP-обработчик сервера
func (rs *RestServer) Handler() http.Handler { return rs.router }

// Start запускает REST сервер и блокируется до Shutdown
func (rs *RestServer) Start() error {
	rs.log.Info("🌐 REST API слушает %s", rs.httpServer.Addr)
	if err := rs.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown корректно останавливает сервер
func (rs *RestServer) Shutdown(ctx context.Context) error {
	return rs.httpServer.Shutdown(ctx)
}
