// Package content реализует менеджер контента: каталог элементов в памяти,
// индекс путей по пакетам, очередь запросов и единственный воркер, который
// выполняет весь ввод-вывод пакетов, индексной базы и бэкапов.
package content

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/scene-engine/internal/config"
	"github.com/annel0/scene-engine/internal/content/backup"
	"github.com/annel0/scene-engine/internal/content/element"
	"github.com/annel0/scene-engine/internal/content/pkgstore"
	"github.com/annel0/scene-engine/internal/eventbus"
	"github.com/annel0/scene-engine/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sasha-s/go-deadlock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// DefaultEvictionInterval период обхода каталога для выгрузки неиспользуемых элементов
const DefaultEvictionInterval = 100 * time.Millisecond

// DefaultDatabaseFile имя индексной базы в папке контента
const DefaultDatabaseFile = "content.mdb"

// Ошибки менеджера
var (
	ErrNotFound = errors.New("content element not found")
	ErrClosed   = errors.New("content manager closed")
)

// Options параметры менеджера контента
type Options struct {
	Folder           string        // папка пакетов и индексной базы
	BackupFolder     string        // по умолчанию <Folder>/backup
	DatabaseFile     string        // по умолчанию content.mdb
	EvictionInterval time.Duration // по умолчанию 100ms
	DisableLedger    bool          // не вести журнал бэкапов в BadgerDB

	// Manual отключает фоновый воркер: очередь обрабатывается вызовами Drain.
	// Используется офлайн-инструментами.
	Manual bool

	Logger     *logging.Logger
	Bus        eventbus.EventBus     // необязательная шина событий
	Registerer prometheus.Registerer // nil: метрики не регистрируются
	Tracer     trace.Tracer
}

// OptionsFromConfig собирает Options из секции content конфигурации
func OptionsFromConfig(cfg *config.ContentConfig) Options {
	return Options{
		Folder:           cfg.GetFolder(),
		BackupFolder:     cfg.GetBackupFolder(),
		DatabaseFile:     cfg.GetDatabaseFile(),
		EvictionInterval: cfg.GetEvictionInterval(),
		DisableLedger:    !cfg.LedgerEnabled(),
	}
}

// resident экземпляр элемента, хранящийся в каталоге.
// refs считает неосвобождённые Handle на этот экземпляр.
type resident struct {
	el   element.Element
	refs atomic.Int32
}

// location положение записи элемента на диске
type location struct {
	pkg    string
	offset int64
	size   int64
}

func (l location) stored() bool {
	return l.pkg != "" && l.offset >= 0 && l.size > 0
}

type entry struct {
	cur *resident
	loc location
}

func (e *entry) header() *element.Header { return e.cur.el.Header() }

type packageInfo struct {
	paths map[string]map[element.ID]struct{}
	free  pkgstore.FreeSpaces
}

func newPackageInfo() *packageInfo {
	return &packageInfo{paths: make(map[string]map[element.ID]struct{})}
}

// Manager каталог контента и его воркер
type Manager struct {
	opts    Options
	log     *logging.Logger
	store   *pkgstore.Store
	archive *backup.Archive
	metrics *Metrics
	tracer  trace.Tracer
	dbFile  string

	mutex    deadlock.Mutex
	elements map[element.ID]*entry
	packages map[string]*packageInfo
	erased   map[element.ID]*entry // удалённые из каталога, ожидающие EraseElement
	lastID   element.ID

	queue     *requestQueue
	quit      chan struct{}
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewManager открывает хранилище, синхронно загружает индексную базу и запускает воркер
func NewManager(opts Options) (*Manager, error) {
	if opts.Folder == "" {
		return nil, fmt.Errorf("content folder is not set")
	}
	if opts.BackupFolder == "" {
		opts.BackupFolder = filepath.Join(opts.Folder, "backup")
	}
	if opts.DatabaseFile == "" {
		opts.DatabaseFile = DefaultDatabaseFile
	}
	if opts.EvictionInterval <= 0 {
		opts.EvictionInterval = DefaultEvictionInterval
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/annel0/scene-engine/internal/content")
	}

	store, err := pkgstore.New(opts.Folder)
	if err != nil {
		return nil, err
	}
	archive, err := backup.Open(opts.BackupFolder, !opts.DisableLedger)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		opts:     opts,
		log:      opts.Logger,
		store:    store,
		archive:  archive,
		metrics:  NewMetrics(opts.Registerer),
		tracer:   opts.Tracer,
		dbFile:   filepath.Join(opts.Folder, opts.DatabaseFile),
		elements: make(map[element.ID]*entry),
		packages: make(map[string]*packageInfo),
		erased:   make(map[element.ID]*entry),
		queue:    newRequestQueue(),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	// Индексная база загружается до старта воркера.
	m.dispatch(Request{Type: LoadDatabase})

	if opts.Manual {
		close(m.done)
	} else {
		go m.run()
	}
	m.log.Info("📦 Менеджер контента запущен: folder=%s elements=%d packages=%d", opts.Folder, len(m.elements), len(m.packages))
	return m, nil
}

// Flush блокируется, пока очередь не опустеет и воркер не завершит текущий запрос.
// В режиме Manual очередь обрабатывается на вызывающей горутине.
func (m *Manager) Flush() {
	if m.closed.Load() {
		return
	}
	if m.opts.Manual {
		m.Drain()
		return
	}
	m.queue.waitIdle()
}

// Close дожидается обработки очереди, останавливает воркер и закрывает журнал бэкапов
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.Flush()
		m.closed.Store(true)
		close(m.quit)
		<-m.done
		m.queue.wake()
		err = m.archive.Close()
		m.log.Info("📦 Менеджер контента остановлен")
	})
	return err
}

// Handle ссылка на экземпляр элемента в каталоге. Пока Handle не освобождён,
// обход не выгружает этот экземпляр. Полезную нагрузку через Handle следует
// только читать: изменения выполняются через UpdateElement.
type Handle struct {
	res      *resident
	released atomic.Bool
}

func newHandle(res *resident) *Handle {
	res.refs.Add(1)
	return &Handle{res: res}
}

// Element экземпляр элемента (заглушка или загруженный)
func (h *Handle) Element() element.Element { return h.res.el }

// ID идентификатор элемента
func (h *Handle) ID() element.ID { return h.res.el.Header().ID }

// Loaded сообщает, загружена ли полезная нагрузка экземпляра
func (h *Handle) Loaded() bool { return h.res.el.Header().Loaded }

// Release освобождает ссылку. Повторный вызов ничего не делает.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	if h.released.CompareAndSwap(false, true) {
		h.res.refs.Add(-1)
	}
}

// Stats состояние каталога
type Stats struct {
	Elements int   `json:"elements"`
	Loaded   int   `json:"loaded"`
	Packages int   `json:"packages"`
	Paths    int   `json:"paths"`
	Pending  int   `json:"pending"`
	Erasing  int   `json:"erasing"`
	Free     int64 `json:"free_bytes"`
}

// Stats возвращает сводку каталога и очереди
func (m *Manager) Stats() Stats {
	m.mutex.Lock()
	s := Stats{Elements: len(m.elements), Packages: len(m.packages), Erasing: len(m.erased)}
	for _, e := range m.elements {
		if e.header().Loaded {
			s.Loaded++
		}
	}
	for _, p := range m.packages {
		s.Paths += len(p.paths)
		s.Free += p.free.Total()
	}
	m.mutex.Unlock()

	s.Pending = m.queue.pending()
	return s
}

// Pending копия очереди запросов
func (m *Manager) Pending() []Request {
	return m.queue.snapshot()
}

// enqueue ставит запрос в очередь; может вызываться под мьютексом каталога
func (m *Manager) enqueue(r Request) {
	if m.closed.Load() {
		m.log.Warn("Запрос %s для %d отброшен: менеджер закрыт", r.Type, r.ID)
		return
	}
	if !m.queue.push(r) {
		m.log.Trace("Запрос %s для %d уже в очереди", r.Type, r.ID)
	}
	m.metrics.queueDepth.Set(float64(m.queue.pending()))
}

// publish отправляет событие в шину. Вызывается без мьютекса каталога.
func (m *Manager) publish(eventType string, ev eventbus.ContentEvent) {
	if m.opts.Bus == nil {
		return
	}
	env, err := eventbus.NewContentEnvelope(eventType, ev)
	if err != nil {
		m.log.Warn("Событие %s не создано: %v", eventType, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.opts.Bus.Publish(ctx, env); err != nil {
		m.log.Warn("Событие %s не опубликовано: %v", eventType, err)
	}
}

// nextID выдаёт новый идентификатор из времени, монотонно и без коллизий
func (m *Manager) nextID() element.ID {
	id := element.ID(time.Now().UnixNano())
	if id <= m.lastID {
		id = m.lastID + 1
	}
	for id == element.InvalidID || m.elements[id] != nil || m.erased[id] != nil {
		id++
	}
	m.lastID = id
	return id
}
