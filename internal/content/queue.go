package content

import (
	"sync"

	"github.com/annel0/scene-engine/internal/content/element"
)

// RequestType тип запроса к воркеру
type RequestType int

const (
	LoadDatabase RequestType = iota
	SaveDatabase
	LoadElement
	SaveElement
	EraseElement
	ErasePackage
)

func (t RequestType) String() string {
	switch t {
	case LoadDatabase:
		return "LoadDatabase"
	case SaveDatabase:
		return "SaveDatabase"
	case LoadElement:
		return "LoadElement"
	case SaveElement:
		return "SaveElement"
	case EraseElement:
		return "EraseElement"
	case ErasePackage:
		return "ErasePackage"
	default:
		return "Unknown"
	}
}

// Request запрос к воркеру. Package заполняется только для ErasePackage.
type Request struct {
	Type    RequestType
	ID      element.ID
	Package string
}

// requestQueue FIFO-очередь с дедупликацией. Защищена собственным мьютексом,
// независимым от мьютекса каталога.
type requestQueue struct {
	mu       sync.Mutex
	items    []Request
	inflight *Request
	idle     *sync.Cond
	notify   chan struct{}
}

func newRequestQueue() *requestQueue {
	q := &requestQueue{notify: make(chan struct{}, 1)}
	q.idle = sync.NewCond(&q.mu)
	return q
}

// push добавляет запрос в хвост. Возвращает false, если запрос отброшен как дубликат:
// такой же запрос уже в очереди, либо SaveDatabase следует сразу за SaveDatabase.
func (q *requestQueue) push(r Request) bool {
	q.mu.Lock()
	if q.isDuplicate(r) {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, r)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

func (q *requestQueue) isDuplicate(r Request) bool {
	if r.Type == SaveDatabase {
		return len(q.items) > 0 && q.items[len(q.items)-1].Type == SaveDatabase
	}
	for _, it := range q.items {
		if it == r {
			return true
		}
	}
	return false
}

// pop извлекает голову очереди и помечает её как выполняемую
func (q *requestQueue) pop() (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Request{}, false
	}
	r := q.items[0]
	q.items[0] = Request{}
	q.items = q.items[1:]
	q.inflight = &r
	return r, true
}

// done завершает выполняемый запрос
func (q *requestQueue) done() {
	q.mu.Lock()
	q.inflight = nil
	if len(q.items) == 0 {
		q.idle.Broadcast()
	}
	q.mu.Unlock()
}

// hasPending сообщает, есть ли в очереди или в работе запрос для id
func (q *requestQueue) hasPending(id element.ID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inflight != nil && q.inflight.ID == id {
		return true
	}
	for _, it := range q.items {
		if it.ID == id {
			return true
		}
	}
	return false
}

// pendingIDs множество id с запросами в очереди или в работе
func (q *requestQueue) pendingIDs() map[element.ID]struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make(map[element.ID]struct{}, len(q.items)+1)
	if q.inflight != nil && q.inflight.ID != element.InvalidID {
		ids[q.inflight.ID] = struct{}{}
	}
	for _, it := range q.items {
		if it.ID != element.InvalidID {
			ids[it.ID] = struct{}{}
		}
	}
	return ids
}

// waitIdle блокируется, пока очередь не опустеет и воркер не освободится
func (q *requestQueue) waitIdle() {
	q.mu.Lock()
	for len(q.items) > 0 || q.inflight != nil {
		q.idle.Wait()
	}
	q.mu.Unlock()
}

// wake будит ожидающих waitIdle (при остановке воркера)
func (q *requestQueue) wake() {
	q.mu.Lock()
	q.items = nil
	q.inflight = nil
	q.idle.Broadcast()
	q.mu.Unlock()
}

// pending количество ожидающих запросов
func (q *requestQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// snapshot копия очереди
func (q *requestQueue) snapshot() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Request(nil), q.items...)
}
