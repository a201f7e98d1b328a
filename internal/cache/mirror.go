package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/annel0/scene-engine/internal/content/element"
	"github.com/annel0/scene-engine/internal/eventbus"
	"github.com/annel0/scene-engine/internal/logging"
)

// HeaderMirror поддерживает копию заголовков каталога по событиям контента.
//
// Ключи:
//
//	<prefix>:element:<id>      JSON Entry
//	<prefix>:name:<full name>  id
//	<prefix>:package:<pkg>     множество id пакета
type HeaderMirror struct {
	backend Backend
	prefix  string
	log     *logging.Logger
}

// NewHeaderMirror создаёт зеркало поверх backend
func NewHeaderMirror(backend Backend, prefix string, log *logging.Logger) *HeaderMirror {
	if log == nil {
		log = logging.Discard()
	}
	if prefix == "" {
		prefix = "content"
	}
	return &HeaderMirror{backend: backend, prefix: prefix, log: log}
}

func (hm *HeaderMirror) elementKey(id int64) string {
	return hm.prefix + ":element:" + strconv.FormatInt(id, 10)
}

func (hm *HeaderMirror) nameKey(fullName string) string {
	return hm.prefix + ":name:" + fullName
}

func (hm *HeaderMirror) packageKey(pkg string) string {
	return hm.prefix + ":package:" + pkg
}

// Start подписывает зеркало на события менеджера контента
func (hm *HeaderMirror) Start(bus eventbus.EventBus) (eventbus.Subscription, error) {
	filter := eventbus.Filter{
		Types: []string{
			eventbus.ElementAdded,
			eventbus.ElementSaved,
			eventbus.ElementMoved,
			eventbus.ElementErased,
			eventbus.PackageErased,
		},
		Sources: []string{eventbus.ContentSource},
	}
	sub, err := bus.Subscribe(context.Background(), filter, func(ctx context.Context, ev *eventbus.Envelope) {
		if err := hm.Apply(ctx, ev); err != nil {
			hm.log.Warn("Зеркало не обновлено (%s): %v", ev.EventType, err)
		}
	})
	if err != nil {
		return nil, err
	}
	hm.log.Info("🪞 Зеркало заголовков подписано на события контента")
	return sub, nil
}

// Apply применяет одно событие контента
func (hm *HeaderMirror) Apply(ctx context.Context, ev *eventbus.Envelope) error {
	ce, err := eventbus.DecodeContentEvent(ev)
	if err != nil {
		return err
	}

	switch ev.EventType {
	case eventbus.ElementAdded, eventbus.ElementSaved:
		entry, err := hm.Get(ctx, ce.ID)
		if err != nil && !IsCacheMiss(err) {
			return err
		}
		if IsCacheMiss(err) {
			entry = Entry{ID: ce.ID}
		}
		oldName := entry.FullName
		entry.Kind = ce.Kind
		entry.FullName = ce.FullName
		if ev.EventType == eventbus.ElementSaved {
			entry.Offset, entry.Size = ce.Offset, ce.Size
		}
		return hm.put(ctx, entry, oldName)

	case eventbus.ElementMoved:
		entry, err := hm.Get(ctx, ce.ID)
		if IsCacheMiss(err) {
			entry, err = Entry{ID: ce.ID}, nil
		}
		if err != nil {
			return err
		}
		oldName := entry.FullName
		if oldName == "" {
			oldName = ce.OldName
		}
		entry.FullName = ce.FullName
		return hm.put(ctx, entry, oldName)

	case eventbus.ElementErased:
		return hm.drop(ctx, ce.ID)

	case eventbus.PackageErased:
		members, err := hm.backend.Members(ctx, hm.packageKey(ce.Package))
		if err != nil {
			return err
		}
		for _, m := range members {
			id, err := strconv.ParseInt(m, 10, 64)
			if err != nil {
				continue
			}
			if err := hm.drop(ctx, id); err != nil {
				return err
			}
		}
		return hm.backend.Delete(ctx, hm.packageKey(ce.Package))
	}
	return nil
}

// put записывает запись и переносит индексы имени и пакета со старого имени
func (hm *HeaderMirror) put(ctx context.Context, entry Entry, oldName string) error {
	if entry.FullName == "" {
		return fmt.Errorf("элемент %d: %w", entry.ID, ErrInvalidKey)
	}
	pkg, _, _, err := element.SplitFullName(entry.FullName)
	if err != nil {
		return err
	}
	oldPkg := entry.Package
	entry.Package = pkg

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	member := strconv.FormatInt(entry.ID, 10)

	if oldName != "" && oldName != entry.FullName {
		if err := hm.backend.Delete(ctx, hm.nameKey(oldName)); err != nil {
			return err
		}
	}
	if oldPkg != "" && oldPkg != pkg {
		if err := hm.backend.RemoveMember(ctx, hm.packageKey(oldPkg), member); err != nil {
			return err
		}
	}
	if err := hm.backend.Set(ctx, hm.elementKey(entry.ID), data); err != nil {
		return err
	}
	if err := hm.backend.Set(ctx, hm.nameKey(entry.FullName), []byte(member)); err != nil {
		return err
	}
	return hm.backend.AddMember(ctx, hm.packageKey(pkg), member)
}

func (hm *HeaderMirror) drop(ctx context.Context, id int64) error {
	entry, err := hm.Get(ctx, id)
	if IsCacheMiss(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := hm.backend.RemoveMember(ctx, hm.packageKey(entry.Package), strconv.FormatInt(id, 10)); err != nil {
		return err
	}
	return hm.backend.Delete(ctx, hm.elementKey(id), hm.nameKey(entry.FullName))
}

// Get возвращает запись по id
func (hm *HeaderMirror) Get(ctx context.Context, id int64) (Entry, error) {
	var entry Entry
	data, err := hm.backend.Get(ctx, hm.elementKey(id))
	if err != nil {
		return entry, err
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		return entry, fmt.Errorf("запись %d: %w", id, err)
	}
	return entry, nil
}

// Lookup ищет запись по полному имени package#path\name
func (hm *HeaderMirror) Lookup(ctx context.Context, fullName string) (Entry, error) {
	data, err := hm.backend.Get(ctx, hm.nameKey(fullName))
	if err != nil {
		return Entry{}, err
	}
	id, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("имя %s: %w", fullName, ErrInvalidKey)
	}
	return hm.Get(ctx, id)
}

// Package возвращает id элементов пакета
func (hm *HeaderMirror) Package(ctx context.Context, pkg string) ([]int64, error) {
	members, err := hm.backend.Members(ctx, hm.packageKey(pkg))
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		if id, err := strconv.ParseInt(m, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
