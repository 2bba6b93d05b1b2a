// Package syncx holds typed wrappers over sync primitives.
package syncx

import "sync"

// Map is a typed sync.Map. Missing keys yield the zero value of V.
type Map[K comparable, V any] struct {
	m sync.Map
}

func NewMap[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{}
}

func (sm *Map[K, V]) CompareAndDelete(key K, old V) bool {
	return sm.m.CompareAndDelete(key, old)
}

func (sm *Map[K, V]) Delete(key K) {
	sm.m.Delete(key)
}

func (sm *Map[K, V]) Load(key K) (V, bool) {
	val, ok := sm.m.Load(key)
	return cast[V](val, ok)
}

func (sm *Map[K, V]) LoadAndDelete(key K) (V, bool) {
	val, loaded := sm.m.LoadAndDelete(key)
	return cast[V](val, loaded)
}

func (sm *Map[K, V]) LoadOrStore(key K, value V) (V, bool) {
	val, loaded := sm.m.LoadOrStore(key, value)
	return val.(V), loaded
}

func (sm *Map[K, V]) Range(f func(key K, value V) bool) {
	sm.m.Range(func(key, value any) bool {
		return f(key.(K), value.(V))
	})
}

func (sm *Map[K, V]) Store(key K, value V) {
	sm.m.Store(key, value)
}

// Len walks the map; use it for diagnostics and tests only.
func (sm *Map[K, V]) Len() int {
	n := 0
	sm.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func cast[V any](val any, ok bool) (V, bool) {
	if !ok {
		var zero V
		return zero, false
	}
	return val.(V), true
}
