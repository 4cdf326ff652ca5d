package storage

import (
	"sync"
	"sync/atomic"
)

// concurrentMap типизированная обертка над sync.Map со счетчиком элементов.
// Значения должны быть сравнимыми.
type concurrentMap[K comparable, V any] struct {
	m sync.Map
	n atomic.Int64
}

func (c *concurrentMap[K, V]) Store(k K, v V) {
	if _, loaded := c.m.Swap(k, v); !loaded {
		c.n.Add(1)
	}
}

func (c *concurrentMap[K, V]) Load(k K) (V, bool) {
	v, ok := c.m.Load(k)
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

func (c *concurrentMap[K, V]) LoadAndDelete(k K) (V, bool) {
	v, ok := c.m.LoadAndDelete(k)
	if !ok {
		var zero V
		return zero, false
	}
	c.n.Add(-1)
	return v.(V), true
}

func (c *concurrentMap[K, V]) Delete(k K) {
	c.LoadAndDelete(k)
}

func (c *concurrentMap[K, V]) Len() int {
	return int(c.n.Load())
}

func (c *concurrentMap[K, V]) Range(fn func(K, V) bool) {
	c.m.Range(func(k, v any) bool {
		return fn(k.(K), v.(V))
	})
}

func (c *concurrentMap[K, V]) Clear() {
	c.m.Range(func(k, _ any) bool {
		c.Delete(k.(K))
		return true
	})
}

// drainInto переносит все элементы в dst. Элемент сначала появляется в dst
// и только потом удаляется отсюда, поэтому читатель, проверяющий обе карты
// по порядку, всегда его найдет. Если элемент параллельно заменили более
// новым, новый остается здесь до следующего переноса.
func (c *concurrentMap[K, V]) drainInto(dst *concurrentMap[K, V]) {
	c.m.Range(func(k, v any) bool {
		dst.Store(k.(K), v.(V))
		if c.m.CompareAndDelete(k, v) {
			c.n.Add(-1)
		}
		return true
	})
}
