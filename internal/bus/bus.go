package bus

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/flatnas/scripthost/internal/infrastructure/logging"
)

// Handler receives the detail payload of an event.
type Handler func(detail interface{})

// TapFunc observes every event on the namespace, with its fully
// qualified topic.
type TapFunc func(topic string, detail interface{})

// Bus is a namespaced publish/subscribe event bus. Topics are qualified
// as "<prefix>:<name>"; unqualified names are expanded on both the
// subscribe and emit side, so collaborators may use either form.
type Bus struct {
	prefix string
	logger *logging.Logger

	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]Handler
	taps   map[int]TapFunc
}

// New creates a bus with the given namespace prefix.
func New(prefix string, logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Bus{
		prefix: prefix,
		logger: logger.Named("bus"),
		subs:   make(map[string]map[int]Handler),
		taps:   make(map[int]TapFunc),
	}
}

// Topic returns the fully qualified topic for name.
func (b *Bus) Topic(name string) string {
	if strings.HasPrefix(name, b.prefix+":") {
		return name
	}
	return b.prefix + ":" + name
}

// Subscribe registers a handler for the named event and returns an
// unsubscribe function. Unsubscribing more than once is a no-op.
func (b *Bus) Subscribe(name string, fn Handler) func() {
	topic := b.Topic(name)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]Handler)
	}
	b.subs[topic][id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if handlers, ok := b.subs[topic]; ok {
				delete(handlers, id)
				if len(handlers) == 0 {
					delete(b.subs, topic)
				}
			}
		})
	}
}

// Tap registers an observer for all events on the namespace and returns
// an untap function.
func (b *Bus) Tap(fn TapFunc) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.taps[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.taps, id)
		})
	}
}

// Emit broadcasts an event to all subscribers of the topic and to all
// taps. Handler dispatch is synchronous; each handler failure is
// isolated so one broken subscriber cannot block the rest.
func (b *Bus) Emit(name string, detail interface{}) {
	topic := b.Topic(name)

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[topic]))
	for _, fn := range b.subs[topic] {
		handlers = append(handlers, fn)
	}
	taps := make([]TapFunc, 0, len(b.taps))
	for _, fn := range b.taps {
		taps = append(taps, fn)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		b.dispatch(topic, func() { fn(detail) })
	}
	for _, fn := range taps {
		fn := fn
		b.dispatch(topic, func() { fn(topic, detail) })
	}
}

func (b *Bus) dispatch(topic string, call func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("event handler panicked",
				zap.String("topic", topic),
				zap.Any("panic", r),
			)
		}
	}()
	call()
}
