package bus

import "fmt"

// Topic is a topic name bound to a payload type. It lets publishers and
// subscribers agree on the data shape at compile time while sharing the
// same untyped registry.
type Topic[T any] string

// Publish emits v on topic t.
func Publish[T any](b *Bus, t Topic[T], v T) {
	b.Emit(string(t), v)
}

// Listen subscribes fn to topic t. Emissions on t whose data is not a T are
// skipped and logged.
func Listen[T any](b *Bus, t Topic[T], fn func(T)) *Subscription {
	if fn == nil {
		return b.Subscribe(string(t), nil)
	}
	return b.Subscribe(string(t), func(data any) {
		v, ok := data.(T)
		if !ok {
			b.logger.Warn("bus payload type mismatch",
				"topic", string(t),
				"got", fmt.Sprintf("%T", data),
			)
			return
		}
		fn(v)
	})
}
