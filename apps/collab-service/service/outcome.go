package service

// Outcome 非关键协作方的调用结果。Degraded 为 true 时 Value 是本地合成的降级值，Err 为下层原因
type Outcome[T any] struct {
	Value    T
	Degraded bool
	Err      error
}

func healthy[T any](v T) Outcome[T] {
	return Outcome[T]{Value: v}
}

func degraded[T any](v T, err error) Outcome[T] {
	return Outcome[T]{Value: v, Degraded: true, Err: err}
}
