package speedtest

// Spawner lets callers own the goroutines the runner creates for ping tests.
// When nil, the runner falls back to plain `go`.
type Spawner interface {
	Go(name string, fn func())
}

// SpawnerFunc adapts a function to Spawner.
type SpawnerFunc func(name string, fn func())

func (f SpawnerFunc) Go(name string, fn func()) { f(name, fn) }
