package storage

import "context"

// Initer is optionally implemented by *T to fill zero-value fields (nil maps)
// after loading, including when the backing store is still empty.
type Initer interface {
	Init()
}

// Store gives locked read/modify/write access to a document of type T.
type Store[T any] interface {
	// With loads the document under lock and passes it to fn.
	// Changes made by fn are discarded.
	With(ctx context.Context, fn func(*T) error) error
	// Update is With plus persistence: if fn returns nil the document is written back.
	Update(ctx context.Context, fn func(*T) error) error

	// Read and Write behave like With and Update but do not take the lock.
	// The caller must already hold it via TryLock.
	Read(fn func(*T) error) error
	Write(fn func(*T) error) error
	// TryLock attempts to take the store lock without blocking.
	TryLock(ctx context.Context) (bool, error)
	// Unlock releases a lock taken by TryLock.
	Unlock(ctx context.Context) error
}
