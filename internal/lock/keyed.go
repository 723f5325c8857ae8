package lock

import (
	"context"

	"github.com/im7mortal/kmutex"
)

// KeyedLocker serializes callers per key inside one process.
type KeyedLocker struct {
	km *kmutex.Kmutex
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{km: kmutex.New()}
}

// Lock blocks until key is free. If ctx ends first the lock is released as
// soon as it is obtained and ctx.Err() is returned.
func (l *KeyedLocker) Lock(ctx context.Context, key string) (func(), error) {
	acquired := make(chan struct{})
	go func() {
		l.km.Lock(key)
		close(acquired)
	}()

	select {
	case <-acquired:
		return func() { l.km.Unlock(key) }, nil
	case <-ctx.Done():
		go func() {
			<-acquired
			l.km.Unlock(key)
		}()
		return nil, ctx.Err()
	}
}
