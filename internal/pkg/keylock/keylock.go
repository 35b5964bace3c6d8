// Package keylock 按键加锁：同一个 key 串行，不同 key 并行
package keylock

import (
	"context"
	"sync"
)

// KeyLock 引用计数的按键互斥锁，key 无人持有时自动回收
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// entry 容量为1的通道充当互斥锁，等待可以被 ctx 取消
type entry struct {
	sem  chan struct{}
	refs int
}

// New 创建KeyLock
func New() *KeyLock {
	return &KeyLock{locks: make(map[string]*entry)}
}

func (k *KeyLock) acquire(key string) *entry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	return e
}

func (k *KeyLock) release(key string, e *entry) {
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

// Lock 获取 key 对应的锁，返回解锁函数
func (k *KeyLock) Lock(key string) func() {
	e := k.acquire(key)
	e.sem <- struct{}{}
	return k.unlocker(key, e)
}

// LockContext 与 Lock 相同，但等待期间 ctx 取消时放弃并返回 ctx.Err()
func (k *KeyLock) LockContext(ctx context.Context, key string) (func(), error) {
	e := k.acquire(key)
	select {
	case e.sem <- struct{}{}:
		return k.unlocker(key, e), nil
	case <-ctx.Done():
		k.release(key, e)
		return nil, ctx.Err()
	}
}

func (k *KeyLock) unlocker(key string, e *entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			k.release(key, e)
		})
	}
}

// Len 当前被持有或等待的 key 数量
func (k *KeyLock) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
