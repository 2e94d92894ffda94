package sip

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/siptx/internal/syncutil"
	"github.com/ghettovoice/siptx/internal/types"
)

// Mailbox is the inbound message queue of a transaction.
// Messages are delivered in arrival order. A closed mailbox rejects deliveries.
type Mailbox struct {
	queue  types.Queue[InboundMessage]
	closed atomic.Bool
}

// NewMailbox creates an open mailbox.
func NewMailbox() *Mailbox {
	return new(Mailbox)
}

// Deliver enqueues the message. It returns false if the mailbox is closed.
func (mb *Mailbox) Deliver(msg InboundMessage) bool {
	if mb.closed.Load() {
		return false
	}
	mb.queue.Push(msg)
	return true
}

// Len returns the number of queued messages.
func (mb *Mailbox) Len() int { return mb.queue.Len() }

func (mb *Mailbox) close() { mb.closed.Store(true) }

// TransactionTable maps transaction keys to mailboxes.
//
// At most one mailbox is registered per key. The zero value is ready to use.
type TransactionTable struct {
	entries syncutil.RWMap[TransactionKey, *Mailbox]
}

// NewTransactionTable creates an empty table.
func NewTransactionTable() *TransactionTable { return new(TransactionTable) }

// Insert registers the mailbox under the key.
// It panics with an error wrapping [ErrDuplicateTransaction] if the key is already present,
// leaving the table untouched.
func (t *TransactionTable) Insert(key TransactionKey, mb *Mailbox) {
	if _, loaded := t.entries.GetOrSet(key, mb); loaded {
		panic(fmt.Errorf("%w: %v", ErrDuplicateTransaction, key))
	}
}

// Register creates a mailbox, inserts it under the key and returns the registration owning it.
// It panics like [TransactionTable.Insert] on a duplicate key.
func (t *TransactionTable) Register(key TransactionKey) *Registration {
	mb := NewMailbox()
	t.Insert(key, mb)
	return &Registration{table: t, key: key, mbox: mb}
}

// TryRegister is like [TransactionTable.Register] but returns an error wrapping
// [ErrDuplicateTransaction] instead of panicking when the key is already present.
func (t *TransactionTable) TryRegister(key TransactionKey) (*Registration, error) {
	mb := NewMailbox()
	if _, loaded := t.entries.GetOrSet(key, mb); loaded {
		return nil, errtrace.Wrap(fmt.Errorf("%w: %v", ErrDuplicateTransaction, key))
	}
	return &Registration{table: t, key: key, mbox: mb}, nil
}

// Lookup returns the mailbox registered under the key.
func (t *TransactionTable) Lookup(key TransactionKey) (*Mailbox, bool) {
	return t.entries.Get(key)
}

// Has reports whether the key is registered.
func (t *TransactionTable) Has(key TransactionKey) bool { return t.entries.Has(key) }

// Remove removes the key. Removing a missing key is a no-op.
func (t *TransactionTable) Remove(key TransactionKey) { t.entries.Del(key) }

// Len returns the number of registered keys.
func (t *TransactionTable) Len() int { return t.entries.Len() }

// Keys iterates over a snapshot of registered keys.
func (t *TransactionTable) Keys() iter.Seq[TransactionKey] {
	return func(yield func(TransactionKey) bool) {
		for k := range t.entries.All() {
			if !yield(k) {
				return
			}
		}
	}
}

func (t *TransactionTable) removeOwned(key TransactionKey, mb *Mailbox) {
	t.entries.DelFunc(key, func(cur *Mailbox) bool { return cur == mb })
}

// Registration owns a table entry and the receiving side of its mailbox.
// Closing it removes the entry; it is the only cleanup path of a transaction.
type Registration struct {
	table *TransactionTable
	key   TransactionKey
	mbox  *Mailbox
	once  sync.Once
}

// Key returns the registered key.
func (r *Registration) Key() TransactionKey { return r.key }

// Ready returns a channel that receives after new messages were delivered.
// Several deliveries may be coalesced into one notification, so readers drain with [Registration.Next].
func (r *Registration) Ready() <-chan struct{} { return r.mbox.queue.Ready() }

// Next pops the oldest queued message.
func (r *Registration) Next() (InboundMessage, bool) { return r.mbox.queue.Pop() }

// Receive waits for the next message.
func (r *Registration) Receive(ctx context.Context) (InboundMessage, error) {
	for {
		if msg, ok := r.Next(); ok {
			return msg, nil
		}
		if r.mbox.closed.Load() {
			return nil, errtrace.Wrap(ErrTransactionTerminated)
		}
		select {
		case <-r.mbox.queue.Ready():
		case <-ctx.Done():
			return nil, errtrace.Wrap(ctx.Err())
		}
	}
}

// Close removes the table entry and closes the mailbox.
// It is idempotent. An entry re-registered under the same key by another
// registration is left untouched.
func (r *Registration) Close() {
	r.once.Do(func() {
		r.table.removeOwned(r.key, r.mbox)
		r.mbox.close()
		r.mbox.queue.Notify()
	})
}

// Closed reports whether the registration was closed.
func (r *Registration) Closed() bool { return r.mbox.closed.Load() }
