package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/scusemua/jupyter-kernel-client/jupyter"
	"github.com/scusemua/jupyter-kernel-client/messaging"
)

// MessageHandler consumes one inbound protocol message.
type MessageHandler func(msg *messaging.Message)

// IOPubHook is a preemptive filter over iopub delivery to a Future.
// Returning false short-circuits the remaining hooks AND suppresses the
// future's OnIOPub callback for that message.
type IOPubHook func(msg *messaging.Message) bool

// Future tracks one outstanding shell exchange: it observes the shell reply
// and the terminating iopub idle status for its parent msg_id, invokes the
// user's callbacks, and fires its done callback exactly once.
type Future interface {
	// Message returns the parent request message this future tracks.
	Message() *messaging.Message

	// Reply returns the shell reply, or nil if it has not arrived yet.
	Reply() *messaging.Message

	// OnReply sets the callback invoked with the shell reply.
	OnReply(handler MessageHandler)

	// OnIOPub sets the callback invoked with each iopub message that the
	// hook stack did not suppress.
	OnIOPub(handler MessageHandler)

	// OnStdin sets the callback invoked with stdin-channel messages.
	OnStdin(handler MessageHandler)

	// OnDone sets the callback invoked exactly once when the exchange
	// completes. If the future is already done, handler fires immediately.
	OnDone(handler func())

	// RegisterIOPubHook pushes a hook onto the stack. The most recently
	// registered hook runs first. The returned func removes the hook; a
	// removal during iteration takes effect immediately, while a hook added
	// during iteration is deferred to the next message.
	RegisterIOPubHook(hook IOPubHook) func()

	// Await blocks until the exchange completes, the future is disposed, or
	// ctx expires. On completion it returns the shell reply (nil when the
	// future was created with expectReply=false).
	Await(ctx context.Context) (*messaging.Message, error)

	// IsDone reports whether the exchange has completed.
	IsDone() bool

	// IsDisposed reports whether Dispose has run.
	IsDisposed() bool

	// Dispose clears all callbacks and hooks and removes the future from
	// its session. Idempotent. A disposed future never fires its done
	// callback.
	Dispose()
}

type hookEntry struct {
	hook    IOPubHook
	removed bool
}

// basicFuture is the Future implementation owned by a kernelConnection.
type basicFuture struct {
	msg   *messaging.Message
	reply *messaging.Message

	expectReply   bool
	disposeOnDone bool

	gotReply bool
	gotIdle  bool
	isDone   bool
	disposed bool

	onReply MessageHandler
	onIOPub MessageHandler
	onStdin MessageHandler
	onDone  func()

	hooks []*hookEntry

	// doneCh is closed when the exchange completes or the future is
	// disposed, releasing Await.
	doneCh chan struct{}

	// unregister removes the future from the owning session's map.
	// Supplied at construction; invoked once, from Dispose.
	unregister func()

	log logger.Logger
	mu  sync.Mutex
}

func newFuture(msg *messaging.Message, expectReply bool, disposeOnDone bool, unregister func()) *basicFuture {
	future := &basicFuture{
		msg:           msg,
		expectReply:   expectReply,
		disposeOnDone: disposeOnDone,
		gotReply:      !expectReply,
		doneCh:        make(chan struct{}),
		unregister:    unregister,
	}
	config.InitLogger(&future.log, fmt.Sprintf("Future[%s] ", msg.Header.MsgID))

	return future
}

func (f *basicFuture) Message() *messaging.Message {
	return f.msg
}

func (f *basicFuture) Reply() *messaging.Message {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.reply
}

func (f *basicFuture) OnReply(handler MessageHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.onReply = handler
}

func (f *basicFuture) OnIOPub(handler MessageHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.onIOPub = handler
}

func (f *basicFuture) OnStdin(handler MessageHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.onStdin = handler
}

func (f *basicFuture) OnDone(handler func()) {
	f.mu.Lock()
	if f.isDone && !f.disposed {
		f.mu.Unlock()
		f.invoke(func(*messaging.Message) { handler() }, nil)
		return
	}
	f.onDone = handler
	f.mu.Unlock()
}

func (f *basicFuture) RegisterIOPubHook(hook IOPubHook) func() {
	entry := &hookEntry{hook: hook}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.disposed {
		return func() {}
	}

	f.hooks = append(f.hooks, entry)

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		entry.removed = true
	}
}

func (f *basicFuture) IsDone() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.isDone
}

func (f *basicFuture) IsDisposed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.disposed
}

func (f *basicFuture) Await(ctx context.Context) (*messaging.Message, error) {
	select {
	case <-f.doneCh:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.isDone {
		// doneCh closed by Dispose before completion.
		return nil, jupyter.ErrAlreadyDisposed
	}

	return f.reply, nil
}

// handleMessage routes one inbound message with this future's parent msg_id.
// Always called from the owning session's dispatch goroutine.
func (f *basicFuture) handleMessage(msg *messaging.Message) {
	switch msg.Channel {
	case messaging.ShellChannel, messaging.ControlChannel:
		f.handleReply(msg)
	case messaging.StdinChannel:
		f.mu.Lock()
		handler := f.onStdin
		f.mu.Unlock()
		f.invoke(handler, msg)
	case messaging.IOPubChannel:
		f.handleIOPub(msg)
	}
}

func (f *basicFuture) handleReply(msg *messaging.Message) {
	f.mu.Lock()
	f.reply = msg
	f.gotReply = true
	handler := f.onReply
	done := f.gotIdle
	f.mu.Unlock()

	f.invoke(handler, msg)

	if done {
		f.transitionToDone()
	}
}

func (f *basicFuture) handleIOPub(msg *messaging.Message) {
	suppressed := f.runHooks(msg)

	if !suppressed {
		f.mu.Lock()
		handler := f.onIOPub
		f.mu.Unlock()
		f.invoke(handler, msg)
	}

	// The idle flag is set whether or not delivery was suppressed: hooks
	// filter user-visible output, not completion tracking.
	if msg.ExecutionState() == messaging.ExecutionStateIdle {
		f.mu.Lock()
		f.gotIdle = true
		done := f.gotReply
		f.mu.Unlock()

		if done {
			f.transitionToDone()
		}
	}
}

// runHooks executes the hook stack in LIFO order over a snapshot taken at
// entry. Hooks added during iteration therefore only see the next message;
// hooks removed during iteration are deactivated immediately via their
// removed flag. Returns true if some hook suppressed delivery.
func (f *basicFuture) runHooks(msg *messaging.Message) bool {
	f.mu.Lock()
	snapshot := make([]*hookEntry, len(f.hooks))
	copy(snapshot, f.hooks)
	f.mu.Unlock()

	for i := len(snapshot) - 1; i >= 0; i-- {
		entry := snapshot[i]

		f.mu.Lock()
		removed := entry.removed
		f.mu.Unlock()
		if removed {
			continue
		}

		proceed := f.callHook(entry.hook, msg)
		if !proceed {
			return true
		}
	}

	return false
}

// callHook invokes one hook, converting a panic into a logged error and a
// "continue with the next hook" result.
func (f *basicFuture) callHook(hook IOPubHook, msg *messaging.Message) (proceed bool) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Error("IOPub hook panicked on \"%s\" message: %v", msg.Header.MsgType, r)
			proceed = true
		}
	}()

	return hook(msg)
}

// transitionToDone fires the done callback exactly once, then disposes the
// future if it was created with disposeOnDone.
func (f *basicFuture) transitionToDone() {
	f.mu.Lock()
	if f.isDone || f.disposed {
		f.mu.Unlock()
		return
	}
	f.isDone = true
	handler := f.onDone
	f.onDone = nil
	close(f.doneCh)
	f.mu.Unlock()

	if handler != nil {
		f.invoke(func(*messaging.Message) { handler() }, nil)
	}

	if f.disposeOnDone {
		f.Dispose()
	}
}

func (f *basicFuture) Dispose() {
	f.mu.Lock()
	if f.disposed {
		f.mu.Unlock()
		return
	}
	f.disposed = true
	f.onReply = nil
	f.onIOPub = nil
	f.onStdin = nil
	f.onDone = nil
	f.hooks = nil
	if !f.isDone {
		close(f.doneCh)
	}
	unregister := f.unregister
	f.unregister = nil
	f.mu.Unlock()

	if unregister != nil {
		unregister()
	}
}

// invoke runs a user callback, converting a panic into a logged error.
func (f *basicFuture) invoke(handler MessageHandler, msg *messaging.Message) {
	if handler == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			f.log.Error("User callback panicked: %v", r)
		}
	}()

	handler(msg)
}
