package client

import (
	"fmt"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/scusemua/jupyter-kernel-client/messaging"
)

// CommHandler consumes a comm_msg or comm_close delivered to a Comm.
type CommHandler func(comm Comm, msg *messaging.Message)

// CommTargetHandler is invoked when the kernel opens a comm against a
// registered target. The comm is live once the handler returns nil; a
// non-nil error (or a panic) closes the comm.
type CommTargetHandler func(comm Comm, openMsg *messaging.Message) error

// Comm is a long-lived logical channel between the kernel and this client,
// multiplexed over the session's websocket and identified by its comm_id.
type Comm interface {
	// CommID returns the channel identifier.
	CommID() string

	// TargetName returns the name of the target this comm is bound to.
	TargetName() string

	// OnMsg sets the handler for inbound comm_msg messages.
	OnMsg(handler CommHandler)

	// OnClose sets the handler invoked once when the comm closes, from
	// either side.
	OnClose(handler CommHandler)

	// Open sends a comm_open for this comm. No-op (returning nil) once the
	// comm or its kernel connection is disposed.
	Open(data map[string]interface{}, metadata map[string]interface{}) Future

	// Send sends a comm_msg carrying data. No-op once disposed.
	Send(data map[string]interface{}, metadata map[string]interface{}, buffers [][]byte, disposeOnDone bool) Future

	// Close sends a comm_close to the kernel, delivers a locally synthesized
	// close to the OnClose handler, and disposes the comm. Idempotent.
	Close(data map[string]interface{}, metadata map[string]interface{}) Future

	// IsDisposed reports whether the comm has been disposed.
	IsDisposed() bool

	// Dispose clears the callbacks, drops the back-reference to the owning
	// connection, and unregisters the comm. Idempotent.
	Dispose()
}

// comm implements Comm. It holds a non-owning back-reference to its
// kernelConnection; the connection owns the comm map and disposes every
// registered comm when it is itself disposed.
type comm struct {
	commID     string
	targetName string

	// conn is nil once the comm is disposed.
	conn *kernelConnection

	onMsg   CommHandler
	onClose CommHandler

	// unregister removes the comm from the owning connection's map.
	unregister func()

	log logger.Logger
	mu  sync.Mutex
}

func newComm(conn *kernelConnection, commID string, targetName string, unregister func()) *comm {
	c := &comm{
		commID:     commID,
		targetName: targetName,
		conn:       conn,
		unregister: unregister,
	}
	config.InitLogger(&c.log, fmt.Sprintf("Comm[%s] ", commID))

	return c
}

func (c *comm) CommID() string {
	return c.commID
}

func (c *comm) TargetName() string {
	return c.targetName
}

func (c *comm) OnMsg(handler CommHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onMsg = handler
}

func (c *comm) OnClose(handler CommHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onClose = handler
}

func (c *comm) IsDisposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn == nil
}

func (c *comm) connection() *kernelConnection {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn
}

func (c *comm) Open(data map[string]interface{}, metadata map[string]interface{}) Future {
	conn := c.connection()
	if conn == nil || conn.IsDisposed() {
		return nil
	}

	content := map[string]interface{}{
		"comm_id":     c.commID,
		"target_name": c.targetName,
		"data":        orEmpty(data),
	}

	future, err := conn.sendCommMessage(messaging.CommOpen, content, metadata, nil, false)
	if err != nil {
		c.log.Error("Failed to send comm_open: %v", err)
		return nil
	}

	return future
}

func (c *comm) Send(data map[string]interface{}, metadata map[string]interface{}, buffers [][]byte, disposeOnDone bool) Future {
	conn := c.connection()
	if conn == nil || conn.IsDisposed() {
		return nil
	}

	content := map[string]interface{}{
		"comm_id": c.commID,
		"data":    orEmpty(data),
	}

	future, err := conn.sendCommMessage(messaging.CommMsg, content, metadata, buffers, disposeOnDone)
	if err != nil {
		c.log.Error("Failed to send comm_msg: %v", err)
		return nil
	}

	return future
}

func (c *comm) Close(data map[string]interface{}, metadata map[string]interface{}) Future {
	conn := c.connection()
	if conn == nil {
		return nil
	}

	content := map[string]interface{}{
		"comm_id": c.commID,
		"data":    orEmpty(data),
	}

	var future Future
	if !conn.IsDisposed() {
		sent, err := conn.sendCommMessage(messaging.CommClose, content, metadata, nil, false)
		if err != nil {
			c.log.Error("Failed to send comm_close: %v", err)
		} else {
			future = sent
		}
	}

	// Deliver a locally synthesized close so OnClose observes the same shape
	// a kernel-initiated close would have: msg_type comm_close on iopub.
	// The channel and type are set explicitly rather than inherited from the
	// outbound shell message.
	closeMsg := messaging.NewMessage(messaging.MessageOptions{
		MsgType:  messaging.CommClose,
		Channel:  messaging.IOPubChannel,
		Username: conn.Username(),
		Session:  conn.ClientID(),
	}, content, metadata, nil)

	c.deliverClose(closeMsg)
	c.Dispose()

	return future
}

// deliverMsg hands an inbound comm_msg to the user handler.
func (c *comm) deliverMsg(msg *messaging.Message) {
	c.mu.Lock()
	handler := c.onMsg
	c.mu.Unlock()

	c.invoke(handler, msg)
}

// deliverClose hands a close message to the user handler. The handler is
// cleared first so the close is delivered at most once.
func (c *comm) deliverClose(msg *messaging.Message) {
	c.mu.Lock()
	handler := c.onClose
	c.onClose = nil
	c.mu.Unlock()

	c.invoke(handler, msg)
}

func (c *comm) Dispose() {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.onMsg = nil
	c.onClose = nil
	unregister := c.unregister
	c.unregister = nil
	c.mu.Unlock()

	if unregister != nil {
		unregister()
	}
}

func (c *comm) invoke(handler CommHandler, msg *messaging.Message) {
	if handler == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Comm callback panicked: %v", r)
		}
	}()

	handler(c, msg)
}

func orEmpty(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return make(map[string]interface{})
	}
	return data
}
