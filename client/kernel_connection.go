package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/Scusemua/go-utils/promise"
	"github.com/elliotchance/orderedmap/v2"
	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"nhooyr.io/websocket"

	"github.com/scusemua/jupyter-kernel-client/api"
	"github.com/scusemua/jupyter-kernel-client/jupyter"
	"github.com/scusemua/jupyter-kernel-client/messaging"
)

// maxFrameSize bounds a single inbound websocket frame. Outputs larger than
// this indicate a misbehaving server.
const maxFrameSize = 64 * 1024 * 1024

// TargetResolver resolves a comm_open whose target_name is not in the local
// registry. Registry lookups always win; the resolver only runs on a miss.
// Returning a nil handler (or an error) causes the comm to be closed.
type TargetResolver func(targetName string, targetModule string, registry map[string]CommTargetHandler) (CommTargetHandler, error)

// executeDefaults is merged under caller-supplied execute_request content.
func executeDefaults() map[string]interface{} {
	return map[string]interface{}{
		"silent":           false,
		"store_history":    true,
		"user_expressions": map[string]interface{}{},
		"allow_stdin":      true,
		"stop_on_error":    false,
	}
}

// KernelConnection is one websocket attachment to a kernel: it owns the
// socket, the outstanding Futures, the live Comms, and the kernel status
// machine. Constructed via KernelManager (or Clone); destroyed by Shutdown
// or by the terminal dead status.
type KernelConnection interface {
	// ClientID is the session identifier of this attachment. Each
	// KernelConnection instance has its own.
	ClientID() string

	// KernelID is the server-assigned kernel identifier.
	KernelID() string

	// KernelName is the kernelspec name the kernel was started from.
	KernelName() string

	// Username is stamped into the header of every message this connection sends.
	Username() string

	// Status returns the current kernel status.
	Status() jupyter.KernelStatus

	// SendShellMessage submits a message on the shell channel and returns the
	// Future tracking the exchange. Fails with jupyter.ErrKernelDead once the
	// connection is dead. While the socket is not ready, the message is
	// queued and transmitted, FIFO, when readiness returns.
	SendShellMessage(msg *messaging.Message, expectReply bool, disposeOnDone bool) (Future, error)

	// KernelInfo requests (and caches) the kernel_info_reply content.
	KernelInfo(ctx context.Context) (map[string]interface{}, error)

	// Complete issues a complete_request and returns the reply content.
	Complete(ctx context.Context, content map[string]interface{}) (map[string]interface{}, error)

	// Inspect issues an inspect_request and returns the reply content.
	Inspect(ctx context.Context, content map[string]interface{}) (map[string]interface{}, error)

	// History issues a history_request and returns the reply content.
	History(ctx context.Context, content map[string]interface{}) (map[string]interface{}, error)

	// IsComplete issues an is_complete_request and returns the reply content.
	IsComplete(ctx context.Context, content map[string]interface{}) (map[string]interface{}, error)

	// CommInfo issues a comm_info_request and returns the reply content.
	CommInfo(ctx context.Context, content map[string]interface{}) (map[string]interface{}, error)

	// Execute submits an execute_request. Default content fields
	// (silent=false, store_history=true, user_expressions={},
	// allow_stdin=true, stop_on_error=false) are merged under the supplied
	// content.
	Execute(content map[string]interface{}, disposeOnDone bool) (Future, error)

	// SendInputReply answers an input_request on the stdin channel.
	SendInputReply(content map[string]interface{}) error

	// RegisterCommTarget registers a handler for kernel-initiated comms
	// against the named target, returning a deregistration func.
	RegisterCommTarget(targetName string, handler CommTargetHandler) func()

	// RegisterMessageHook attaches an IOPub hook to the Future tracking the
	// given parent msg_id. Silently a no-op if no such Future exists.
	RegisterMessageHook(parentMsgID string, hook IOPubHook) func()

	// ConnectToComm returns a client-initiated Comm for the target,
	// creating one (with a generated comm_id unless one is supplied) if no
	// comm with that id is known. The comm is not opened until Comm.Open.
	ConnectToComm(targetName string, commID ...string) Comm

	// GetKernelSpec fetches (and caches) the kernelspec this kernel was
	// started from.
	GetKernelSpec(ctx context.Context) (*api.KernelSpec, error)

	// Interrupt asks the server to interrupt the kernel.
	Interrupt(ctx context.Context) error

	// Restart disposes all outstanding Futures and Comms, clears the pending
	// queue, transitions to the restarting status, and issues the restart
	// REST call. Status returns to idle via a subsequent iopub status.
	Restart(ctx context.Context) error

	// Shutdown deletes the kernel on the server and disposes the connection.
	Shutdown(ctx context.Context) error

	// Reconnect closes the current socket, if any, and opens a fresh one.
	// It returns once the new socket has completed the kernel_info handshake.
	Reconnect(ctx context.Context) error

	// Clone creates a new connection to the same kernel (same kernel id and
	// name) with a fresh clientId.
	Clone(ctx context.Context) (KernelConnection, error)

	// OnStatusChanged registers a handler fired on every actual status
	// change, returning a disconnect func.
	OnStatusChanged(handler func(jupyter.KernelStatus)) func()

	// OnIOPubMessage registers a handler fired for every inbound iopub
	// message, returning a disconnect func.
	OnIOPubMessage(handler func(*messaging.Message)) func()

	// OnUnhandledMessage registers a handler for orphaned replies: non-iopub
	// messages whose parent session is ours but whose parent msg_id has no
	// live Future. Returns a disconnect func.
	OnUnhandledMessage(handler func(*messaging.Message)) func()

	// IsDisposed reports whether the connection has been disposed.
	IsDisposed() bool

	// Dispose tears the connection down: terminal dead status, socket
	// closed, all Futures and Comms disposed, registries dropped, event
	// subscribers cleared, registry entry removed. Idempotent.
	Dispose()
}

// ConnectionOptions tunes a kernel connection beyond the server settings.
type ConnectionOptions struct {
	// ReconnectLimit is the number of automatic reconnect attempts before
	// the kernel is declared dead. Zero means jupyter.DefaultReconnectLimit.
	ReconnectLimit int `name:"reconnect-limit" description:"Websocket reconnect attempts before the kernel is declared dead."`

	// Codec overrides the wire codec. Nil means the JSON codec.
	Codec messaging.Codec

	// Resolver, when non-nil, resolves comm targets missing from the local
	// registry.
	Resolver TargetResolver
}

type kernelConnection struct {
	clientID   string
	kernelID   string
	kernelName string

	server *jupyter.ServerConnection
	rest   *api.Client
	codec  messaging.Codec
	opts   ConnectionOptions

	// ws and generation are guarded by mu. generation increments on every
	// dial so a read loop on a stale socket cannot disturb its successor.
	ws         *websocket.Conn
	generation uint64
	ready      bool

	// pending is the FIFO outbound queue for messages submitted while the
	// socket is not ready. The head stays in place until its transmit
	// returns, so a send error never loses the message.
	pending    *orderedmap.OrderedMap[uint64, *messaging.Message]
	pendingSeq uint64

	futures cmap.ConcurrentMap[string, *basicFuture]
	comms   cmap.ConcurrentMap[string, *comm]

	targets   map[string]CommTargetHandler
	targetsMu sync.Mutex

	status           jupyter.KernelStatus
	reconnectAttempt int
	reconnectLimit   int

	// connected resolves when the kernel_info_reply for the probe sent on
	// the current socket arrives. Replaced on every dial.
	connected *promise.ChannelPromise

	specCache *api.KernelSpec
	infoCache map[string]interface{}

	statusChanged    *Signal[jupyter.KernelStatus]
	iopubMessage     *Signal[*messaging.Message]
	unhandledMessage *Signal[*messaging.Message]

	disposed bool

	log logger.Logger
	mu  sync.Mutex
}

// newKernelConnection constructs an unconnected session object and inserts
// it into the process-wide registry.
func newKernelConnection(server *jupyter.ServerConnection, rest *api.Client, kernelID string, kernelName string, opts ConnectionOptions) *kernelConnection {
	if opts.ReconnectLimit <= 0 {
		opts.ReconnectLimit = jupyter.DefaultReconnectLimit
	}
	if opts.Codec == nil {
		opts.Codec = messaging.NewJSONCodec()
	}
	if rest == nil {
		rest = api.NewClient(server)
	}

	conn := &kernelConnection{
		clientID:         uuid.NewString(),
		kernelID:         kernelID,
		kernelName:       kernelName,
		server:           server,
		rest:             rest,
		codec:            opts.Codec,
		opts:             opts,
		pending:          orderedmap.NewOrderedMap[uint64, *messaging.Message](),
		futures:          cmap.New[*basicFuture](),
		comms:            cmap.New[*comm](),
		targets:          make(map[string]CommTargetHandler),
		status:           jupyter.KernelStatusUnknown,
		reconnectLimit:   opts.ReconnectLimit,
		statusChanged:    NewSignal[jupyter.KernelStatus](),
		iopubMessage:     NewSignal[*messaging.Message](),
		unhandledMessage: NewSignal[*messaging.Message](),
	}
	config.InitLogger(&conn.log, fmt.Sprintf("Kernel[%s:%s] ", kernelID, conn.clientID[:8]))

	registerConnection(conn)

	return conn
}

func (c *kernelConnection) ClientID() string {
	return c.clientID
}

func (c *kernelConnection) KernelID() string {
	return c.kernelID
}

func (c *kernelConnection) KernelName() string {
	return c.kernelName
}

func (c *kernelConnection) Username() string {
	return c.server.Username
}

func (c *kernelConnection) Status() jupyter.KernelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.status
}

func (c *kernelConnection) IsDisposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.disposed
}

func (c *kernelConnection) OnStatusChanged(handler func(jupyter.KernelStatus)) func() {
	return c.statusChanged.Connect(handler)
}

func (c *kernelConnection) OnIOPubMessage(handler func(*messaging.Message)) func() {
	return c.iopubMessage.Connect(handler)
}

func (c *kernelConnection) OnUnhandledMessage(handler func(*messaging.Message)) func() {
	return c.unhandledMessage.Connect(handler)
}

// channelURL builds the websocket endpoint for this attachment. Both the
// kernel id and the client id are percent-encoded.
func (c *kernelConnection) channelURL() string {
	base := c.server.WebsocketURL()
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}

	endpoint := fmt.Sprintf("%sapi/kernels/%s/channels?session_id=%s",
		base, url.PathEscape(c.kernelID), url.QueryEscape(c.clientID))
	if c.server.Token != "" {
		endpoint += "&token=" + url.QueryEscape(c.server.Token)
	}

	return endpoint
}

// connect dials a fresh socket, starts its read loop, and sends the
// kernel_info probe that flushes any state the server buffered for us.
// The channel is momentarily ready so the probe goes straight out, then
// non-ready until the first iopub status message arrives.
func (c *kernelConnection) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return jupyter.ErrKernelDead
	}
	c.connected = promise.NewChannelPromise()
	endpoint := c.channelURL()
	c.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{})
	if err != nil {
		return err
	}
	conn.SetReadLimit(maxFrameSize)

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		_ = conn.CloseNow()
		return jupyter.ErrKernelDead
	}
	c.generation++
	generation := c.generation
	c.ws = conn
	c.ready = true
	c.mu.Unlock()

	c.log.Debug("Websocket opened (generation %d).", generation)

	go c.serve(generation, conn)

	if err = c.sendKernelInfoProbe(); err != nil {
		c.log.Error("Failed to send kernel_info probe: %v", err)
	}

	c.mu.Lock()
	if c.generation == generation {
		c.ready = false
	}
	c.mu.Unlock()

	return nil
}

// sendKernelInfoProbe issues the handshake kernel_info_request. Its reply
// resolves the connection promise, refreshes the info cache, and resets the
// reconnect attempt counter.
func (c *kernelConnection) sendKernelInfoProbe() error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()

	msg := c.newMessage(messaging.KernelInfoRequest, messaging.ShellChannel, nil)

	future, err := c.SendShellMessage(msg, true, true)
	if err != nil {
		_, _ = connected.Resolve(nil, err)
		return err
	}

	go func() {
		reply, awaitErr := future.Await(context.Background())
		if awaitErr != nil {
			_, _ = connected.Resolve(nil, awaitErr)
			return
		}

		c.mu.Lock()
		c.infoCache = reply.Content
		c.reconnectAttempt = 0
		c.mu.Unlock()

		_, _ = connected.Resolve(reply.Content, nil)
	}()

	return nil
}

// waitReady blocks until the current socket's kernel_info handshake has
// completed.
func (c *kernelConnection) waitReady(ctx context.Context) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()

	if connected == nil {
		return jupyter.ErrNotConnected
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := connected.Timeout(time.Until(deadline)); err != nil {
			return err
		}
	}

	return connected.Error()
}

// serve is the read loop for one socket generation. All inbound dispatch
// for the connection happens on this goroutine, which is what serializes
// future callbacks, comm delivery, and status transitions.
func (c *kernelConnection) serve(generation uint64, conn *websocket.Conn) {
	for {
		_, frame, err := conn.Read(context.Background())
		if err != nil {
			c.handleDisconnect(generation, err)
			return
		}

		c.dispatch(frame)
	}
}

// dispatch decodes, validates, and routes one inbound frame.
func (c *kernelConnection) dispatch(frame []byte) {
	msg, err := c.codec.Decode(frame)
	if err != nil {
		c.log.Error("Dropping undecodable frame (%d bytes): %v", len(frame), err)
		return
	}

	if err = msg.Validate(); err != nil {
		c.log.Error("Dropping invalid inbound message: %v", err)
		return
	}

	routed := false
	if parentID := msg.ParentHeader.MsgID; parentID != "" {
		if future, ok := c.futures.Get(parentID); ok {
			// Route to the Future regardless of channel.
			future.handleMessage(msg)
			routed = true
		}
	}

	if !routed && msg.Channel != messaging.IOPubChannel && msg.ParentHeader.Session == c.clientID {
		// An orphaned reply to one of our own sends: either the Future was
		// disposed, or the server replied to something we never tracked.
		c.log.Warn("Unhandled \"%s\" message for parent \"%s\".", msg.Header.MsgType, msg.ParentHeader.MsgID)
		c.unhandledMessage.Emit(msg)
	}

	if msg.Channel == messaging.IOPubChannel {
		switch msg.Header.MsgType {
		case messaging.StatusMessage:
			c.applyExecutionState(msg.ExecutionState())
		case messaging.CommOpen:
			c.handleCommOpen(msg)
		case messaging.CommMsg:
			c.handleCommMsg(msg)
		case messaging.CommClose:
			c.handleCommClose(msg)
		}

		c.iopubMessage.Emit(msg)
	}
}

// applyExecutionState maps an iopub execution_state onto the status machine.
// Unknown values are logged and ignored.
func (c *kernelConnection) applyExecutionState(state string) {
	status := jupyter.KernelStatus(state)
	if !status.IsValid() {
		c.log.Warn("Ignoring unrecognized execution_state \"%s\".", state)
		return
	}

	c.setStatus(status)
}

// setStatus applies one status transition. The dead status is terminal;
// statusChanged only fires on an actual change; entering a ready status
// drains the pending queue; entering dead disposes the connection.
func (c *kernelConnection) setStatus(next jupyter.KernelStatus) {
	c.mu.Lock()
	if c.status == next || c.status.IsFinal() {
		c.mu.Unlock()
		return
	}
	c.status = next
	c.ready = next.Ready() && c.ws != nil
	drain := c.ready
	c.mu.Unlock()

	c.log.Debug("Kernel status is now \"%s\".", next)

	if drain {
		c.drainPending()
	}

	c.statusChanged.Emit(next)

	if next.IsFinal() {
		c.Dispose()
	}
}

// handleDisconnect reacts to the read loop of the given socket generation
// terminating. Stale generations are ignored, as is anything after the
// connection has died.
func (c *kernelConnection) handleDisconnect(generation uint64, cause error) {
	c.mu.Lock()
	if c.disposed || c.status.IsFinal() || generation != c.generation {
		c.mu.Unlock()
		return
	}
	if c.ws != nil {
		_ = c.ws.CloseNow()
		c.ws = nil
	}
	c.ready = false
	c.mu.Unlock()

	c.log.Warn("Websocket connection lost: %v", cause)
	c.scheduleReconnect()
}

// scheduleReconnect transitions to the reconnecting status and schedules the
// next dial after 2^attempt seconds, or declares the kernel dead once the
// attempt limit is exhausted.
func (c *kernelConnection) scheduleReconnect() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}

	if c.reconnectAttempt >= c.reconnectLimit {
		c.mu.Unlock()
		c.log.Error("Giving up on reconnecting after %d attempts. Kernel \"%s\" is dead.", c.reconnectLimit, c.kernelID)
		c.setStatus(jupyter.KernelStatusDead)
		return
	}

	attempt := c.reconnectAttempt
	c.reconnectAttempt++
	c.mu.Unlock()

	c.setStatus(jupyter.KernelStatusReconnecting)

	delay := time.Duration(1<<uint(attempt)) * time.Second
	c.log.Warn("Reconnecting to kernel \"%s\" in %v (attempt %d of %d).", c.kernelID, delay, attempt+1, c.reconnectLimit)

	time.AfterFunc(delay, func() {
		if c.IsDisposed() {
			return
		}

		if err := c.connect(context.Background()); err != nil {
			c.log.Error("Reconnect attempt failed: %v", err)
			c.scheduleReconnect()
		}
	})
}

// Reconnect manually cycles the socket, returning once the kernel_info
// handshake on the fresh socket completes.
func (c *kernelConnection) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return jupyter.ErrKernelDead
	}
	if c.ws != nil {
		_ = c.ws.CloseNow()
		c.ws = nil
	}
	c.ready = false
	// Bump the generation so the old read loop's exit is ignored.
	c.generation++
	c.mu.Unlock()

	c.setStatus(jupyter.KernelStatusReconnecting)

	if err := c.connect(ctx); err != nil {
		return err
	}

	return c.waitReady(ctx)
}

// newMessage builds an outbound message stamped with this attachment's
// session and username.
func (c *kernelConnection) newMessage(msgType messaging.MessageType, channel messaging.Channel, content map[string]interface{}) *messaging.Message {
	return messaging.NewMessage(messaging.MessageOptions{
		MsgType:  msgType,
		Channel:  channel,
		Username: c.server.Username,
		Session:  c.clientID,
	}, content, nil, nil)
}

func (c *kernelConnection) SendShellMessage(msg *messaging.Message, expectReply bool, disposeOnDone bool) (Future, error) {
	c.mu.Lock()
	if c.status.IsFinal() || c.disposed {
		c.mu.Unlock()
		return nil, jupyter.ErrKernelDead
	}
	c.mu.Unlock()

	msgID := msg.Header.MsgID
	future := newFuture(msg, expectReply, disposeOnDone, func() {
		c.futures.Remove(msgID)
	})
	c.futures.Set(msgID, future)

	if err := c.sendMessage(msg); err != nil {
		future.Dispose()
		return nil, err
	}

	return future, nil
}

// sendMessage transmits msg immediately when the socket is ready, and
// queues it otherwise. Queued messages drain FIFO on the next readiness
// transition.
func (c *kernelConnection) sendMessage(msg *messaging.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status.IsFinal() || c.disposed {
		return jupyter.ErrKernelDead
	}

	if !c.ready || c.ws == nil {
		c.pending.Set(c.pendingSeq, msg)
		c.pendingSeq++
		c.log.Debug("Queued \"%s\" message \"%s\" (%d pending).", msg.Header.MsgType, msg.Header.MsgID, c.pending.Len())
		return nil
	}

	return c.transmitLocked(msg)
}

// transmitLocked serializes and writes one message. Caller holds mu.
func (c *kernelConnection) transmitLocked(msg *messaging.Message) error {
	frame, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}

	return c.ws.Write(context.Background(), websocket.MessageBinary, frame)
}

// drainPending flushes the outbound queue in FIFO order. The head entry is
// removed only after its transmit returns, so a failed write leaves it in
// place for the next drain.
func (c *kernelConnection) drainPending() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		element := c.pending.Front()
		if element == nil || !c.ready || c.ws == nil {
			return
		}

		if err := c.transmitLocked(element.Value); err != nil {
			c.log.Error("Failed to drain queued \"%s\" message: %v", element.Value.Header.MsgType, err)
			return
		}

		c.pending.Delete(element.Key)
	}
}

// requestReply submits a shell request and blocks for its reply content.
func (c *kernelConnection) requestReply(ctx context.Context, msgType messaging.MessageType, content map[string]interface{}) (map[string]interface{}, error) {
	msg := c.newMessage(msgType, messaging.ShellChannel, content)

	future, err := c.SendShellMessage(msg, true, true)
	if err != nil {
		return nil, err
	}

	reply, err := future.Await(ctx)
	if err != nil {
		return nil, err
	}

	return reply.Content, nil
}

func (c *kernelConnection) KernelInfo(ctx context.Context) (map[string]interface{}, error) {
	c.mu.Lock()
	cached := c.infoCache
	c.mu.Unlock()

	if cached != nil {
		return cached, nil
	}

	info, err := c.requestReply(ctx, messaging.KernelInfoRequest, nil)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.infoCache = info
	c.mu.Unlock()

	return info, nil
}

func (c *kernelConnection) Complete(ctx context.Context, content map[string]interface{}) (map[string]interface{}, error) {
	return c.requestReply(ctx, messaging.CompleteRequest, content)
}

func (c *kernelConnection) Inspect(ctx context.Context, content map[string]interface{}) (map[string]interface{}, error) {
	return c.requestReply(ctx, messaging.InspectRequest, content)
}

func (c *kernelConnection) History(ctx context.Context, content map[string]interface{}) (map[string]interface{}, error) {
	return c.requestReply(ctx, messaging.HistoryRequest, content)
}

func (c *kernelConnection) IsComplete(ctx context.Context, content map[string]interface{}) (map[string]interface{}, error) {
	return c.requestReply(ctx, messaging.IsCompleteRequest, content)
}

func (c *kernelConnection) CommInfo(ctx context.Context, content map[string]interface{}) (map[string]interface{}, error) {
	return c.requestReply(ctx, messaging.CommInfoRequest, content)
}

func (c *kernelConnection) Execute(content map[string]interface{}, disposeOnDone bool) (Future, error) {
	merged := executeDefaults()
	for key, value := range content {
		merged[key] = value
	}

	msg := c.newMessage(messaging.ExecuteRequest, messaging.ShellChannel, merged)

	return c.SendShellMessage(msg, true, disposeOnDone)
}

func (c *kernelConnection) SendInputReply(content map[string]interface{}) error {
	c.mu.Lock()
	if c.status.IsFinal() || c.disposed {
		c.mu.Unlock()
		return jupyter.ErrKernelDead
	}
	c.mu.Unlock()

	msg := c.newMessage(messaging.InputReply, messaging.StdinChannel, content)

	return c.sendMessage(msg)
}

// sendCommMessage builds and submits one comm_* message on behalf of a Comm.
func (c *kernelConnection) sendCommMessage(msgType messaging.MessageType, content map[string]interface{}, metadata map[string]interface{}, buffers [][]byte, disposeOnDone bool) (Future, error) {
	msg := messaging.NewMessage(messaging.MessageOptions{
		MsgType:  msgType,
		Channel:  messaging.ShellChannel,
		Username: c.server.Username,
		Session:  c.clientID,
	}, content, metadata, buffers)

	return c.SendShellMessage(msg, false, disposeOnDone)
}

func (c *kernelConnection) RegisterCommTarget(targetName string, handler CommTargetHandler) func() {
	c.targetsMu.Lock()
	c.targets[targetName] = handler
	c.targetsMu.Unlock()

	return func() {
		c.targetsMu.Lock()
		defer c.targetsMu.Unlock()
		delete(c.targets, targetName)
	}
}

func (c *kernelConnection) RegisterMessageHook(parentMsgID string, hook IOPubHook) func() {
	future, ok := c.futures.Get(parentMsgID)
	if !ok {
		// No such Future: silently ignored.
		return func() {}
	}

	return future.RegisterIOPubHook(hook)
}

func (c *kernelConnection) ConnectToComm(targetName string, commID ...string) Comm {
	id := ""
	if len(commID) > 0 {
		id = commID[0]
	}
	if id == "" {
		id = uuid.NewString()
	}

	if existing, ok := c.comms.Get(id); ok {
		return existing
	}

	created := newComm(c, id, targetName, func() {
		c.comms.Remove(id)
	})
	c.comms.Set(id, created)

	return created
}

// resolveCommTarget finds the handler for a kernel-initiated comm_open.
// The local registry wins; the pluggable resolver only runs on a miss.
func (c *kernelConnection) resolveCommTarget(targetName string, targetModule string) (CommTargetHandler, error) {
	c.targetsMu.Lock()
	handler, ok := c.targets[targetName]
	var snapshot map[string]CommTargetHandler
	if !ok && c.opts.Resolver != nil {
		snapshot = make(map[string]CommTargetHandler, len(c.targets))
		for name, h := range c.targets {
			snapshot[name] = h
		}
	}
	c.targetsMu.Unlock()

	if ok {
		return handler, nil
	}

	if c.opts.Resolver == nil {
		return nil, nil
	}

	return c.opts.Resolver(targetName, targetModule, snapshot)
}

// handleCommOpen services a kernel-initiated comm_open. Because all inbound
// dispatch is serialized on the read-loop goroutine, the open completes
// before any comm_msg or comm_close for the same comm_id is examined; the
// source's in-flight open promise chaining collapses into this ordering.
func (c *kernelConnection) handleCommOpen(msg *messaging.Message) {
	commID, _ := msg.Content["comm_id"].(string)
	targetName, _ := msg.Content["target_name"].(string)
	targetModule, _ := msg.Content["target_module"].(string)

	if commID == "" || targetName == "" {
		c.log.Error("Dropping malformed comm_open (comm_id=%q, target_name=%q).", commID, targetName)
		return
	}

	handler, err := c.resolveCommTarget(targetName, targetModule)
	if err != nil || handler == nil {
		c.log.Warn("No handler for comm target \"%s\"; closing comm \"%s\". (resolver error: %v)", targetName, commID, err)
		c.closeRemoteComm(commID)
		return
	}

	opened := newComm(c, commID, targetName, func() {
		c.comms.Remove(commID)
	})

	if err = c.invokeCommTarget(handler, opened, msg); err != nil {
		c.log.Error("Comm target \"%s\" failed for comm \"%s\": %v", targetName, commID, err)
		c.closeRemoteComm(commID)
		opened.Dispose()
		return
	}

	c.comms.Set(commID, opened)
}

// invokeCommTarget runs a target handler, converting a panic into an error.
func (c *kernelConnection) invokeCommTarget(handler CommTargetHandler, opened Comm, msg *messaging.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("comm target handler panicked: %v", r)
		}
	}()

	return handler(opened, msg)
}

// closeRemoteComm tells the kernel that a comm it opened has no client-side
// counterpart.
func (c *kernelConnection) closeRemoteComm(commID string) {
	content := map[string]interface{}{
		"comm_id": commID,
		"data":    map[string]interface{}{},
	}

	if _, err := c.sendCommMessage(messaging.CommClose, content, nil, nil, true); err != nil {
		c.log.Error("Failed to close unknown comm \"%s\": %v", commID, err)
	}
}

func (c *kernelConnection) handleCommMsg(msg *messaging.Message) {
	commID, _ := msg.Content["comm_id"].(string)

	target, ok := c.comms.Get(commID)
	if !ok {
		c.log.Warn("%v: dropping comm_msg for \"%s\".", jupyter.ErrCommUnknown, commID)
		return
	}

	target.deliverMsg(msg)
}

func (c *kernelConnection) handleCommClose(msg *messaging.Message) {
	commID, _ := msg.Content["comm_id"].(string)

	target, ok := c.comms.Pop(commID)
	if !ok {
		c.log.Warn("%v: dropping comm_close for \"%s\".", jupyter.ErrCommUnknown, commID)
		return
	}

	target.deliverClose(msg)
	target.Dispose()
}

func (c *kernelConnection) GetKernelSpec(ctx context.Context) (*api.KernelSpec, error) {
	c.mu.Lock()
	cached := c.specCache
	c.mu.Unlock()

	if cached != nil {
		return cached, nil
	}

	spec, err := c.rest.GetKernelSpec(ctx, c.kernelName)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.specCache = spec
	c.mu.Unlock()

	return spec, nil
}

func (c *kernelConnection) Interrupt(ctx context.Context) error {
	if c.IsDisposed() || c.Status().IsFinal() {
		return jupyter.ErrKernelDead
	}

	return c.rest.InterruptKernel(ctx, c.kernelID)
}

// clearState disposes every outstanding Future and live Comm and empties
// the pending queue. Used by Restart and Shutdown so no inbound dispatch
// can route to pre-restart state.
func (c *kernelConnection) clearState() {
	c.mu.Lock()
	c.pending = orderedmap.NewOrderedMap[uint64, *messaging.Message]()
	c.pendingSeq = 0
	c.mu.Unlock()

	for item := range c.futures.IterBuffered() {
		item.Val.Dispose()
	}
	c.futures.Clear()

	for item := range c.comms.IterBuffered() {
		item.Val.Dispose()
	}
	c.comms.Clear()
}

func (c *kernelConnection) Restart(ctx context.Context) error {
	if c.IsDisposed() || c.Status().IsFinal() {
		return jupyter.ErrKernelDead
	}

	c.clearState()
	c.setStatus(jupyter.KernelStatusRestarting)

	if _, err := c.rest.RestartKernel(ctx, c.kernelID); err != nil {
		return err
	}

	// Status returns to idle via a subsequent iopub status message.
	return nil
}

func (c *kernelConnection) Shutdown(ctx context.Context) error {
	if c.IsDisposed() || c.Status().IsFinal() {
		return jupyter.ErrKernelDead
	}

	c.clearState()

	if err := c.rest.ShutdownKernel(ctx, c.kernelID); err != nil {
		return err
	}

	c.Dispose()
	return nil
}

func (c *kernelConnection) Clone(ctx context.Context) (KernelConnection, error) {
	if c.IsDisposed() {
		return nil, jupyter.ErrKernelDead
	}

	clone := newKernelConnection(c.server, c.rest, c.kernelID, c.kernelName, c.opts)

	if err := clone.connect(ctx); err != nil {
		clone.Dispose()
		return nil, err
	}

	if err := clone.waitReady(ctx); err != nil {
		clone.Dispose()
		return nil, err
	}

	return clone, nil
}

func (c *kernelConnection) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true

	statusChanged := c.status != jupyter.KernelStatusDead
	c.status = jupyter.KernelStatusDead
	c.ready = false

	ws := c.ws
	c.ws = nil
	c.generation++

	connected := c.connected
	c.pending = orderedmap.NewOrderedMap[uint64, *messaging.Message]()
	c.mu.Unlock()

	c.log.Debug("Disposing kernel connection.")

	if ws != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "disposed")
	}

	for item := range c.futures.IterBuffered() {
		item.Val.Dispose()
	}
	c.futures.Clear()

	for item := range c.comms.IterBuffered() {
		item.Val.Dispose()
	}
	c.comms.Clear()

	c.targetsMu.Lock()
	c.targets = make(map[string]CommTargetHandler)
	c.targetsMu.Unlock()

	if statusChanged {
		c.statusChanged.Emit(jupyter.KernelStatusDead)
	}

	c.statusChanged.DisconnectAll()
	c.iopubMessage.DisconnectAll()
	c.unhandledMessage.DisconnectAll()

	if connected != nil && !connected.IsResolved() {
		_, _ = connected.Resolve(nil, jupyter.ErrConnectionClosed)
	}

	unregisterConnection(c)
}
