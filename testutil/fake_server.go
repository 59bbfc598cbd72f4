// Package testutil provides an in-process fake notebook server used by the
// test suites: the kernel REST API over gin plus a scripted websocket
// kernel behind the channels endpoint.
package testutil

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/scusemua/jupyter-kernel-client/messaging"
)

// FakeServer is an in-memory notebook server. Kernels are rows in a table;
// the websocket kernel answers kernel_info and execute requests with the
// canonical status/stream/reply choreography and echoes comm traffic.
type FakeServer struct {
	engine *gin.Engine
	server *httptest.Server
	codec  messaging.Codec

	kernels  map[string]string // kernel id -> spec name
	sessions map[string]*fakeSession

	// specsPayload is served verbatim from api/kernelspecs so tests can
	// exercise the client's validation and fallback policies.
	specsPayload interface{}

	// refuseWebsocket, when true, rejects channel upgrades. Used to drive
	// reconnect-exhaustion scenarios.
	refuseWebsocket bool

	log logger.Logger
	mu  sync.Mutex
}

// fakeSession is one accepted websocket, keyed by the session_id query
// argument of the dial.
type fakeSession struct {
	sessionID string
	kernelID  string
	ws        *websocket.Conn

	// received records every message the client sent on this socket.
	received []*messaging.Message

	writeMu sync.Mutex
}

// NewFakeServer starts the fake on an ephemeral port.
func NewFakeServer() *FakeServer {
	gin.SetMode(gin.TestMode)

	fake := &FakeServer{
		engine:   gin.New(),
		codec:    messaging.NewJSONCodec(),
		kernels:  make(map[string]string),
		sessions: make(map[string]*fakeSession),
	}
	config.InitLogger(&fake.log, "FakeServer ")

	fake.specsPayload = DefaultSpecsPayload()
	fake.routes()
	fake.server = httptest.NewServer(fake.engine)

	return fake
}

// DefaultSpecsPayload is the kernelspecs body served unless a test installs
// its own via SetSpecsPayload.
func DefaultSpecsPayload() map[string]interface{} {
	return map[string]interface{}{
		"default": "python3",
		"kernelspecs": map[string]interface{}{
			"python3": map[string]interface{}{
				"name": "python3",
				"spec": map[string]interface{}{
					"argv":         []string{"python3", "-m", "ipykernel", "-f", "{connection_file}"},
					"display_name": "Python 3",
					"language":     "python",
				},
				"resources": map[string]string{},
			},
		},
	}
}

// URL returns the HTTP base of the fake, with a trailing slash.
func (f *FakeServer) URL() string {
	return f.server.URL + "/"
}

// Close shuts the fake down, dropping all websockets.
func (f *FakeServer) Close() {
	f.DropConnections()
	f.server.Close()
}

// SetSpecsPayload replaces the body served from api/kernelspecs.
func (f *FakeServer) SetSpecsPayload(payload interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specsPayload = payload
}

// RefuseWebsockets toggles rejection of channel upgrades.
func (f *FakeServer) RefuseWebsockets(refuse bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refuseWebsocket = refuse
}

// KernelCount returns the number of live kernels.
func (f *FakeServer) KernelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.kernels)
}

// Received returns a snapshot of the messages the client sent on the given
// session's websocket.
func (f *FakeServer) Received(sessionID string) []*messaging.Message {
	f.mu.Lock()
	defer f.mu.Unlock()

	session, ok := f.sessions[sessionID]
	if !ok {
		return nil
	}

	snapshot := make([]*messaging.Message, len(session.received))
	copy(snapshot, session.received)
	return snapshot
}

// DropConnections closes every live websocket without touching the kernel
// table, simulating a network failure.
func (f *FakeServer) DropConnections() {
	f.mu.Lock()
	sessions := make([]*fakeSession, 0, len(f.sessions))
	for _, session := range f.sessions {
		sessions = append(sessions, session)
	}
	f.sessions = make(map[string]*fakeSession)
	f.mu.Unlock()

	for _, session := range sessions {
		_ = session.ws.CloseNow()
	}
}

func (f *FakeServer) routes() {
	f.engine.GET("api/kernelspecs", func(c *gin.Context) {
		f.mu.Lock()
		payload := f.specsPayload
		f.mu.Unlock()
		c.JSON(http.StatusOK, payload)
	})

	f.engine.GET("api/kernelspecs/:name", func(c *gin.Context) {
		name := c.Param("name")
		c.JSON(http.StatusOK, map[string]interface{}{
			"name": name,
			"spec": map[string]interface{}{
				"argv":         []string{name},
				"display_name": name,
				"language":     "python",
			},
		})
	})

	f.engine.GET("api/kernels", func(c *gin.Context) {
		f.mu.Lock()
		models := make([]map[string]string, 0, len(f.kernels))
		for id, name := range f.kernels {
			models = append(models, map[string]string{"id": id, "name": name})
		}
		f.mu.Unlock()
		c.JSON(http.StatusOK, models)
	})

	f.engine.POST("api/kernels", func(c *gin.Context) {
		var body struct {
			Name string `json:"name"`
		}
		_ = c.ShouldBindJSON(&body)
		if body.Name == "" {
			body.Name = "python3"
		}

		id := uuid.NewString()
		f.mu.Lock()
		f.kernels[id] = body.Name
		f.mu.Unlock()

		c.JSON(http.StatusCreated, map[string]string{"id": id, "name": body.Name})
	})

	f.engine.GET("api/kernels/:id", func(c *gin.Context) {
		id := c.Param("id")
		f.mu.Lock()
		name, ok := f.kernels[id]
		f.mu.Unlock()

		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"message": "kernel not found"})
			return
		}

		c.JSON(http.StatusOK, map[string]string{"id": id, "name": name})
	})

	f.engine.POST("api/kernels/:id/interrupt", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	f.engine.POST("api/kernels/:id/restart", func(c *gin.Context) {
		id := c.Param("id")
		f.mu.Lock()
		name, ok := f.kernels[id]
		f.mu.Unlock()

		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"message": "kernel not found"})
			return
		}

		c.JSON(http.StatusOK, map[string]string{"id": id, "name": name})
	})

	f.engine.DELETE("api/kernels/:id", func(c *gin.Context) {
		id := c.Param("id")
		f.mu.Lock()
		delete(f.kernels, id)
		f.mu.Unlock()
		c.Status(http.StatusNoContent)
	})

	f.engine.GET("api/kernels/:id/channels", f.acceptChannels)
}

func (f *FakeServer) acceptChannels(c *gin.Context) {
	f.mu.Lock()
	refuse := f.refuseWebsocket
	kernelID := c.Param("id")
	_, known := f.kernels[kernelID]
	f.mu.Unlock()

	if refuse || !known {
		c.Status(http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{})
	if err != nil {
		f.log.Error("Failed to accept websocket connection: %v", err)
		return
	}
	conn.SetReadLimit(16 * 1024 * 1024)

	session := &fakeSession{
		sessionID: c.Query("session_id"),
		kernelID:  kernelID,
		ws:        conn,
	}

	f.mu.Lock()
	f.sessions[session.sessionID] = session
	f.mu.Unlock()

	go f.serveSession(session)
}

func (f *FakeServer) serveSession(session *fakeSession) {
	defer func() { _ = session.ws.CloseNow() }()

	limiter := rate.NewLimiter(rate.Every(time.Millisecond), 100)
	for {
		if err := limiter.Wait(context.Background()); err != nil {
			return
		}

		_, frame, err := session.ws.Read(context.Background())
		if err != nil {
			return
		}

		msg, err := f.codec.Decode(frame)
		if err != nil {
			f.log.Error("Undecodable client frame: %v", err)
			continue
		}

		f.mu.Lock()
		session.received = append(session.received, msg)
		f.mu.Unlock()

		f.handleMessage(session, msg)
	}
}

func (f *FakeServer) handleMessage(session *fakeSession, msg *messaging.Message) {
	switch msg.Header.MsgType {
	case messaging.KernelInfoRequest:
		f.sendStatus(session, msg, "idle")
		f.reply(session, msg, messaging.KernelInfoReply, map[string]interface{}{
			"status":                 "ok",
			"protocol_version":       "5.3",
			"implementation":         "fake",
			"implementation_version": "0.1",
			"language_info":          map[string]interface{}{"name": "python"},
			"banner":                 "fake kernel",
		})

	case messaging.ExecuteRequest:
		code, _ := msg.Content["code"].(string)
		f.sendStatus(session, msg, "busy")
		f.send(session, f.childMessage(session, msg, messaging.StreamMessage, messaging.IOPubChannel, map[string]interface{}{
			"name": "stdout",
			"text": fmt.Sprintf("ran: %s\n", code),
		}))
		f.reply(session, msg, messaging.ExecuteReply, map[string]interface{}{
			"status":          "ok",
			"execution_count": 1,
		})
		f.sendStatus(session, msg, "idle")

	case messaging.CommOpen:
		// Client-initiated comm: acknowledged silently, remembered by the
		// received log. An idle status follows so the future completes.
		f.sendStatus(session, msg, "idle")

	case messaging.CommMsg:
		// Echo the payload back on iopub.
		f.send(session, f.childMessage(session, msg, messaging.CommMsg, messaging.IOPubChannel, msg.Content))
		f.sendStatus(session, msg, "idle")

	case messaging.CommClose:
		f.sendStatus(session, msg, "idle")

	case messaging.InputReply:
		// Consumed silently.

	default:
		if base, ok := requestBase(msg.Header.MsgType); ok {
			f.sendStatus(session, msg, "busy")
			f.reply(session, msg, messaging.MessageType(base+"_reply"), map[string]interface{}{"status": "ok"})
			f.sendStatus(session, msg, "idle")
		}
	}
}

// requestBase splits "<base>_request" message types.
func requestBase(msgType messaging.MessageType) (string, bool) {
	const suffix = "_request"
	s := msgType.String()
	if len(s) > len(suffix) && s[len(s)-len(suffix):] == suffix {
		return s[:len(s)-len(suffix)], true
	}
	return "", false
}

// childMessage builds a server-side message parented to the given request.
func (f *FakeServer) childMessage(session *fakeSession, parent *messaging.Message, msgType messaging.MessageType, channel messaging.Channel, content map[string]interface{}) *messaging.Message {
	msg := messaging.NewMessage(messaging.MessageOptions{
		MsgType:  msgType,
		Channel:  channel,
		Username: "kernel",
		Session:  session.kernelID,
	}, content, nil, nil)

	if parent != nil {
		msg.ParentHeader = *parent.Header.Clone()
	}

	return msg
}

func (f *FakeServer) sendStatus(session *fakeSession, parent *messaging.Message, state string) {
	f.send(session, f.childMessage(session, parent, messaging.StatusMessage, messaging.IOPubChannel, map[string]interface{}{
		messaging.ExecutionStateKey: state,
	}))
}

func (f *FakeServer) reply(session *fakeSession, parent *messaging.Message, msgType messaging.MessageType, content map[string]interface{}) {
	f.send(session, f.childMessage(session, parent, msgType, messaging.ShellChannel, content))
}

func (f *FakeServer) send(session *fakeSession, msg *messaging.Message) {
	frame, err := f.codec.Encode(msg)
	if err != nil {
		f.log.Error("Failed to encode server message: %v", err)
		return
	}

	session.writeMu.Lock()
	defer session.writeMu.Unlock()

	if err = session.ws.Write(context.Background(), websocket.MessageBinary, frame); err != nil {
		f.log.Error("Failed to write server message: %v", err)
	}
}

// session looks up a live session by id.
func (f *FakeServer) session(sessionID string) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[sessionID]
}

// OpenComm pushes a kernel-initiated comm_open to the given session.
func (f *FakeServer) OpenComm(sessionID string, commID string, targetName string, data map[string]interface{}) error {
	session := f.session(sessionID)
	if session == nil {
		return fmt.Errorf("no such session: %s", sessionID)
	}

	f.send(session, f.childMessage(session, nil, messaging.CommOpen, messaging.IOPubChannel, map[string]interface{}{
		"comm_id":     commID,
		"target_name": targetName,
		"data":        orEmptyMap(data),
	}))
	return nil
}

// SendCommMsg pushes a kernel-initiated comm_msg to the given session.
func (f *FakeServer) SendCommMsg(sessionID string, commID string, data map[string]interface{}) error {
	session := f.session(sessionID)
	if session == nil {
		return fmt.Errorf("no such session: %s", sessionID)
	}

	f.send(session, f.childMessage(session, nil, messaging.CommMsg, messaging.IOPubChannel, map[string]interface{}{
		"comm_id": commID,
		"data":    orEmptyMap(data),
	}))
	return nil
}

// CloseComm pushes a kernel-initiated comm_close to the given session.
func (f *FakeServer) CloseComm(sessionID string, commID string) error {
	session := f.session(sessionID)
	if session == nil {
		return fmt.Errorf("no such session: %s", sessionID)
	}

	f.send(session, f.childMessage(session, nil, messaging.CommClose, messaging.IOPubChannel, map[string]interface{}{
		"comm_id": commID,
		"data":    map[string]interface{}{},
	}))
	return nil
}

// PushStatus pushes an unparented iopub status message, e.g. to drive the
// client's status machine directly.
func (f *FakeServer) PushStatus(sessionID string, state string) error {
	session := f.session(sessionID)
	if session == nil {
		return fmt.Errorf("no such session: %s", sessionID)
	}

	f.sendStatus(session, nil, state)
	return nil
}

func orEmptyMap(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return map[string]interface{}{}
	}
	return data
}
