package client

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/jupyter-kernel-client/jupyter"
	"github.com/scusemua/jupyter-kernel-client/messaging"
	"github.com/scusemua/jupyter-kernel-client/testutil"
)

var _ = Describe("Comm", func() {
	var (
		fake    *testutil.FakeServer
		manager *KernelManager
		kernel  KernelConnection
		conn    *kernelConnection
		ctx     context.Context
		cancel  context.CancelFunc
	)

	BeforeEach(func() {
		fake = testutil.NewFakeServer()
		manager = NewKernelManager(&jupyter.ServerConnection{BaseURL: fake.URL()}, ConnectionOptions{})
		ctx, cancel = context.WithTimeout(context.Background(), 15*time.Second)

		var err error
		kernel, err = manager.StartNew(ctx, "python3")
		Expect(err).To(BeNil())
		conn = kernel.(*kernelConnection)
	})

	AfterEach(func() {
		kernel.Dispose()
		cancel()
		fake.Close()
	})

	Describe("client-initiated comms", func() {
		It("registers the comm on ConnectToComm and reuses it by id", func() {
			comm := kernel.ConnectToComm("echo", "c-42")
			Expect(comm.CommID()).To(Equal("c-42"))
			Expect(comm.TargetName()).To(Equal("echo"))

			again := kernel.ConnectToComm("echo", "c-42")
			Expect(again).To(BeIdenticalTo(comm))
		})

		It("opens, echoes a message, and closes", func() {
			comm := kernel.ConnectToComm("echo")

			var (
				mu     sync.Mutex
				echoed []*messaging.Message
			)
			comm.OnMsg(func(_ Comm, msg *messaging.Message) {
				mu.Lock()
				defer mu.Unlock()
				echoed = append(echoed, msg)
			})

			future := comm.Open(map[string]interface{}{"hello": true}, nil)
			Expect(future).ToNot(BeNil())
			_, err := future.Await(ctx)
			Expect(err).To(BeNil())

			sent := comm.Send(map[string]interface{}{"n": 1}, nil, nil, true)
			Expect(sent).ToNot(BeNil())

			Eventually(func() int {
				mu.Lock()
				defer mu.Unlock()
				return len(echoed)
			}, 5*time.Second).Should(Equal(1))

			mu.Lock()
			Expect(echoed[0].Content).To(HaveKeyWithValue("comm_id", comm.CommID()))
			mu.Unlock()

			closed := 0
			comm.OnClose(func(_ Comm, msg *messaging.Message) {
				closed++
				// The synthesized close has explicit iopub shape, not the
				// outbound shell shape.
				Expect(msg.Channel).To(Equal(messaging.IOPubChannel))
				Expect(msg.Header.MsgType).To(Equal(messaging.CommClose))
			})

			comm.Close(nil, nil)
			Expect(closed).To(Equal(1))
			Expect(comm.IsDisposed()).To(BeTrue())

			// Idempotent: a second close is a no-op.
			Expect(comm.Close(nil, nil)).To(BeNil())
			Expect(closed).To(Equal(1))
		})

		It("refuses to send once disposed", func() {
			comm := kernel.ConnectToComm("echo")
			comm.Dispose()

			Expect(comm.Open(nil, nil)).To(BeNil())
			Expect(comm.Send(nil, nil, nil, false)).To(BeNil())
		})
	})

	Describe("kernel-initiated comms", func() {
		It("invokes the registered target and wires the comm into the live map", func() {
			var (
				mu       sync.Mutex
				openComm Comm
				openMsg  *messaging.Message
				messages []*messaging.Message
				closes   []*messaging.Message
			)

			kernel.RegisterCommTarget("echo", func(comm Comm, msg *messaging.Message) error {
				mu.Lock()
				defer mu.Unlock()
				openComm = comm
				openMsg = msg
				comm.OnMsg(func(_ Comm, m *messaging.Message) {
					mu.Lock()
					defer mu.Unlock()
					messages = append(messages, m)
				})
				comm.OnClose(func(_ Comm, m *messaging.Message) {
					mu.Lock()
					defer mu.Unlock()
					closes = append(closes, m)
				})
				return nil
			})

			Expect(fake.OpenComm(conn.ClientID(), "c-1", "echo", nil)).To(Succeed())

			Eventually(func() Comm {
				mu.Lock()
				defer mu.Unlock()
				return openComm
			}, 5*time.Second).ShouldNot(BeNil())

			mu.Lock()
			Expect(openComm.CommID()).To(Equal("c-1"))
			Expect(openMsg.Content).To(HaveKeyWithValue("target_name", "echo"))
			mu.Unlock()

			_, tracked := conn.comms.Get("c-1")
			Expect(tracked).To(BeTrue())

			Expect(fake.SendCommMsg(conn.ClientID(), "c-1", map[string]interface{}{"k": "v"})).To(Succeed())
			Eventually(func() int {
				mu.Lock()
				defer mu.Unlock()
				return len(messages)
			}, 5*time.Second).Should(Equal(1))

			Expect(fake.CloseComm(conn.ClientID(), "c-1")).To(Succeed())
			Eventually(func() int {
				mu.Lock()
				defer mu.Unlock()
				return len(closes)
			}, 5*time.Second).Should(Equal(1))

			Eventually(func() bool {
				_, stillTracked := conn.comms.Get("c-1")
				return stillTracked
			}).Should(BeFalse())

			// Traffic for the closed comm is logged and dropped.
			Expect(fake.SendCommMsg(conn.ClientID(), "c-1", nil)).To(Succeed())
			Consistently(func() int {
				mu.Lock()
				defer mu.Unlock()
				return len(messages)
			}, 500*time.Millisecond).Should(Equal(1))
		})

		It("closes the comm when no target matches", func() {
			Expect(fake.OpenComm(conn.ClientID(), "c-unknown", "no-such-target", nil)).To(Succeed())

			// The client answers with a comm_close for the unknown target.
			Eventually(func() bool {
				for _, msg := range fake.Received(conn.ClientID()) {
					if msg.Header.MsgType == messaging.CommClose {
						id, _ := msg.Content["comm_id"].(string)
						if id == "c-unknown" {
							return true
						}
					}
				}
				return false
			}, 5*time.Second).Should(BeTrue())

			_, tracked := conn.comms.Get("c-unknown")
			Expect(tracked).To(BeFalse())
		})

		It("closes the comm when the target handler fails", func() {
			kernel.RegisterCommTarget("broken", func(Comm, *messaging.Message) error {
				panic("target exploded")
			})

			Expect(fake.OpenComm(conn.ClientID(), "c-broken", "broken", nil)).To(Succeed())

			Eventually(func() bool {
				for _, msg := range fake.Received(conn.ClientID()) {
					if msg.Header.MsgType == messaging.CommClose {
						id, _ := msg.Content["comm_id"].(string)
						if id == "c-broken" {
							return true
						}
					}
				}
				return false
			}, 5*time.Second).Should(BeTrue())

			_, tracked := conn.comms.Get("c-broken")
			Expect(tracked).To(BeFalse())
		})

		It("prefers the registry over the pluggable resolver", func() {
			resolved := 0
			withResolver := NewKernelManager(&jupyter.ServerConnection{BaseURL: fake.URL()}, ConnectionOptions{
				Resolver: func(string, string, map[string]CommTargetHandler) (CommTargetHandler, error) {
					resolved++
					return func(Comm, *messaging.Message) error { return nil }, nil
				},
			})

			other, err := withResolver.StartNew(ctx, "python3")
			Expect(err).To(BeNil())
			defer other.Dispose()

			registryHits := 0
			other.RegisterCommTarget("echo", func(Comm, *messaging.Message) error {
				registryHits++
				return nil
			})

			Expect(fake.OpenComm(other.ClientID(), "c-r1", "echo", nil)).To(Succeed())
			Eventually(func() int { return registryHits }, 5*time.Second).Should(Equal(1))
			Expect(resolved).To(BeZero())

			Expect(fake.OpenComm(other.ClientID(), "c-r2", "unregistered", nil)).To(Succeed())
			Eventually(func() int { return resolved }, 5*time.Second).Should(Equal(1))
		})
	})
})
