package client

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/jupyter-kernel-client/messaging"
)

// child builds an inbound message parented to the given request.
func child(parent *messaging.Message, msgType messaging.MessageType, channel messaging.Channel, content map[string]interface{}) *messaging.Message {
	msg := messaging.NewMessage(messaging.MessageOptions{
		MsgType:  msgType,
		Channel:  channel,
		Username: "kernel",
		Session:  "kernel-session",
	}, content, nil, nil)
	msg.ParentHeader = *parent.Header.Clone()

	return msg
}

func idleStatus(parent *messaging.Message) *messaging.Message {
	return child(parent, messaging.StatusMessage, messaging.IOPubChannel, map[string]interface{}{
		messaging.ExecutionStateKey: messaging.ExecutionStateIdle,
	})
}

func streamOutput(parent *messaging.Message, text string) *messaging.Message {
	return child(parent, messaging.StreamMessage, messaging.IOPubChannel, map[string]interface{}{
		"name": "stdout",
		"text": text,
	})
}

var _ = Describe("Future", func() {
	var (
		request      *messaging.Message
		unregistered int
	)

	BeforeEach(func() {
		unregistered = 0
		request = messaging.NewMessage(messaging.MessageOptions{
			MsgType: messaging.ExecuteRequest,
			Channel: messaging.ShellChannel,
			Session: "client-session",
		}, map[string]interface{}{"code": "print(1)"}, nil, nil)
	})

	newTracked := func(expectReply bool, disposeOnDone bool) *basicFuture {
		return newFuture(request, expectReply, disposeOnDone, func() { unregistered++ })
	}

	It("completes only after both the shell reply and the idle status", func() {
		future := newTracked(true, false)

		var replied *messaging.Message
		future.OnReply(func(msg *messaging.Message) { replied = msg })

		reply := child(request, messaging.ExecuteReply, messaging.ShellChannel, map[string]interface{}{"status": "ok"})
		future.handleMessage(reply)

		Expect(replied).To(Equal(reply))
		Expect(future.IsDone()).To(BeFalse())

		future.handleMessage(idleStatus(request))
		Expect(future.IsDone()).To(BeTrue())
		Expect(future.Reply()).To(Equal(reply))
	})

	It("completes on idle alone when no reply is expected", func() {
		future := newTracked(false, false)

		future.handleMessage(idleStatus(request))
		Expect(future.IsDone()).To(BeTrue())
		Expect(future.Reply()).To(BeNil())
	})

	It("tolerates the reply arriving after the idle status", func() {
		future := newTracked(true, false)

		future.handleMessage(idleStatus(request))
		Expect(future.IsDone()).To(BeFalse())

		future.handleMessage(child(request, messaging.ExecuteReply, messaging.ShellChannel, nil))
		Expect(future.IsDone()).To(BeTrue())
	})

	It("fires the done callback exactly once", func() {
		future := newTracked(true, false)

		fired := 0
		future.OnDone(func() { fired++ })

		future.handleMessage(child(request, messaging.ExecuteReply, messaging.ShellChannel, nil))
		future.handleMessage(idleStatus(request))
		future.handleMessage(idleStatus(request))

		Expect(fired).To(Equal(1))
	})

	It("disposes itself after done when created with disposeOnDone", func() {
		future := newTracked(true, true)

		future.handleMessage(child(request, messaging.ExecuteReply, messaging.ShellChannel, nil))
		future.handleMessage(idleStatus(request))

		Expect(future.IsDisposed()).To(BeTrue())
		Expect(unregistered).To(Equal(1))
	})

	It("delivers iopub messages in arrival order", func() {
		future := newTracked(true, false)

		var seen []string
		future.OnIOPub(func(msg *messaging.Message) {
			seen = append(seen, msg.Header.MsgType.String())
		})

		future.handleMessage(streamOutput(request, "1\n"))
		future.handleMessage(streamOutput(request, "2\n"))
		future.handleMessage(idleStatus(request))

		Expect(seen).To(Equal([]string{"stream", "stream", "status"}))
	})

	It("delivers stdin messages without affecting completion", func() {
		future := newTracked(true, false)

		var prompts []string
		future.OnStdin(func(msg *messaging.Message) {
			prompt, _ := msg.Content["prompt"].(string)
			prompts = append(prompts, prompt)
		})

		future.handleMessage(child(request, messaging.InputRequest, messaging.StdinChannel, map[string]interface{}{"prompt": "? "}))

		Expect(prompts).To(Equal([]string{"? "}))
		Expect(future.IsDone()).To(BeFalse())
	})

	It("survives a panicking user callback", func() {
		future := newTracked(true, false)
		future.OnIOPub(func(*messaging.Message) { panic("boom") })

		Expect(func() {
			future.handleMessage(streamOutput(request, "x"))
		}).ToNot(Panic())
	})

	Describe("dispose", func() {
		It("is idempotent and never fires done afterwards", func() {
			future := newTracked(true, false)

			fired := 0
			future.OnDone(func() { fired++ })

			future.Dispose()
			future.Dispose()

			future.handleMessage(child(request, messaging.ExecuteReply, messaging.ShellChannel, nil))
			future.handleMessage(idleStatus(request))

			Expect(fired).To(BeZero())
			Expect(unregistered).To(Equal(1))
		})
	})
})

var _ = Describe("IOPub hook stack", func() {
	var (
		request *messaging.Message
		future  *basicFuture
	)

	BeforeEach(func() {
		request = messaging.NewMessage(messaging.MessageOptions{
			MsgType: messaging.ExecuteRequest,
			Channel: messaging.ShellChannel,
			Session: "client-session",
		}, nil, nil, nil)
		future = newFuture(request, true, false, func() {})
	})

	It("runs the most recently registered hook first", func() {
		var order []string
		future.RegisterIOPubHook(func(*messaging.Message) bool {
			order = append(order, "first")
			return true
		})
		future.RegisterIOPubHook(func(*messaging.Message) bool {
			order = append(order, "second")
			return true
		})

		future.handleMessage(streamOutput(request, "x"))

		Expect(order).To(Equal([]string{"second", "first"}))
	})

	It("suppresses lower hooks and OnIOPub when a hook returns false", func() {
		lowerRan := 0
		delivered := 0

		future.RegisterIOPubHook(func(*messaging.Message) bool {
			lowerRan++
			return true
		})
		future.RegisterIOPubHook(func(msg *messaging.Message) bool {
			return msg.Header.MsgType != messaging.StreamMessage
		})
		future.OnIOPub(func(*messaging.Message) { delivered++ })

		future.handleMessage(streamOutput(request, "x"))
		Expect(lowerRan).To(BeZero())
		Expect(delivered).To(BeZero())

		// Status messages still pass the filter and still drive completion.
		future.handleMessage(idleStatus(request))
		Expect(lowerRan).To(Equal(1))
		Expect(delivered).To(Equal(1))
	})

	It("still observes the idle status when delivery is suppressed", func() {
		future.RegisterIOPubHook(func(*messaging.Message) bool { return false })

		future.handleMessage(child(request, messaging.ExecuteReply, messaging.ShellChannel, nil))
		future.handleMessage(idleStatus(request))

		Expect(future.IsDone()).To(BeTrue())
	})

	It("continues with the next hook when one panics", func() {
		survivorRan := 0
		future.RegisterIOPubHook(func(*messaging.Message) bool {
			survivorRan++
			return true
		})
		future.RegisterIOPubHook(func(*messaging.Message) bool { panic("boom") })

		future.handleMessage(streamOutput(request, "x"))

		Expect(survivorRan).To(Equal(1))
	})

	It("defers hooks added during iteration to the next message", func() {
		addedRan := 0
		future.RegisterIOPubHook(func(*messaging.Message) bool {
			future.RegisterIOPubHook(func(*messaging.Message) bool {
				addedRan++
				return true
			})
			return true
		})

		future.handleMessage(streamOutput(request, "x"))
		Expect(addedRan).To(BeZero())

		future.handleMessage(streamOutput(request, "y"))
		Expect(addedRan).To(Equal(1))
	})

	It("deactivates hooks removed during iteration immediately", func() {
		lowerRan := 0
		removeLower := future.RegisterIOPubHook(func(*messaging.Message) bool {
			lowerRan++
			return true
		})
		future.RegisterIOPubHook(func(*messaging.Message) bool {
			removeLower()
			return true
		})

		future.handleMessage(streamOutput(request, "x"))

		Expect(lowerRan).To(BeZero())
	})
})
