package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"github.com/scusemua/jupyter-kernel-client/api"
	"github.com/scusemua/jupyter-kernel-client/jupyter"
	"github.com/scusemua/jupyter-kernel-client/testutil"
)

var _ = Describe("REST client", func() {
	var (
		fake   *testutil.FakeServer
		client *api.Client
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		fake = testutil.NewFakeServer()
		client = api.NewClient(&jupyter.ServerConnection{BaseURL: fake.URL()})
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	})

	AfterEach(func() {
		cancel()
		fake.Close()
	})

	It("starts, fetches, lists, restarts, interrupts, and deletes kernels", func() {
		model, err := client.StartKernel(ctx, "python3")
		Expect(err).To(BeNil())
		Expect(model.ID).ToNot(BeEmpty())
		Expect(model.Name).To(Equal("python3"))

		fetched, err := client.GetKernel(ctx, model.ID)
		Expect(err).To(BeNil())
		Expect(fetched.ID).To(Equal(model.ID))

		models, err := client.ListKernels(ctx)
		Expect(err).To(BeNil())
		Expect(models).To(HaveLen(1))

		restarted, err := client.RestartKernel(ctx, model.ID)
		Expect(err).To(BeNil())
		Expect(restarted.ID).To(Equal(model.ID))

		Expect(client.InterruptKernel(ctx, model.ID)).To(Succeed())
		Expect(client.ShutdownKernel(ctx, model.ID)).To(Succeed())

		_, err = client.GetKernel(ctx, model.ID)
		Expect(errors.Is(err, jupyter.ErrNoSuchKernel)).To(BeTrue())
	})

	It("percent-encodes path segments carrying user data", func() {
		gin.SetMode(gin.TestMode)
		engine := gin.New()

		var rawPath string
		engine.NoRoute(func(c *gin.Context) {
			rawPath = c.Request.URL.EscapedPath()
			c.JSON(http.StatusOK, map[string]string{"id": "weird/id", "name": "python3"})
		})

		server := httptest.NewServer(engine)
		defer server.Close()

		encoded := api.NewClient(&jupyter.ServerConnection{BaseURL: server.URL + "/"})
		_, err := encoded.GetKernel(ctx, "weird/id")
		Expect(err).To(BeNil())
		Expect(rawPath).To(Equal("/api/kernels/weird%2Fid"))
	})

	It("surfaces unexpected status codes as BadStatusError", func() {
		gin.SetMode(gin.TestMode)
		engine := gin.New()
		engine.GET("api/kernels", func(c *gin.Context) {
			c.String(http.StatusTeapot, "nope")
		})

		server := httptest.NewServer(engine)
		defer server.Close()

		broken := api.NewClient(&jupyter.ServerConnection{BaseURL: server.URL + "/"})
		_, err := broken.ListKernels(ctx)

		var badStatus *api.BadStatusError
		Expect(errors.As(err, &badStatus)).To(BeTrue())
		Expect(badStatus.StatusCode).To(Equal(http.StatusTeapot))
	})

	It("rejects kernel listings containing invalid models", func() {
		gin.SetMode(gin.TestMode)
		engine := gin.New()
		engine.GET("api/kernels", func(c *gin.Context) {
			c.JSON(http.StatusOK, []map[string]string{{"id": "k1"}})
		})

		server := httptest.NewServer(engine)
		defer server.Close()

		strict := api.NewClient(&jupyter.ServerConnection{BaseURL: server.URL + "/"})
		_, err := strict.ListKernels(ctx)
		Expect(errors.Is(err, jupyter.ErrInvalidResponse)).To(BeTrue())
	})

	Describe("kernelspecs policy", func() {
		It("returns the advertised default when it is valid", func() {
			specs, err := client.GetKernelSpecs(ctx)
			Expect(err).To(BeNil())
			Expect(specs.Default).To(Equal("python3"))
			Expect(specs.KernelSpecs).To(HaveKey("python3"))
		})

		It("drops invalid entries and falls back to the first valid key", func() {
			fake.SetSpecsPayload(map[string]interface{}{
				"default": "missing",
				"kernelspecs": map[string]interface{}{
					"broken": map[string]interface{}{
						"name": "broken",
						// No spec body: dropped during validation.
					},
					"zsh": map[string]interface{}{
						"name": "zsh",
						"spec": map[string]interface{}{
							"argv":         []string{"zsh"},
							"display_name": "Z Shell",
							"language":     "shell",
						},
					},
					"bash": map[string]interface{}{
						"name": "bash",
						"spec": map[string]interface{}{
							"argv":         []string{"bash"},
							"display_name": "Bash",
							"language":     "shell",
						},
					},
				},
			})

			specs, err := client.GetKernelSpecs(ctx)
			Expect(err).To(BeNil())
			Expect(specs.KernelSpecs).ToNot(HaveKey("broken"))
			Expect(specs.KernelSpecs).To(HaveLen(2))

			// The fallback is deterministic: first valid key in sorted order.
			Expect(specs.Default).To(Equal("bash"))
		})

		It("fails when no valid spec remains", func() {
			fake.SetSpecsPayload(map[string]interface{}{
				"default": "broken",
				"kernelspecs": map[string]interface{}{
					"broken": map[string]interface{}{"name": "broken"},
				},
			})

			_, err := client.GetKernelSpecs(ctx)
			Expect(errors.Is(err, jupyter.ErrInvalidResponse)).To(BeTrue())
		})

		It("fails when the payload has no specs at all", func() {
			fake.SetSpecsPayload(map[string]interface{}{"default": "x"})

			_, err := client.GetKernelSpecs(ctx)
			Expect(errors.Is(err, jupyter.ErrInvalidResponse)).To(BeTrue())
		})
	})

	It("fetches a single kernelspec by name", func() {
		spec, err := client.GetKernelSpec(ctx, "python3")
		Expect(err).To(BeNil())
		Expect(spec.Name).To(Equal("python3"))
		Expect(spec.Spec.Language).To(Equal("python"))
	})
})
