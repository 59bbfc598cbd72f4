package client

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/scusemua/jupyter-kernel-client/api"
	"github.com/scusemua/jupyter-kernel-client/jupyter"
)

// KernelManager is the REST-facing entry point: it starts, finds, connects
// to, and tears down kernels, and caches the default connection options
// that every operation merges per-call overrides over.
type KernelManager struct {
	server *jupyter.ServerConnection
	rest   *api.Client
	opts   ConnectionOptions

	// Cached payloads backing the deep-equality change events.
	specs   *api.KernelSpecSet
	running []*api.KernelModel

	specsChanged   *Signal[*api.KernelSpecSet]
	runningChanged *Signal[[]*api.KernelModel]

	log logger.Logger
	mu  sync.Mutex
}

// NewKernelManager creates a manager over the given server defaults. A nil
// server selects jupyter.DefaultServerConnection.
func NewKernelManager(server *jupyter.ServerConnection, opts ConnectionOptions) *KernelManager {
	if server == nil {
		server = jupyter.DefaultServerConnection()
	}
	if server.Username == "" {
		server.Username = jupyter.DefaultUsername
	}

	manager := &KernelManager{
		server:         server,
		rest:           api.NewClient(server),
		opts:           opts,
		specsChanged:   NewSignal[*api.KernelSpecSet](),
		runningChanged: NewSignal[[]*api.KernelModel](),
	}
	config.InitLogger(&manager.log, fmt.Sprintf("KernelManager[%s] ", server.BaseURL))

	return manager
}

// Server returns the manager's cached default connection options.
func (m *KernelManager) Server() *jupyter.ServerConnection {
	return m.server
}

// OnSpecsChanged registers a handler fired when a refresh observes a
// kernelspecs payload that differs (deep equality) from the cached one.
func (m *KernelManager) OnSpecsChanged(handler func(*api.KernelSpecSet)) func() {
	return m.specsChanged.Connect(handler)
}

// OnRunningChanged registers a handler fired when a refresh observes a
// running-kernels listing that differs (deep equality) from the cached one.
func (m *KernelManager) OnRunningChanged(handler func([]*api.KernelModel)) func() {
	return m.runningChanged.Connect(handler)
}

// restFor merges a per-call override over the cached defaults.
func (m *KernelManager) restFor(overrides *jupyter.ServerConnection) *api.Client {
	if overrides == nil {
		return m.rest
	}

	return api.NewClient(overrides.Merge(m.server))
}

// StartNew launches a kernel of the named spec (the server default when
// empty) and connects to it.
func (m *KernelManager) StartNew(ctx context.Context, specName string, overrides ...*jupyter.ServerConnection) (KernelConnection, error) {
	rest := m.restFor(first(overrides))

	if specName == "" {
		specs, err := rest.GetKernelSpecs(ctx)
		if err != nil {
			return nil, err
		}
		specName = specs.Default
	}

	model, err := rest.StartKernel(ctx, specName)
	if err != nil {
		return nil, err
	}

	return m.connect(ctx, rest, model)
}

func (m *KernelManager) connect(ctx context.Context, rest *api.Client, model *api.KernelModel) (KernelConnection, error) {
	conn := newKernelConnection(rest.Server(), rest, model.ID, model.Name, m.opts)

	if err := conn.connect(ctx); err != nil {
		conn.Dispose()
		return nil, err
	}

	if err := conn.waitReady(ctx); err != nil {
		conn.Dispose()
		return nil, err
	}

	return conn, nil
}

// RefreshRunning re-fetches the running-kernel listing, emitting
// runningChanged only when the payload actually differs.
func (m *KernelManager) RefreshRunning(ctx context.Context, overrides ...*jupyter.ServerConnection) ([]*api.KernelModel, error) {
	models, err := m.restFor(first(overrides)).ListKernels(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	changed := !reflect.DeepEqual(m.running, models)
	m.running = models
	m.mu.Unlock()

	if changed {
		m.runningChanged.Emit(models)
	}

	return models, nil
}

// RefreshSpecs re-fetches the kernelspecs collection, emitting specsChanged
// only when the payload actually differs.
func (m *KernelManager) RefreshSpecs(ctx context.Context, overrides ...*jupyter.ServerConnection) (*api.KernelSpecSet, error) {
	specs, err := m.restFor(first(overrides)).GetKernelSpecs(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	changed := !reflect.DeepEqual(m.specs, specs)
	m.specs = specs
	m.mu.Unlock()

	if changed {
		m.specsChanged.Emit(specs)
	}

	return specs, nil
}

// GetSpecs returns the cached kernelspecs, fetching them on first use.
func (m *KernelManager) GetSpecs(ctx context.Context) (*api.KernelSpecSet, error) {
	m.mu.Lock()
	cached := m.specs
	m.mu.Unlock()

	if cached != nil {
		return cached, nil
	}

	return m.RefreshSpecs(ctx)
}

// FindByID resolves a kernel model by id. The process-wide registry of live
// connections is consulted first; only on a miss is the model fetched via
// REST, without constructing a connection.
func (m *KernelManager) FindByID(ctx context.Context, kernelID string, overrides ...*jupyter.ServerConnection) (*api.KernelModel, error) {
	if conn := findConnectionByKernelID(kernelID); conn != nil {
		return &api.KernelModel{ID: conn.KernelID(), Name: conn.KernelName()}, nil
	}

	return m.restFor(first(overrides)).GetKernel(ctx, kernelID)
}

// ConnectTo attaches to an existing kernel. If a live connection to that
// kernel is already registered, its Clone — a fresh clientId over the same
// kernel id and name — is returned without touching the REST API. Otherwise
// the kernel's existence is confirmed via REST and a new connection is
// constructed.
func (m *KernelManager) ConnectTo(ctx context.Context, kernelID string, overrides ...*jupyter.ServerConnection) (KernelConnection, error) {
	if existing := findConnectionByKernelID(kernelID); existing != nil {
		return existing.Clone(ctx)
	}

	rest := m.restFor(first(overrides))

	model, err := rest.GetKernel(ctx, kernelID)
	if err != nil {
		return nil, err
	}

	return m.connect(ctx, rest, model)
}

// ShutdownKernel deletes a kernel by id, disposing any registered live
// connections to it.
func (m *KernelManager) ShutdownKernel(ctx context.Context, kernelID string, overrides ...*jupyter.ServerConnection) error {
	if err := m.restFor(first(overrides)).ShutdownKernel(ctx, kernelID); err != nil {
		return err
	}

	for {
		conn := findConnectionByKernelID(kernelID)
		if conn == nil {
			return nil
		}
		conn.Dispose()
	}
}

// InterruptKernel interrupts a kernel by id.
func (m *KernelManager) InterruptKernel(ctx context.Context, kernelID string, overrides ...*jupyter.ServerConnection) error {
	return m.restFor(first(overrides)).InterruptKernel(ctx, kernelID)
}

// RestartKernel restarts a kernel by id.
func (m *KernelManager) RestartKernel(ctx context.Context, kernelID string, overrides ...*jupyter.ServerConnection) error {
	_, err := m.restFor(first(overrides)).RestartKernel(ctx, kernelID)
	return err
}

func first(overrides []*jupyter.ServerConnection) *jupyter.ServerConnection {
	if len(overrides) == 0 {
		return nil
	}
	return overrides[0]
}
