package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/scusemua/jupyter-kernel-client/jupyter"
)

// BadStatusError reports an unexpected HTTP status code from the notebook
// server. It carries enough context to be actionable in logs.
type BadStatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *BadStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s %s: %s", e.StatusCode, e.Method, e.Path, e.Body)
}

// Client issues the REST calls of the kernel lifecycle API. It is safe for
// concurrent use. All paths are joined to the configured base URL, and path
// segments containing user data are percent-encoded.
type Client struct {
	server   *jupyter.ServerConnection
	http     *http.Client
	validate *validator.Validate

	log logger.Logger
}

// NewClient creates a REST client for the given server connection.
func NewClient(server *jupyter.ServerConnection) *Client {
	client := &Client{
		server:   server,
		http:     &http.Client{Timeout: server.Timeout},
		validate: validator.New(),
	}
	config.InitLogger(&client.log, fmt.Sprintf("REST[%s] ", server.BaseURL))

	return client
}

// Server returns the connection settings this client was built with.
func (c *Client) Server() *jupyter.ServerConnection {
	return c.server
}

func (c *Client) endpoint(path string) string {
	base := c.server.BaseURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + path
}

// do issues one request and decodes the response body into out (when out is
// non-nil). Any status other than expected yields a *BadStatusError.
func (c *Client) do(ctx context.Context, method string, path string, expected int, body interface{}, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return errors.Wrapf(err, "failed to encode request body for %s %s", method, path)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), reqBody)
	if err != nil {
		return errors.Wrapf(err, "failed to build request for %s %s", method, path)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.server.Token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("token %s", c.server.Token))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "request failed: %s %s", method, path)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "failed to read response body for %s %s", method, path)
	}

	if resp.StatusCode != expected {
		return &BadStatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       string(payload),
		}
	}

	if out == nil {
		return nil
	}

	if err = json.Unmarshal(payload, out); err != nil {
		return errors.Wrapf(jupyter.ErrInvalidResponse, "failed to decode response of %s %s: %v", method, path, err)
	}

	return nil
}

// ListKernels fetches the models of all running kernels.
// Invalid records in the response are rejected, not dropped: a malformed
// kernel model indicates a server this client cannot safely talk to.
func (c *Client) ListKernels(ctx context.Context) ([]*KernelModel, error) {
	var models []*KernelModel
	if err := c.do(ctx, http.MethodGet, "api/kernels", http.StatusOK, nil, &models); err != nil {
		return nil, err
	}

	for _, model := range models {
		if err := c.validate.Struct(model); err != nil {
			return nil, errors.Wrapf(jupyter.ErrInvalidResponse, "invalid kernel model in listing: %v", err)
		}
	}

	return models, nil
}

// StartKernel launches a kernel of the named spec and returns its model.
func (c *Client) StartKernel(ctx context.Context, specName string) (*KernelModel, error) {
	var model KernelModel
	body := map[string]string{"name": specName}
	if err := c.do(ctx, http.MethodPost, "api/kernels", http.StatusCreated, body, &model); err != nil {
		return nil, err
	}

	if err := c.validate.Struct(&model); err != nil {
		return nil, errors.Wrapf(jupyter.ErrInvalidResponse, "invalid kernel model for started kernel: %v", err)
	}

	c.log.Debug("Started kernel \"%s\" (spec \"%s\").", model.ID, specName)
	return &model, nil
}

// GetKernel fetches the model of a single kernel by id.
func (c *Client) GetKernel(ctx context.Context, kernelID string) (*KernelModel, error) {
	var model KernelModel
	path := fmt.Sprintf("api/kernels/%s", url.PathEscape(kernelID))
	if err := c.do(ctx, http.MethodGet, path, http.StatusOK, nil, &model); err != nil {
		var badStatus *BadStatusError
		if errors.As(err, &badStatus) && badStatus.StatusCode == http.StatusNotFound {
			return nil, errors.Wrapf(jupyter.ErrNoSuchKernel, "kernel \"%s\"", kernelID)
		}
		return nil, err
	}

	if err := c.validate.Struct(&model); err != nil {
		return nil, errors.Wrapf(jupyter.ErrInvalidResponse, "invalid kernel model for \"%s\": %v", kernelID, err)
	}

	return &model, nil
}

// InterruptKernel asks the server to interrupt the kernel.
func (c *Client) InterruptKernel(ctx context.Context, kernelID string) error {
	path := fmt.Sprintf("api/kernels/%s/interrupt", url.PathEscape(kernelID))
	return c.do(ctx, http.MethodPost, path, http.StatusNoContent, nil, nil)
}

// RestartKernel asks the server to restart the kernel, returning the
// (unchanged) kernel model.
func (c *Client) RestartKernel(ctx context.Context, kernelID string) (*KernelModel, error) {
	var model KernelModel
	path := fmt.Sprintf("api/kernels/%s/restart", url.PathEscape(kernelID))
	if err := c.do(ctx, http.MethodPost, path, http.StatusOK, nil, &model); err != nil {
		return nil, err
	}

	if err := c.validate.Struct(&model); err != nil {
		return nil, errors.Wrapf(jupyter.ErrInvalidResponse, "invalid kernel model after restart of \"%s\": %v", kernelID, err)
	}

	return &model, nil
}

// ShutdownKernel deletes the kernel on the server.
func (c *Client) ShutdownKernel(ctx context.Context, kernelID string) error {
	path := fmt.Sprintf("api/kernels/%s", url.PathEscape(kernelID))
	return c.do(ctx, http.MethodDelete, path, http.StatusNoContent, nil, nil)
}

// GetKernelSpec fetches a single kernelspec by name.
func (c *Client) GetKernelSpec(ctx context.Context, name string) (*KernelSpec, error) {
	var spec KernelSpec
	path := fmt.Sprintf("api/kernelspecs/%s", url.PathEscape(name))
	if err := c.do(ctx, http.MethodGet, path, http.StatusOK, nil, &spec); err != nil {
		var badStatus *BadStatusError
		if errors.As(err, &badStatus) && badStatus.StatusCode == http.StatusNotFound {
			return nil, errors.Wrapf(jupyter.ErrNoSuchKernelSpec, "kernelspec \"%s\"", name)
		}
		return nil, err
	}

	if err := c.validate.Struct(&spec); err != nil {
		return nil, errors.Wrapf(jupyter.ErrInvalidResponse, "invalid kernelspec \"%s\": %v", name, err)
	}

	return &spec, nil
}

// GetKernelSpecs fetches the kernelspecs collection.
//
// Invalid entries are dropped with a warning. If no valid entry remains, an
// error is returned. If the advertised default is missing or names a dropped
// entry, the first valid key (in sorted order, for determinism) is promoted
// with a warning.
func (c *Client) GetKernelSpecs(ctx context.Context) (*KernelSpecSet, error) {
	var payload kernelSpecsPayload
	if err := c.do(ctx, http.MethodGet, "api/kernelspecs", http.StatusOK, nil, &payload); err != nil {
		return nil, err
	}

	if len(payload.KernelSpecs) == 0 {
		return nil, errors.Wrap(jupyter.ErrInvalidResponse, "kernelspecs payload contains no specs")
	}

	specs := make(map[string]*KernelSpec, len(payload.KernelSpecs))
	for name, raw := range payload.KernelSpecs {
		var spec KernelSpec
		if err := json.Unmarshal(raw, &spec); err != nil {
			c.log.Warn("Dropping undecodable kernelspec \"%s\": %v", name, err)
			continue
		}

		if err := c.validate.Struct(&spec); err != nil {
			c.log.Warn("Dropping invalid kernelspec \"%s\": %v", name, err)
			continue
		}

		specs[name] = &spec
	}

	if len(specs) == 0 {
		return nil, errors.Wrap(jupyter.ErrInvalidResponse, "kernelspecs payload contains no valid specs")
	}

	defaultName := payload.Default
	if _, ok := specs[defaultName]; !ok {
		keys := make([]string, 0, len(specs))
		for key := range specs {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		c.log.Warn("Kernelspecs default \"%s\" is missing or invalid; falling back to \"%s\".", defaultName, keys[0])
		defaultName = keys[0]
	}

	return &KernelSpecSet{
		Default:     defaultName,
		KernelSpecs: specs,
	}, nil
}
