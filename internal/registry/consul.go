package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lilycore/gateway-core/internal/retry"
)

// consulClient is a hand-written HTTP client against the documented
// Consul-compatible coordination-store wire contract. No Consul client
// library appears anywhere in the retrieved reference pack, so this
// follows the plain net/http-plus-encoding/json client shape used
// throughout the rest of the gateway rather than pulling in a fabricated
// dependency.
type consulClient struct {
	baseURL string
	http    *http.Client
}

func newConsulClient(host, port string) *consulClient {
	return &consulClient{
		baseURL: fmt.Sprintf("http://%s:%s", host, port),
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// checkDef is the health check portion of a service registration.
type checkDef struct {
	HTTP                           string `json:"HTTP,omitempty"`
	TCP                            string `json:"TCP,omitempty"`
	Interval                       string `json:"Interval"`
	Timeout                        string `json:"Timeout"`
	DeregisterCriticalServiceAfter string `json:"DeregisterCriticalServiceAfter"`
}

// registerPayload is the body of PUT /v1/agent/service/register.
type registerPayload struct {
	ID      string   `json:"ID"`
	Name    string   `json:"Name"`
	Tags    []string `json:"Tags"`
	Address string   `json:"Address"`
	Port    int      `json:"Port"`
	Check   checkDef `json:"Check"`
}

func (c *consulClient) register(p registerPayload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.put("/v1/agent/service/register", data)
}

func (c *consulClient) deregister(id string) error {
	return c.put("/v1/agent/service/deregister/"+id, nil)
}

func (c *consulClient) put(path string, body []byte) error {
	return retry.Do(retry.RegistryConfig, func() error {
		req, err := http.NewRequest(http.MethodPut, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			b, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("coordination store returned %d: %s", resp.StatusCode, string(b))
		}
		return nil
	})
}

// catalogServices lists every known service name to its tag set, per
// GET /v1/catalog/services.
func (c *consulClient) catalogServices() (map[string][]string, error) {
	var out map[string][]string
	if err := c.getJSON("/v1/catalog/services", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// healthEntry is one element of GET /v1/health/service/{name}?passing=true.
type healthEntry struct {
	Service struct {
		Address string   `json:"Address"`
		Port    int      `json:"Port"`
		Tags    []string `json:"Tags"`
	} `json:"Service"`
}

func (c *consulClient) healthyInstances(name string) ([]healthEntry, error) {
	var out []healthEntry
	path := fmt.Sprintf("/v1/health/service/%s?passing=true", name)
	if err := c.getJSON(path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *consulClient) getJSON(path string, dst any) error {
	body, err := retry.DoWithResult(retry.RegistryConfig, func() ([]byte, error) {
		resp, err := c.http.Get(c.baseURL + path)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("coordination store returned %d: %s", resp.StatusCode, string(raw))
		}
		return raw, nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(body, dst)
}
