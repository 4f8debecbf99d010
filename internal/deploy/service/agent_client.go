package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/eeveon/eeveon/internal/deploy/model"
)

// AgentNodeClient talks to the eeveon node agent over HTTP. The agent owns
// the slot directories on its host and performs the symlink flip locally,
// so the atomicity guarantee of Switch holds on the node itself.
type AgentNodeClient struct {
	httpClient *http.Client
}

func NewAgentNodeClient(timeout time.Duration) *AgentNodeClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &AgentNodeClient{httpClient: &http.Client{Timeout: timeout}}
}

func agentURL(node model.Node, path string) string {
	return strings.TrimSuffix(node.Address, "/") + path
}

func (c *AgentNodeClient) Status(ctx context.Context, node model.Node) (*NodeStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, agentURL(node, "/v1/status"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent status: unexpected %d", resp.StatusCode)
	}

	var st NodeStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("agent status: decode: %w", err)
	}
	return &st, nil
}

func (c *AgentNodeClient) Stage(ctx context.Context, node model.Node, version, checksum string, archive io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agentURL(node, "/v1/stage"), archive)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/gzip")
	req.Header.Set("X-Eeveon-Version", version)
	req.Header.Set("X-Eeveon-Checksum", checksum)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("agent stage: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("agent stage: %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (c *AgentNodeClient) Switch(ctx context.Context, node model.Node, target model.SlotColor) error {
	payload, err := json.Marshal(map[string]string{"target": string(target)})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agentURL(node, "/v1/switch"), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("agent switch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("agent switch: %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (c *AgentNodeClient) Exec(ctx context.Context, node model.Node, script string) (int, string, error) {
	payload, err := json.Marshal(map[string]string{"script": script})
	if err != nil {
		return -1, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agentURL(node, "/v1/exec"), bytes.NewReader(payload))
	if err != nil {
		return -1, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return -1, "", fmt.Errorf("agent exec: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return -1, "", fmt.Errorf("agent exec: unexpected %d", resp.StatusCode)
	}

	var ret struct {
		ExitCode int    `json:"exitCode"`
		Output   string `json:"output"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ret); err != nil {
		return -1, "", fmt.Errorf("agent exec: decode: %w", err)
	}
	return ret.ExitCode, ret.Output, nil
}

// RoutingNodeClient picks the transport per node address scheme: file://
// nodes are served locally, everything else through the HTTP agent.
type RoutingNodeClient struct {
	local *LocalNodeClient
	agent *AgentNodeClient
}

func NewRoutingNodeClient(agentTimeout time.Duration) *RoutingNodeClient {
	return &RoutingNodeClient{
		local: NewLocalNodeClient(),
		agent: NewAgentNodeClient(agentTimeout),
	}
}

func (c *RoutingNodeClient) pick(node model.Node) NodeClient {
	if strings.HasPrefix(node.Address, "file://") {
		return c.local
	}
	return c.agent
}

func (c *RoutingNodeClient) Status(ctx context.Context, node model.Node) (*NodeStatus, error) {
	return c.pick(node).Status(ctx, node)
}

func (c *RoutingNodeClient) Stage(ctx context.Context, node model.Node, version, checksum string, archive io.Reader) error {
	return c.pick(node).Stage(ctx, node, version, checksum, archive)
}

func (c *RoutingNodeClient) Switch(ctx context.Context, node model.Node, target model.SlotColor) error {
	return c.pick(node).Switch(ctx, node, target)
}

func (c *RoutingNodeClient) Exec(ctx context.Context, node model.Node, script string) (int, string, error) {
	return c.pick(node).Exec(ctx, node, script)
}
