package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPClient talks to a gateway sidecar over REST. It implements Client.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient creates a gateway REST client.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type estimateFeeResponse struct {
	FeePerComputeUnit uint64 `json:"feePerComputeUnit"`
	Denomination      string `json:"denomination"`
}

// EstimateFee implements Client.
func (c *HTTPClient) EstimateFee(ctx context.Context, chain, network string) (uint64, error) {
	var res estimateFeeResponse
	err := c.post(ctx, fmt.Sprintf("chains/%s/estimate-gas", chain),
		map[string]any{"network": network}, &res)
	if err != nil {
		return 0, err
	}
	return res.FeePerComputeUnit, nil
}

type submitResponse struct {
	Signature string `json:"signature"`
	Status    int    `json:"status"` // 1 means confirmed in the response itself
}

// Submit implements Client.
func (c *HTTPClient) Submit(ctx context.Context, chain, network, connector, method string,
	params TxParams, feePerComputeUnit, computeUnits uint64) (SubmitResult, error) {

	body := make(map[string]any, len(params)+3)
	for k, v := range params {
		body[k] = v
	}
	body["network"] = network
	body["priorityFeePerCU"] = feePerComputeUnit
	body["computeUnits"] = computeUnits

	var res submitResponse
	err := c.post(ctx, fmt.Sprintf("connectors/%s/%s", connector, method), body, &res)
	if err != nil {
		return SubmitResult{}, err
	}
	if res.Signature == "" {
		return SubmitResult{}, fmt.Errorf("gateway returned no signature")
	}
	return SubmitResult{Signature: res.Signature, Confirmed: res.Status == 1}, nil
}

type pollResponse struct {
	Confirmed        bool   `json:"confirmed"`
	Failed           bool   `json:"failed"`
	ComputeUnitsUsed uint64 `json:"computeUnitsUsed"`
}

// Poll implements Client.
func (c *HTTPClient) Poll(ctx context.Context, chain, network, signature string) (PollResult, error) {
	var res pollResponse
	err := c.post(ctx, fmt.Sprintf("chains/%s/poll", chain),
		map[string]any{"network": network, "signature": signature}, &res)
	if err != nil {
		return PollResult{}, err
	}
	return PollResult{
		Confirmed:        res.Confirmed,
		Failed:           res.Failed,
		ComputeUnitsUsed: res.ComputeUnitsUsed,
	}, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode gateway request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/"+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway %s: status %d: %s", path, resp.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode gateway response: %w", err)
	}
	return nil
}
