package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// gatewayClient talks to the gateway's REST surface.
type gatewayClient struct {
	http    *http.Client
	baseURL string
	token   string
}

type callResult struct {
	OK        bool   `json:"ok"`
	CommandID string `json:"commandId"`
	DeviceID  string `json:"deviceId"`
}

type deviceInfo struct {
	DeviceID    string `json:"deviceId"`
	ConnectedAt string `json:"connectedAt"`
}

type devicesResult struct {
	Count   int          `json:"count"`
	Devices []deviceInfo `json:"devices"`
}

type errorBody struct {
	Error    string `json:"error"`
	Reason   string `json:"reason"`
	DeviceID string `json:"deviceId"`
}

func newGatewayClient(cfg *CLIConfig) *gatewayClient {
	return &gatewayClient{
		http:    &http.Client{Timeout: 10 * time.Second},
		baseURL: strings.TrimSuffix(cfg.ServerURL, "/"),
		token:   cfg.Token,
	}
}

// call submits a CALL command for deviceID.
func (c *gatewayClient) call(deviceID, number string) (*callResult, error) {
	body, _ := json.Marshal(map[string]string{"deviceId": deviceID, "number": number})
	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/call", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var result callResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return &result, nil
	case http.StatusUnauthorized:
		return nil, fmt.Errorf("unauthorized: check the token in your config")
	case http.StatusNotFound:
		return nil, fmt.Errorf("device %s is not connected to the gateway", deviceID)
	default:
		return nil, c.errorFromBody(resp)
	}
}

// devices lists connected devices.
func (c *gatewayClient) devices() (*devicesResult, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+"/devices", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var result devicesResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return &result, nil
	case http.StatusUnauthorized:
		return nil, fmt.Errorf("unauthorized: check the token in your config")
	default:
		return nil, c.errorFromBody(resp)
	}
}

// health fetches the gateway health document.
func (c *gatewayClient) health() (map[string]interface{}, error) {
	resp, err := c.http.Get(c.baseURL + "/health")
	if err != nil {
		return nil, fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return result, nil
}

func (c *gatewayClient) errorFromBody(resp *http.Response) error {
	var body errorBody
	json.NewDecoder(resp.Body).Decode(&body)
	msg := body.Reason
	if msg == "" {
		msg = body.Error
	}
	if msg == "" {
		msg = "unknown error"
	}
	return fmt.Errorf("gateway error (HTTP %d): %s", resp.StatusCode, msg)
}
