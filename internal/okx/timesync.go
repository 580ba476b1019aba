package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// PathServerTime is the public server clock endpoint.
const PathServerTime = "/api/v5/public/time"

// ServerTime reads the OKX server clock.
func ServerTime(ctx context.Context, client *http.Client, baseURL string) (time.Time, error) {
	url := strings.TrimRight(baseURL, "/") + PathServerTime
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return time.Time{}, fmt.Errorf("build server time request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("server time request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return time.Time{}, fmt.Errorf("server time: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return time.Time{}, fmt.Errorf("read server time: %w", err)
	}

	var rows []struct {
		Ts string `json:"ts"`
	}
	if err := decodeEnvelope(body, &rows); err != nil {
		return time.Time{}, err
	}
	if len(rows) == 0 {
		return time.Time{}, fmt.Errorf("server time: empty data")
	}
	ms, err := strconv.ParseInt(rows[0].Ts, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("server time %q: %w", rows[0].Ts, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// SyncClock measures server minus local time and stores it on signer. A
// failure keeps the previous offset and is only logged.
func SyncClock(
	ctx context.Context,
	client *http.Client,
	baseURL string,
	signer *Signer,
	now func() time.Time,
	logger *zap.Logger,
) {
	server, err := ServerTime(ctx, client, baseURL)
	if err != nil {
		logger.Warn("okx clock sync failed, keeping offset",
			zap.Duration("offset", signer.Offset()), zap.Error(err))
		return
	}
	local := now()
	signer.SetServerOffset(server.Sub(local))
	logger.Info("okx clock synced",
		zap.Time("server", server), zap.Time("local", local), zap.Duration("offset", signer.Offset()))
}

// decodeEnvelope checks code=="0" and unmarshals data into out.
func decodeEnvelope(body []byte, out any) error {
	var env struct {
		Code string          `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode okx envelope: %w", err)
	}
	if env.Code != "0" {
		return &APIError{Code: env.Code, Msg: env.Msg}
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode okx data: %w", err)
	}
	return nil
}
