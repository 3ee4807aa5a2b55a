package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/BitLucky/lottery-draw-backend/internal/platform/config"
)

// DrawInfo 是从链上合约读回的某一期的外部状态。
type DrawInfo struct {
	CommitBlock  uint64 `json:"commitBlock"`
	RevealBlock  uint64 `json:"revealBlock"`
	SalesClosed  bool   `json:"salesClosed"`
	Executed     bool   `json:"executed"`
	Numbers      []int  `json:"numbers"`
	PowerNumber  int    `json:"powerNumber"`
	TotalTickets int64  `json:"totalTickets"`
}

// Client 是链上彩票合约的外部接口。
// 合约内部的随机数推导不在本服务范围内，这里只消费它的读写边界。
// 所有方法都可能因为交易被拒绝或RPC超时而返回错误，调用方不得吞掉这些错误。
type Client interface {
	CloseDraw(ctx context.Context, drawRef string) error
	ExecuteDraw(ctx context.Context, drawRef string) error
	GetDraw(ctx context.Context, drawRef string) (*DrawInfo, error)
	GetCurrentBlockHeight(ctx context.Context) (uint64, error)
}

// --- JSON-RPC 2.0 实现 ---

type rpcRequest struct {
	Jsonrpc string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      uint64        `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	ID     uint64          `json:"id"`
}

// JSONClient 通过JSON-RPC访问链上合约节点。
type JSONClient struct {
	addr   string
	client *http.Client
	seq    atomic.Uint64
}

// NewJSONClient 根据链配置创建一个RPC客户端。
func NewJSONClient(cfg config.ChainConfig) *JSONClient {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &JSONClient{
		addr:   cfg.RPCAddress,
		client: &http.Client{Timeout: timeout},
	}
}

// call 发送一次RPC请求并将result反序列化到res中。
func (c *JSONClient) call(ctx context.Context, method string, params []interface{}, res interface{}) error {
	req := rpcRequest{
		Jsonrpc: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.seq.Add(1),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("无法序列化RPC请求: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.addr, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpRes, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("链上RPC请求失败: %w", err)
	}
	defer httpRes.Body.Close()

	data, err := io.ReadAll(httpRes.Body)
	if err != nil {
		return fmt.Errorf("读取RPC响应失败: %w", err)
	}

	var rpcRes rpcResponse
	if err := json.Unmarshal(data, &rpcRes); err != nil {
		return fmt.Errorf("解析RPC响应失败: %w", err)
	}
	if rpcRes.Error != nil {
		return rpcRes.Error
	}
	if res != nil {
		if err := json.Unmarshal(rpcRes.Result, res); err != nil {
			return fmt.Errorf("解析RPC结果失败: %w", err)
		}
	}
	return nil
}

// CloseDraw 发送封盘交易。合约侧自身是幂等的：已封盘的期会直接返回成功。
func (c *JSONClient) CloseDraw(ctx context.Context, drawRef string) error {
	var txHash string
	return c.call(ctx, "Lottery.CloseDraw", []interface{}{drawRef}, &txHash)
}

// ExecuteDraw 发送开奖交易，合约内部从revealBlock起连续五个区块哈希推导开奖号。
func (c *JSONClient) ExecuteDraw(ctx context.Context, drawRef string) error {
	var txHash string
	return c.call(ctx, "Lottery.ExecuteDraw", []interface{}{drawRef}, &txHash)
}

// GetDraw 读回某一期的链上状态。
func (c *JSONClient) GetDraw(ctx context.Context, drawRef string) (*DrawInfo, error) {
	var info DrawInfo
	if err := c.call(ctx, "Lottery.GetDraw", []interface{}{drawRef}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetCurrentBlockHeight 返回当前链高度。
func (c *JSONClient) GetCurrentBlockHeight(ctx context.Context) (uint64, error) {
	var height uint64
	if err := c.call(ctx, "Chain.GetBlockHeight", nil, &height); err != nil {
		return 0, err
	}
	return height, nil
}
