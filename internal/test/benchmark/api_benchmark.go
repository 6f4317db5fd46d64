package benchmark

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// APIBenchmark 对运行中的服务做并发压测
type APIBenchmark struct {
	BaseURL     string
	Concurrency int
	Requests    int
	AuthToken   string
	Client      *http.Client
}

// BenchmarkResult 一个接口的压测结果
type BenchmarkResult struct {
	URL            string        `json:"url"`
	Method         string        `json:"method"`
	Concurrency    int           `json:"concurrency"`
	TotalRequests  int           `json:"total_requests"`
	SuccessCount   int           `json:"success_count"`
	FailureCount   int           `json:"failure_count"`
	RateLimited    int           `json:"rate_limited"`
	TotalTime      time.Duration `json:"total_time"`
	AverageTime    time.Duration `json:"average_time"`
	MinTime        time.Duration `json:"min_time"`
	MaxTime        time.Duration `json:"max_time"`
	P95Time        time.Duration `json:"p95_time"`
	RequestsPerSec float64       `json:"requests_per_sec"`
	StatusCodes    map[int]int   `json:"status_codes"`
	Errors         []string      `json:"errors"`
}

// SuccessRate 成功请求占比，百分数
func (r *BenchmarkResult) SuccessRate() float64 {
	if r.TotalRequests == 0 {
		return 0
	}
	return float64(r.SuccessCount) / float64(r.TotalRequests) * 100
}

type requestResult struct {
	Duration   time.Duration
	StatusCode int
	Error      error
}

// apiEnvelope 服务统一的响应格式
type apiEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// NewAPIBenchmark 创建压测实例
func NewAPIBenchmark(baseURL string, concurrency, requests int, authToken string) *APIBenchmark {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &APIBenchmark{
		BaseURL:     baseURL,
		Concurrency: concurrency,
		Requests:    requests,
		AuthToken:   authToken,
		Client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Login 用手机号密码登录，成功后后续请求都带上令牌
func (b *APIBenchmark) Login(ctx context.Context, phone, password string) error {
	payload, err := json.Marshal(map[string]string{"phone": phone, "password": password})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.BaseURL+"/auth/login", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("解析登录响应失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("登录失败: status=%d, code=%d, message=%s", resp.StatusCode, envelope.Code, envelope.Message)
	}

	var data struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(envelope.Data, &data); err != nil || data.Token == "" {
		return fmt.Errorf("登录响应缺少令牌")
	}
	b.AuthToken = data.Token
	return nil
}

// RunGET 执行GET请求的压测
func (b *APIBenchmark) RunGET(ctx context.Context, path string) *BenchmarkResult {
	return b.run(ctx, http.MethodGet, b.BaseURL+path, nil)
}

// RunPOST 执行POST请求的压测
func (b *APIBenchmark) RunPOST(ctx context.Context, path string, payload interface{}) *BenchmarkResult {
	url := b.BaseURL + path
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return &BenchmarkResult{
				URL:    url,
				Method: http.MethodPost,
				Errors: []string{fmt.Sprintf("JSON编码错误: %v", err)},
			}
		}
	}
	return b.run(ctx, http.MethodPost, url, body)
}

// run 最多 Concurrency 个请求同时进行
func (b *APIBenchmark) run(ctx context.Context, method, url string, payload []byte) *BenchmarkResult {
	results := make([]requestResult, b.Requests)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.Concurrency)

	startTime := time.Now()
	for i := 0; i < b.Requests; i++ {
		i := i
		g.Go(func() error {
			results[i] = b.do(gctx, method, url, payload)
			return nil
		})
	}
	g.Wait()

	return summarize(method, url, b.Concurrency, results, time.Since(startTime))
}

func (b *APIBenchmark) do(ctx context.Context, method, url string, payload []byte) requestResult {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return requestResult{Error: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if b.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+b.AuthToken)
	}

	resp, err := b.Client.Do(req)
	if err != nil {
		return requestResult{Error: err}
	}
	defer resp.Body.Close()
	// 读完响应体才能复用连接
	io.Copy(io.Discard, resp.Body)

	return requestResult{
		Duration:   time.Since(start),
		StatusCode: resp.StatusCode,
	}
}

func summarize(method, url string, concurrency int, results []requestResult, elapsed time.Duration) *BenchmarkResult {
	result := &BenchmarkResult{
		URL:           url,
		Method:        method,
		Concurrency:   concurrency,
		TotalRequests: len(results),
		TotalTime:     elapsed,
		StatusCodes:   make(map[int]int),
	}

	durations := make([]time.Duration, 0, len(results))
	var total time.Duration
	for _, r := range results {
		if r.Error != nil {
			result.FailureCount++
			result.Errors = append(result.Errors, r.Error.Error())
			continue
		}

		durations = append(durations, r.Duration)
		total += r.Duration
		result.StatusCodes[r.StatusCode]++
		switch {
		case r.StatusCode >= 200 && r.StatusCode < 300:
			result.SuccessCount++
		case r.StatusCode == http.StatusTooManyRequests:
			result.RateLimited++
			result.FailureCount++
		default:
			result.FailureCount++
		}
	}

	if len(durations) > 0 {
		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
		result.MinTime = durations[0]
		result.MaxTime = durations[len(durations)-1]
		result.P95Time = durations[(len(durations)*95-1)/100]
		result.AverageTime = total / time.Duration(len(durations))
	}
	if elapsed > 0 {
		result.RequestsPerSec = float64(len(results)) / elapsed.Seconds()
	}
	return result
}

// PrintResult 打印压测结果
func (r *BenchmarkResult) PrintResult() {
	fmt.Printf("压测结果: %s %s\n", r.Method, r.URL)
	fmt.Printf("并发数: %d, 总请求数: %d\n", r.Concurrency, r.TotalRequests)
	fmt.Printf("成功: %d, 失败: %d (其中限流 %d), 成功率: %.2f%%\n", r.SuccessCount, r.FailureCount, r.RateLimited, r.SuccessRate())
	fmt.Printf("总耗时: %s, 平均: %s, 最小: %s, 最大: %s, P95: %s\n", r.TotalTime, r.AverageTime, r.MinTime, r.MaxTime, r.P95Time)
	fmt.Printf("每秒请求数: %.2f\n", r.RequestsPerSec)
	fmt.Printf("状态码分布:\n")
	for code, count := range r.StatusCodes {
		fmt.Printf("  %d: %d\n", code, count)
	}
	if len(r.Errors) > 0 {
		fmt.Printf("错误信息 (最多显示5个):\n")
		for i, err := range r.Errors {
			if i >= 5 {
				fmt.Printf("  ... 还有 %d 个错误\n", len(r.Errors)-5)
				break
			}
			fmt.Printf("  %s\n", err)
		}
	}
}
