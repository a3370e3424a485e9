package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"connector_go/internal/domain"
)

// fakeClock advances whenever the engine sleeps, so retry and confirmation
// waits take no real time.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// fakeClient scripts the venue: each submission gets a sequential signature,
// and confirmOn decides which attempt finally confirms.
type fakeClient struct {
	mu sync.Mutex

	estimate      uint64
	estimateErr   error
	estimateCalls int

	submitErr error
	submits   []uint64 // fee per compute unit, one per attempt
	confirmOn int      // 1-based attempt that confirms; 0 means never
}

func (c *fakeClient) EstimateFee(ctx context.Context, chain, network string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.estimateCalls++
	return c.estimate, c.estimateErr
}

func (c *fakeClient) Submit(ctx context.Context, chain, network, connector, method string,
	params TxParams, feePerComputeUnit, computeUnits uint64) (SubmitResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.submitErr != nil {
		return SubmitResult{}, c.submitErr
	}
	c.submits = append(c.submits, feePerComputeUnit)
	return SubmitResult{Signature: fmt.Sprintf("sig-%d", len(c.submits))}, nil
}

func (c *fakeClient) Poll(ctx context.Context, chain, network, signature string) (PollResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.confirmOn > 0 && signature == fmt.Sprintf("sig-%d", c.confirmOn) {
		return PollResult{Confirmed: true}, nil
	}
	return PollResult{Failed: true}, nil
}

// fakeUpdater records the state transitions the engine reports.
type fakeUpdater struct {
	mu      sync.Mutex
	updates []domain.OrderUpdate
}

func (u *fakeUpdater) ApplyOrderUpdate(up domain.OrderUpdate) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.updates = append(u.updates, up)
}

func (u *fakeUpdater) states() []domain.OrderState {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]domain.OrderState, len(u.updates))
	for i, up := range u.updates {
		out[i] = up.NewState
	}
	return out
}

func (u *fakeUpdater) last() domain.OrderUpdate {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.updates[len(u.updates)-1]
}

// testConfig keeps the fee bounds wide so clamping stays out of the way
// unless a test narrows them.
func testConfig() Config {
	return Config{
		RetryCount:          3,
		RetryInterval:       2 * time.Second,
		RetryFeeMultiplier:  2.0,
		GasEstimateInterval: 60 * time.Second,
		MinFee:              0.000000001, // 1 gwei equivalent
		MaxFee:              1,
		DefaultComputeUnits: 200_000,
		ConfirmTimeout:      10 * time.Second,
	}
}

func newTestEngine(cfg Config, client *fakeClient) (*RetryEngine, *fakeUpdater) {
	updater := &fakeUpdater{}
	return NewRetryEngine(cfg, client, updater, nil, newFakeClock(), nil, nil), updater
}

// Two attempts fail to confirm; the third, at fee x4, lands.
func TestRetryEngine_FeeEscalation(t *testing.T) {
	client := &fakeClient{estimate: 500, confirmOn: 3}
	engine, updater := newTestEngine(testConfig(), client)

	err := engine.ExecuteTransaction(context.Background(),
		"ethereum", "mainnet", "uniswap", "swap", TxParams{"amount": "1"}, "c-1")
	if err != nil {
		t.Fatalf("ExecuteTransaction: %v", err)
	}

	want := []uint64{500, 1000, 2000}
	if len(client.submits) != len(want) {
		t.Fatalf("submits = %v, want %v", client.submits, want)
	}
	for i := range want {
		if client.submits[i] != want[i] {
			t.Errorf("attempt %d fee = %d, want %d", i+1, client.submits[i], want[i])
		}
	}

	if got := updater.last(); got.NewState != domain.StateFilled || got.ClientOrderID != "c-1" {
		t.Errorf("final update = %+v, want FILLED for c-1", got)
	}

	p, ok := engine.Pending("c-1")
	if !ok || p.AttemptNumber != 3 || p.FeePerComputeUnit != 2000 || p.SubmittedSignature != "sig-3" {
		t.Errorf("pending = %+v", p)
	}
}

func TestRetryEngine_SignatureReportedAsExchangeID(t *testing.T) {
	client := &fakeClient{estimate: 500, confirmOn: 1}
	engine, updater := newTestEngine(testConfig(), client)

	if err := engine.ExecuteTransaction(context.Background(),
		"solana", "mainnet", "jupiter", "swap", nil, "c-1"); err != nil {
		t.Fatalf("ExecuteTransaction: %v", err)
	}

	states := updater.states()
	if len(states) != 2 || states[0] != domain.StateOpen || states[1] != domain.StateFilled {
		t.Fatalf("states = %v, want [OPEN FILLED]", states)
	}
	updater.mu.Lock()
	open := updater.updates[0]
	updater.mu.Unlock()
	if open.ExchangeOrderID != "sig-1" {
		t.Errorf("exchange order id = %q, want the signature", open.ExchangeOrderID)
	}
}

func TestRetryEngine_Exhaustion(t *testing.T) {
	client := &fakeClient{estimate: 500} // never confirms
	engine, updater := newTestEngine(testConfig(), client)

	err := engine.ExecuteTransaction(context.Background(),
		"ethereum", "mainnet", "uniswap", "swap", nil, "c-1")
	if err == nil {
		t.Fatal("exhausted transaction must return an error")
	}

	if got := len(client.submits); got != 4 {
		t.Errorf("attempts = %d, want retry count + 1 = 4", got)
	}
	if got := updater.last(); got.NewState != domain.StateFailed {
		t.Errorf("final update = %+v, want FAILED", got)
	}
}

func TestRetryEngine_FeeClampedAtMax(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFee = 0.0000015 // 1500 per unit on an EVM chain
	client := &fakeClient{estimate: 500}
	engine, _ := newTestEngine(cfg, client)

	engine.ExecuteTransaction(context.Background(),
		"ethereum", "mainnet", "uniswap", "swap", nil, "c-1")

	want := []uint64{500, 1000, 1500, 1500}
	for i := range want {
		if client.submits[i] != want[i] {
			t.Errorf("attempt %d fee = %d, want %d", i+1, client.submits[i], want[i])
		}
	}
}

func TestRetryEngine_SolanaFeeBounds(t *testing.T) {
	cfg := testConfig()
	cfg.MinFee = 0.0001
	cfg.MaxFee = 0.01
	cfg.DefaultComputeUnits = 200_000
	client := &fakeClient{estimate: 1, confirmOn: 1} // well under the floor
	engine, _ := newTestEngine(cfg, client)

	engine.ExecuteTransaction(context.Background(),
		"solana", "mainnet", "jupiter", "swap", nil, "c-1")

	// 0.0001 SOL over 200k compute units = 500k microlamports per unit.
	if client.submits[0] != 500_000 {
		t.Errorf("first fee = %d, want floor 500000", client.submits[0])
	}
}

func TestRetryEngine_ZeroComputeUnits(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultComputeUnits = 0
	client := &fakeClient{estimate: 500}
	engine, updater := newTestEngine(cfg, client)

	err := engine.ExecuteTransaction(context.Background(),
		"ethereum", "mainnet", "uniswap", "swap", nil, "c-1")
	if err == nil {
		t.Fatal("want error when no compute units are known")
	}
	if got := updater.last(); got.NewState != domain.StateFailed {
		t.Errorf("final update = %+v, want FAILED", got)
	}
	if len(client.submits) != 0 {
		t.Error("nothing should be submitted without compute units")
	}
}

func TestRetryEngine_ComputeUnitsCachedAfterConfirm(t *testing.T) {
	client := &fakeClient{estimate: 500, confirmOn: 1}
	engine, _ := newTestEngine(testConfig(), client)

	engine.ExecuteTransaction(context.Background(),
		"ethereum", "mainnet", "uniswap", "swap", nil, "c-1")

	if got := engine.computeUnitsFor("swap", "uniswap", "mainnet"); got != 200_000 {
		t.Errorf("cached compute units = %d, want 200000", got)
	}
	// Another operation kind still falls back to the default.
	if got := engine.computeUnitsFor("addLiquidity", "uniswap", "mainnet"); got != 200_000 {
		t.Errorf("uncached kind = %d, want default", got)
	}
}

func TestRetryEngine_FeeEstimateCached(t *testing.T) {
	client := &fakeClient{estimate: 500, confirmOn: 1}
	engine, _ := newTestEngine(testConfig(), client)

	engine.ExecuteTransaction(context.Background(),
		"ethereum", "mainnet", "uniswap", "swap", nil, "c-1")
	client.confirmOn = 2
	engine.ExecuteTransaction(context.Background(),
		"ethereum", "mainnet", "uniswap", "swap", nil, "c-2")

	if client.estimateCalls != 1 {
		t.Errorf("estimate calls = %d, want 1 within the cache interval", client.estimateCalls)
	}
}

func TestRetryEngine_SubmitErrorRetries(t *testing.T) {
	client := &fakeClient{estimate: 500, submitErr: errors.New("gateway unavailable")}
	engine, updater := newTestEngine(testConfig(), client)

	err := engine.ExecuteTransaction(context.Background(),
		"ethereum", "mainnet", "uniswap", "swap", nil, "c-1")
	if err == nil {
		t.Fatal("persistent submit errors must exhaust the loop")
	}
	if got := updater.last(); got.NewState != domain.StateFailed {
		t.Errorf("final update = %+v, want FAILED", got)
	}
}
