package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	serrors "github.com/herbtrace/anchor/pkg/errors"
	"github.com/herbtrace/anchor/pkg/types"
)

// MockConfig configures the reference gateway.
type MockConfig struct {
	MinLatency  time.Duration
	MaxLatency  time.Duration
	FailureRate float64
	Seed        int64
	// FailFirst makes the first N submissions fail regardless of FailureRate
	FailFirst int
	// Unreachable makes Connect fail
	Unreachable bool
}

// Submission records one call to SubmitTransaction.
type Submission struct {
	Chaincode string
	Function  string
	Args      []string
	Receipt   types.LedgerReceipt
	Err       error
	At        time.Time
}

// MockGateway is an in-process ledger peer that simulates latency and a
// configurable random failure rate. Each instance is independent.
type MockGateway struct {
	cfg MockConfig

	mu          sync.Mutex
	rng         *rand.Rand
	connected   bool
	calls       int
	block       uint64
	txs         map[string]types.TxInfo
	submissions []Submission
	inflight    map[string]int
	maxInflight map[string]int
	failFn      func(call int, args []string) error
}

// NewMockGateway creates a reference gateway.
func NewMockGateway(cfg MockConfig) *MockGateway {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &MockGateway{
		cfg:         cfg,
		rng:         rand.New(rand.NewSource(seed)),
		txs:         make(map[string]types.TxInfo),
		inflight:    make(map[string]int),
		maxInflight: make(map[string]int),
	}
}

// SetFailureFunc installs a hook deciding per call whether a submission fails.
// A nil return lets the call proceed to the random failure draw.
func (m *MockGateway) SetFailureFunc(fn func(call int, args []string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFn = fn
}

// SetUnreachable toggles whether Connect fails.
func (m *MockGateway) SetUnreachable(unreachable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Unreachable = unreachable
}

func (m *MockGateway) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected {
		return nil
	}
	if m.cfg.Unreachable {
		return serrors.Connection("connect", errors.New("mock peer unreachable"))
	}
	m.connected = true
	return nil
}

func (m *MockGateway) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *MockGateway) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockGateway) SubmitTransaction(ctx context.Context, chaincode, function string, args ...string) (types.LedgerReceipt, error) {
	key := ""
	if len(args) > 0 {
		key = args[0]
	}

	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return types.LedgerReceipt{}, serrors.Connection("submit", errors.New("gateway not connected"))
	}
	m.calls++
	call := m.calls
	m.inflight[key]++
	if m.inflight[key] > m.maxInflight[key] {
		m.maxInflight[key] = m.inflight[key]
	}
	latency := m.latencyLocked()
	failFn := m.failFn
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inflight[key]--
		m.mu.Unlock()
	}()

	if latency > 0 {
		// the simulated network call is not cancelable once issued
		time.Sleep(latency)
	}

	var err error
	if call <= m.cfg.FailFirst {
		err = fmt.Errorf("simulated rejection on call %d", call)
	} else if failFn != nil {
		err = failFn(call, args)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil && m.cfg.FailureRate > 0 && m.rng.Float64() < m.cfg.FailureRate {
		err = errors.New("simulated network failure")
	}

	sub := Submission{Chaincode: chaincode, Function: function, Args: append([]string(nil), args...), At: time.Now()}
	if err != nil {
		sub.Err = serrors.Submission("submit", err)
		m.submissions = append(m.submissions, sub)
		return types.LedgerReceipt{}, sub.Err
	}

	m.block++
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d|%d", chaincode, function, strings.Join(args, "|"), call, m.rng.Int63())))
	blockSum := sha256.Sum256([]byte(fmt.Sprintf("block-%d-%x", m.block, sum[:8])))
	receipt := types.LedgerReceipt{
		TxID:      hex.EncodeToString(sum[:]),
		BlockHash: hex.EncodeToString(blockSum[:]),
	}
	m.txs[receipt.TxID] = types.TxInfo{
		TxID:        receipt.TxID,
		Status:      "VALID",
		BlockNumber: m.block,
		Timestamp:   sub.At,
	}
	sub.Receipt = receipt
	m.submissions = append(m.submissions, sub)
	return receipt, nil
}

func (m *MockGateway) QueryTransaction(ctx context.Context, txID string) (types.TxInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return types.TxInfo{}, serrors.Connection("query", errors.New("gateway not connected"))
	}
	info, ok := m.txs[txID]
	if !ok {
		return types.TxInfo{}, serrors.NotFound("query", "transaction", txID)
	}
	return info, nil
}

// Submissions returns a copy of every recorded submission.
func (m *MockGateway) Submissions() []Submission {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Submission(nil), m.submissions...)
}

// SubmissionsFor returns submissions whose first argument is key.
func (m *MockGateway) SubmissionsFor(key string) []Submission {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Submission
	for _, s := range m.submissions {
		if len(s.Args) > 0 && s.Args[0] == key {
			out = append(out, s)
		}
	}
	return out
}

// MaxInflight returns the highest number of concurrent submissions observed
// for a key (the first submission argument, the event id).
func (m *MockGateway) MaxInflight(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInflight[key]
}

func (m *MockGateway) latencyLocked() time.Duration {
	lo, hi := m.cfg.MinLatency, m.cfg.MaxLatency
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(m.rng.Int63n(int64(hi-lo)))
}
