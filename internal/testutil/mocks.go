package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/bimakw/nft-indexer/internal/domain/entities"
	"github.com/bimakw/nft-indexer/internal/domain/repositories"
	"github.com/bimakw/nft-indexer/internal/infrastructure/cache"
)

type MockCall struct {
	Method string
	Args   []interface{}
}

var _ repositories.TokenTransferRepository = (*MockTokenTransferRepository)(nil)

type transferKey struct {
	hash     string
	logIndex int
	block    int64
}

// MockTokenTransferRepository is an in-memory TokenTransferRepository that skips
// rows whose (hash, log_index, block) already exists
type MockTokenTransferRepository struct {
	mu   sync.RWMutex
	rows map[transferKey]entities.TokenTransfer

	// SaveErrors are returned by successive SaveTransfers calls before any
	// row is stored; a nil entry lets that call through
	SaveErrors []error

	// Function hooks for custom behavior
	GetTransfersFunc   func(ctx context.Context, txHash string) ([]entities.TokenTransfer, error)
	CountTransfersFunc func(ctx context.Context, txHash string) (int64, error)

	// Call tracking
	Calls []MockCall
}

func NewMockTokenTransferRepository() *MockTokenTransferRepository {
	return &MockTokenTransferRepository{
		rows:  make(map[transferKey]entities.TokenTransfer),
		Calls: make([]MockCall, 0),
	}
}

func (m *MockTokenTransferRepository) SaveTransfers(ctx context.Context, transfers []entities.TokenTransfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockCall{Method: "SaveTransfers", Args: []interface{}{transfers}})

	if len(m.SaveErrors) > 0 {
		err := m.SaveErrors[0]
		m.SaveErrors = m.SaveErrors[1:]
		if err != nil {
			return err
		}
	}

	for _, t := range transfers {
		key := transferKey{hash: t.TxHash, logIndex: t.LogIndex, block: t.BlockNumber}
		if _, ok := m.rows[key]; ok {
			continue
		}
		m.rows[key] = t
	}
	return nil
}

func (m *MockTokenTransferRepository) GetTransfers(ctx context.Context, txHash string) ([]entities.TokenTransfer, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, MockCall{Method: "GetTransfers", Args: []interface{}{txHash}})
	m.mu.Unlock()

	if m.GetTransfersFunc != nil {
		return m.GetTransfersFunc(ctx, txHash)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]entities.TokenTransfer, 0)
	for key, t := range m.rows {
		if key.hash == txHash {
			result = append(result, t)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].LogIndex < result[j].LogIndex })

	return result, nil
}

func (m *MockTokenTransferRepository) CountTransfers(ctx context.Context, txHash string) (int64, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, MockCall{Method: "CountTransfers", Args: []interface{}{txHash}})
	m.mu.Unlock()

	if m.CountTransfersFunc != nil {
		return m.CountTransfersFunc(ctx, txHash)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for key := range m.rows {
		if key.hash == txHash {
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored rows
func (m *MockTokenTransferRepository) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}

// CallCount returns how many times method was called
func (m *MockTokenTransferRepository) CallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, c := range m.Calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// AddTransfers stores transfers directly
func (m *MockTokenTransferRepository) AddTransfers(transfers ...entities.TokenTransfer) {
	_ = m.SaveTransfers(context.Background(), transfers)
}

func (m *MockTokenTransferRepository) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = make(map[transferKey]entities.TokenTransfer)
	m.SaveErrors = nil
	m.Calls = make([]MockCall, 0)
}

var _ repositories.BackfillStateRepository = (*MockBackfillStateRepository)(nil)

// MockBackfillStateRepository is a mock implementation of BackfillStateRepository
type MockBackfillStateRepository struct {
	mu     sync.RWMutex
	states map[string]*entities.BackfillState

	UpsertFunc func(ctx context.Context, state *entities.BackfillState) error

	Calls []MockCall
}

func NewMockBackfillStateRepository() *MockBackfillStateRepository {
	return &MockBackfillStateRepository{
		states: make(map[string]*entities.BackfillState),
		Calls:  make([]MockCall, 0),
	}
}

func (m *MockBackfillStateRepository) Get(ctx context.Context, name string) (*entities.BackfillState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockCall{Method: "Get", Args: []interface{}{name}})

	state, ok := m.states[name]
	if !ok {
		return nil, nil
	}
	out := *state
	return &out, nil
}

// Upsert stores the state, accumulating the enqueued count like the database does
func (m *MockBackfillStateRepository) Upsert(ctx context.Context, state *entities.BackfillState) error {
	m.mu.Lock()
	m.Calls = append(m.Calls, MockCall{Method: "Upsert", Args: []interface{}{*state}})
	m.mu.Unlock()

	if m.UpsertFunc != nil {
		return m.UpsertFunc(ctx, state)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *state
	if prev, ok := m.states[state.Name]; ok {
		stored.EnqueuedCount += prev.EnqueuedCount
	}
	m.states[state.Name] = &stored
	return nil
}

// MockLogFetcher serves transaction logs from memory
type MockLogFetcher struct {
	mu   sync.RWMutex
	logs map[string][]types.Log

	GetTransactionLogsFunc func(ctx context.Context, txHash string) ([]types.Log, error)

	Calls []MockCall
}

func NewMockLogFetcher() *MockLogFetcher {
	return &MockLogFetcher{
		logs:  make(map[string][]types.Log),
		Calls: make([]MockCall, 0),
	}
}

// SetLogs registers the logs returned for txHash
func (m *MockLogFetcher) SetLogs(txHash string, logs ...types.Log) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[txHash] = logs
}

func (m *MockLogFetcher) GetTransactionLogs(ctx context.Context, txHash string) ([]types.Log, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, MockCall{Method: "GetTransactionLogs", Args: []interface{}{txHash}})
	m.mu.Unlock()

	if m.GetTransactionLogsFunc != nil {
		return m.GetTransactionLogsFunc(ctx, txHash)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	logs, ok := m.logs[txHash]
	if !ok {
		return nil, errors.New("transaction not found")
	}
	return logs, nil
}

// MockTransferScanner returns canned transaction hashes per block window
type MockTransferScanner struct {
	mu sync.Mutex

	FetchTransferTxHashesFunc func(ctx context.Context, contracts []string, fromBlock, toBlock int64) ([]string, error)

	Calls []MockCall
}

func NewMockTransferScanner() *MockTransferScanner {
	return &MockTransferScanner{Calls: make([]MockCall, 0)}
}

func (m *MockTransferScanner) FetchTransferTxHashes(ctx context.Context, contracts []string, fromBlock, toBlock int64) ([]string, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, MockCall{Method: "FetchTransferTxHashes", Args: []interface{}{contracts, fromBlock, toBlock}})
	m.mu.Unlock()

	if m.FetchTransferTxHashesFunc != nil {
		return m.FetchTransferTxHashesFunc(ctx, contracts, fromBlock, toBlock)
	}
	return nil, nil
}

// MockCache is an in-memory response cache storing JSON like the Redis cache
type MockCache struct {
	mu   sync.RWMutex
	data map[string][]byte

	SetErr error

	Calls []MockCall
}

func NewMockCache() *MockCache {
	return &MockCache{
		data:  make(map[string][]byte),
		Calls: make([]MockCall, 0),
	}
}

func (m *MockCache) Get(ctx context.Context, key string, dest interface{}) error {
	m.mu.Lock()
	m.Calls = append(m.Calls, MockCall{Method: "Get", Args: []interface{}{key}})
	raw, ok := m.data[key]
	m.mu.Unlock()

	if !ok {
		return cache.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (m *MockCache) Set(ctx context.Context, key string, value interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockCall{Method: "Set", Args: []interface{}{key}})

	if m.SetErr != nil {
		return m.SetErr
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.data[key] = raw
	return nil
}

// Has reports whether key is cached
func (m *MockCache) Has(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[key]
	return ok
}

// MockHealthChecker is a mock implementation of HealthChecker
type MockHealthChecker struct {
	mu sync.RWMutex

	Healthy bool
	Error   error
	Calls   []MockCall
}

func NewMockHealthChecker(healthy bool) *MockHealthChecker {
	var err error
	if !healthy {
		err = errors.New("health check failed")
	}
	return &MockHealthChecker{
		Healthy: healthy,
		Error:   err,
		Calls:   make([]MockCall, 0),
	}
}

func (m *MockHealthChecker) HealthCheck(ctx context.Context) error {
	m.mu.Lock()
	m.Calls = append(m.Calls, MockCall{Method: "HealthCheck", Args: nil})
	m.mu.Unlock()

	return m.Error
}

func (m *MockHealthChecker) SetHealthy(healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Healthy = healthy
	if healthy {
		m.Error = nil
	} else {
		m.Error = errors.New("health check failed")
	}
}
