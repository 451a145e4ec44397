package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Strob0t/omnitask/internal/adapter/ws"
	"github.com/Strob0t/omnitask/internal/config"
	"github.com/Strob0t/omnitask/internal/domain"
	"github.com/Strob0t/omnitask/internal/domain/ledger"
	"github.com/Strob0t/omnitask/internal/domain/pricing"
	"github.com/Strob0t/omnitask/internal/domain/task"
	"github.com/Strob0t/omnitask/internal/port/aiprovider"
	"github.com/Strob0t/omnitask/internal/port/lease"
	"github.com/Strob0t/omnitask/internal/port/messagequeue"
)

// --- mockStore: in-memory database.Store and ledger.Ledger ---

type mockStore struct {
	mu       sync.Mutex
	tasks    map[string]*task.Task
	messages map[string][]task.Message
	accounts map[string]*ledger.Account
	entries  []ledger.Entry
	seq      int

	// beforeCommit runs inside CommitTransition before the version check.
	beforeCommit func(tr *task.Transition)
	commitErr    error
}

func newMockStore() *mockStore {
	return &mockStore{
		tasks:    make(map[string]*task.Task),
		messages: make(map[string][]task.Message),
		accounts: make(map[string]*ledger.Account),
	}
}

func (m *mockStore) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

func (m *mockStore) account(userID string) *ledger.Account {
	a, ok := m.accounts[userID]
	if !ok {
		a = &ledger.Account{UserID: userID, Plan: ledger.PlanFree, MonthlyLimit: 10}
		m.accounts[userID] = a
	}
	return a
}

// fund sets the user's balance.
func (m *mockStore) fund(userID string, balance float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account(userID).Balance = balance
}

func (m *mockStore) balance(userID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ledger.Round(m.account(userID).Balance, 6)
}

func (m *mockStore) entriesOf(kind ledger.Kind) []ledger.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ledger.Entry
	for _, e := range m.entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// put stores a task as-is, for tests that start mid-pipeline.
func (m *mockStore) put(t *task.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Version == 0 {
		t.Version = 1
	}
	m.tasks[t.ID] = t.Clone()
}

func (m *mockStore) get(id string) *task.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[id].Clone()
}

func (m *mockStore) CreateTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.ID = m.nextID("task")
	t.Version = 1
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (m *mockStore) GetTask(_ context.Context, id string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("get task %s: %w", id, domain.ErrNotFound)
	}
	return t.Clone(), nil
}

func (m *mockStore) ListTasks(_ context.Context, userID string, limit, offset int) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []task.Task
	for _, t := range m.tasks {
		if t.UserID == userID {
			out = append(out, *t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockStore) DeleteTask(_ context.Context, id string, blocked []task.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.ErrNotFound
	}
	for _, s := range blocked {
		if t.Status == s {
			return domain.ErrConflict
		}
	}
	delete(m.tasks, id)
	delete(m.messages, id)
	return nil
}

func (m *mockStore) CommitTransition(_ context.Context, tr *task.Transition) error {
	if m.beforeCommit != nil {
		m.beforeCommit(tr)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return m.commitErr
	}
	t := tr.Task
	cur, ok := m.tasks[t.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Status != tr.From || cur.Version != t.Version {
		return fmt.Errorf("commit %s: %w", t.ID, domain.ErrConflict)
	}

	acct := m.account(t.UserID)
	balance := acct.Balance
	for _, e := range tr.Entries {
		if e.Amount < 0 && !e.AllowOverdraft && balance+e.Amount < 0 {
			return domain.ErrInsufficientFunds
		}
		balance += e.Amount
	}
	before := cur.FinalCost
	after := before + tr.Cost
	if t.Paid() {
		balance -= ledger.UsageDelta(cur.EstimatedCost, before, after)
	}

	acct.Balance = balance
	for _, e := range tr.Entries {
		e.UserID, e.TaskID = t.UserID, t.ID
		m.entries = append(m.entries, e)
	}
	if t.Paid() {
		if d := ledger.UsageDelta(cur.EstimatedCost, before, after); d > 0 {
			m.entries = append(m.entries, ledger.Entry{UserID: t.UserID, TaskID: t.ID, Kind: ledger.KindUsage, Amount: -d})
		}
	}
	m.appendMessages(t.ID, tr.Messages)

	t.FinalCost = after
	t.TokensUsed = cur.TokensUsed + tr.Tokens
	t.Version = cur.Version + 1
	t.UpdatedAt = time.Now()
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (m *mockStore) appendMessages(taskID string, msgs []task.Message) {
	for i := range msgs {
		msgs[i].ID = m.nextID("msg")
		msgs[i].TaskID = taskID
		m.messages[taskID] = append(m.messages[taskID], msgs[i])
	}
}

func (m *mockStore) RecordUsage(_ context.Context, taskID string, msgs []task.Message, costUSD float64, tokens int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return domain.ErrNotFound
	}
	before := t.FinalCost
	t.FinalCost += costUSD
	t.TokensUsed += tokens
	if t.Paid() {
		m.account(t.UserID).Balance -= ledger.UsageDelta(t.EstimatedCost, before, t.FinalCost)
	}
	m.appendMessages(taskID, msgs)
	return nil
}

func (m *mockStore) ListMessages(_ context.Context, taskID string) ([]task.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]task.Message(nil), m.messages[taskID]...), nil
}

func (m *mockStore) ListStaleTasks(_ context.Context, statuses []task.Status, before time.Time, limit int) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []task.Task
	for _, t := range m.tasks {
		if !t.UpdatedAt.Before(before) {
			continue
		}
		for _, s := range statuses {
			if t.Status == s {
				out = append(out, *t.Clone())
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockStore) Ping(context.Context) error { return nil }

func (m *mockStore) Account(_ context.Context, userID string) (*ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := *m.account(userID)
	return &a, nil
}

func (m *mockStore) Debit(_ context.Context, userID string, amount float64, kind ledger.Kind) (*ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.account(userID)
	if a.Balance < amount {
		return nil, domain.ErrInsufficientFunds
	}
	a.Balance -= amount
	m.entries = append(m.entries, ledger.Entry{UserID: userID, Kind: kind, Amount: -amount})
	c := *a
	return &c, nil
}

func (m *mockStore) Credit(_ context.Context, userID string, amount float64, kind ledger.Kind) (*ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.account(userID)
	a.Balance += amount
	m.entries = append(m.entries, ledger.Entry{UserID: userID, Kind: kind, Amount: amount})
	c := *a
	return &c, nil
}

func (m *mockStore) Entries(_ context.Context, userID string, limit int) ([]ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ledger.Entry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].UserID == userID {
			out = append(out, m.entries[i])
		}
	}
	return out, nil
}

// --- mockQueue ---

type published struct {
	subject string
	data    []byte
}

type mockQueue struct {
	mu         sync.Mutex
	published  []published
	publishErr error
	handler    messagequeue.Handler
}

func (q *mockQueue) Publish(_ context.Context, subject string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.publishErr != nil {
		return q.publishErr
	}
	q.published = append(q.published, published{subject, data})
	return nil
}

func (q *mockQueue) Subscribe(_ context.Context, _ string, h messagequeue.Handler) (func(), error) {
	q.handler = h
	return func() {}, nil
}

func (q *mockQueue) Drain() error      { return nil }
func (q *mockQueue) Close() error      { return nil }
func (q *mockQueue) IsConnected() bool { return true }

func (q *mockQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.published)
}

// --- fakeProvider ---

type fakeProvider struct {
	name    string
	healthy bool
	// reply answers each call; phase is derived from the request temperature.
	reply func(phase string, req aiprovider.Request) (*aiprovider.Completion, error)

	mu    sync.Mutex
	calls []string
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Complete(ctx context.Context, req aiprovider.Request) (*aiprovider.Completion, error) {
	phase := phaseOf(req)
	p.mu.Lock()
	p.calls = append(p.calls, phase)
	p.mu.Unlock()
	if p.reply == nil {
		return nil, fmt.Errorf("%s: %w", p.name, aiprovider.ErrUnavailable)
	}
	return p.reply(phase, req)
}

func (p *fakeProvider) EstimateCost(in, out int, _ string) float64 { return float64(in+out) / 1e6 }
func (p *fakeProvider) CountTokens(text, _ string) int             { return len(text) / 4 }
func (p *fakeProvider) HealthCheck(context.Context) bool           { return p.healthy }

func (p *fakeProvider) callCount(phase string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c == phase {
			n++
		}
	}
	return n
}

func phaseOf(req aiprovider.Request) string {
	switch {
	case req.Temperature == analysisTemperature:
		return "analysis"
	case req.Temperature == planningTemperature:
		return "planning"
	case req.MaxTokens == chatMaxTokens:
		return "chat"
	default:
		return "execution"
	}
}

const (
	analysisJSON      = `{"intent":"write a haiku","category":"writing","complexity":"low","output_type":"text","needs_clarification":false,"questions":[],"estimated_steps":1,"key_requirements":["haiku"]}`
	clarifyJSON       = `{"intent":"write a poem","category":"writing","complexity":"low","output_type":"text","needs_clarification":true,"questions":["Which topic?"],"estimated_steps":1}`
	planJSON          = `{"steps":[{"step_number":1,"action":"Write","details":"write it","estimated_tokens":200}],"total_estimated_tokens":200,"expected_output":"a haiku","tools_needed":[]}`
	executionResponse = "Autumn moonlight / a worm digs silently / into the chestnut"
)

// workingReply is a provider that completes every phase.
func workingReply(phase string, _ aiprovider.Request) (*aiprovider.Completion, error) {
	switch phase {
	case "analysis":
		return &aiprovider.Completion{Text: analysisJSON, TokensUsed: 100, CostUSD: 0.01}, nil
	case "planning":
		return &aiprovider.Completion{Text: planJSON, TokensUsed: 100, CostUSD: 0.01}, nil
	case "chat":
		return &aiprovider.Completion{Text: "It is about autumn.", TokensUsed: 50, CostUSD: 0.005}, nil
	default:
		return &aiprovider.Completion{Text: executionResponse, TokensUsed: 300, CostUSD: 0.03}, nil
	}
}

// failingExecution completes analysis and planning but fails execution.
func failingExecution(phase string, req aiprovider.Request) (*aiprovider.Completion, error) {
	if phase == "execution" {
		return nil, fmt.Errorf("%w: boom", aiprovider.ErrUnavailable)
	}
	return workingReply(phase, req)
}

func newRegistry(providers ...*fakeProvider) *aiprovider.Registry {
	r := aiprovider.NewRegistry()
	for _, p := range providers {
		r.Register(p.name, func() (aiprovider.Provider, error) { return p, nil })
	}
	return r
}

// --- fakeLocker ---

type fakeLocker struct {
	mu   sync.Mutex
	held map[string]string
}

func newFakeLocker() *fakeLocker { return &fakeLocker{held: make(map[string]string)} }

func (l *fakeLocker) Acquire(_ context.Context, key, owner string) (lease.Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, lease.ErrHeld
	}
	l.held[key] = owner
	return &fakeLease{locker: l, key: key}, nil
}

type fakeLease struct {
	locker *fakeLocker
	key    string
}

func (f *fakeLease) Refresh(context.Context) error { return nil }

func (f *fakeLease) Release(context.Context) error {
	f.locker.mu.Lock()
	defer f.locker.mu.Unlock()
	delete(f.locker.held, f.key)
	return nil
}

// --- recordingBroadcaster ---

type recordedEvent struct {
	userID    string
	eventType string
	payload   any
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (b *recordingBroadcaster) BroadcastEvent(_ context.Context, userID, eventType string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, recordedEvent{userID, eventType, payload})
}

func (b *recordingBroadcaster) count(eventType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.eventType == eventType {
			n++
		}
	}
	return n
}

func (b *recordingBroadcaster) lastStatus() (ws.TaskStatusEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.events) - 1; i >= 0; i-- {
		if ev, ok := b.events[i].payload.(ws.TaskStatusEvent); ok {
			return ev, true
		}
	}
	return ws.TaskStatusEvent{}, false
}

// --- test environment ---

type testEnv struct {
	store    *mockStore
	queue    *mockQueue
	events   *recordingBroadcaster
	locker   *fakeLocker
	selector *Selector
	tasks    *TaskService
	orch     *Orchestrator
	chat     *ChatService
}

func testOrchestratorConfig() config.Orchestrator {
	return config.Orchestrator{
		MaxRetries:       2,
		AnalysisTimeout:  time.Second,
		PlanningTimeout:  time.Second,
		ExecutionTimeout: time.Second,
		ChatTimeout:      time.Second,
		HealthTimeout:    time.Second,
		LeaseTTL:         time.Minute,
		MaxTokens:        4096,
	}
}

func newTestEnv(providers ...*fakeProvider) *testEnv {
	return newTestEnvWithConfig(testOrchestratorConfig(), providers...)
}

func newTestEnvWithConfig(cfg config.Orchestrator, providers ...*fakeProvider) *testEnv {
	env := &testEnv{
		store:  newMockStore(),
		queue:  &mockQueue{},
		events: &recordingBroadcaster{},
		locker: newFakeLocker(),
	}
	env.selector = NewSelector(newRegistry(providers...), nil, time.Minute, cfg.HealthTimeout)
	engine := pricing.NewEngine(pricing.DefaultThresholdRule(), "EUR", nil)
	env.tasks = NewTaskService(env.store, env.store, env.queue, NewPricingService(engine, env.selector), env.events, nil)
	env.orch = NewOrchestrator(env.store, env.selector, env.locker, env.events, nil, cfg)
	env.chat = NewChatService(env.tasks, env.store, env.selector, env.events, nil, cfg.ChatTimeout)
	return env
}

// paidTask stores a task that has been paid for and is waiting in status.
func (env *testEnv) paidTask(id, provider string, status task.Status, hold float64) *task.Task {
	paid := time.Now()
	t := &task.Task{
		ID:            id,
		UserID:        "u1",
		Description:   "write a haiku about autumn",
		Urgency:       task.UrgencyFlexible,
		Provider:      provider,
		Status:        status,
		EstimatedCost: hold,
		PaidAt:        &paid,
		UpdatedAt:     time.Now(),
	}
	env.store.put(t)
	return t
}
