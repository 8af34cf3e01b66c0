package gather

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gatherbridge/internal/domain"
	"gatherbridge/internal/provider"
)

type fakeCall struct {
	name string
	args map[string]any
}

// fakeTransport replays scripted results per tool name and records every
// invocation in order.
type fakeTransport struct {
	mu      sync.Mutex
	calls   []fakeCall
	results map[string][]map[string]any
	errs    map[string]error
	closed  bool
}

func (f *fakeTransport) CallTool(_ context.Context, name string, args map[string]any, _ CallOptions) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fakeCall{name: name, args: args})
	if err, ok := f.errs[name]; ok && err != nil {
		return nil, err
	}
	queue := f.results[name]
	if len(queue) == 0 {
		return map[string]any{}, nil
	}
	out := queue[0]
	f.results[name] = queue[1:]
	return out, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) callNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, len(f.calls))
	for i, c := range f.calls {
		names[i] = c.name
	}
	return names
}

func testRegistry(t *testing.T) *provider.Registry {
	t.Helper()
	reg, err := provider.NewRegistry([]provider.Config{{
		ID:   "acme",
		Name: "Acme",
		Tools: []provider.ToolStep{
			{Name: "acme_get_purchase_history"},
			{
				Name:    "acme_get_purchase_details",
				ForEach: "purchase_history",
				Args:    map[string]string{"order_id": "order_id"},
			},
		},
	}})
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func newTestService(t *testing.T, dial DialFunc) *Service {
	t.Helper()
	store := NewStore(dial, slog.Default())
	return NewService(store, testRegistry(t), ServiceConfig{
		PollInterval:    time.Millisecond,
		PollMaxAttempts: 3,
	}, slog.Default())
}

func TestRetrieveDataRunsChainAndJoins(t *testing.T) {
	transport := &fakeTransport{results: map[string][]map[string]any{
		"acme_get_purchase_history": {{
			"purchase_history": []any{
				map[string]any{"order_id": "111", "product_names": []any{"stale"}},
				map[string]any{"order_id": "222"},
			},
		}},
		"acme_get_purchase_details": {
			{"purchase_history_details": []any{map[string]any{
				"order_id":      "111",
				"product_names": []any{"widget"},
				"image_urls":    []any{"https://img/widget.png"},
			}}},
			{"purchase_history_details": []any{}},
		},
	}}
	svc := newTestService(t, func(context.Context, string) (Transport, error) {
		return transport, nil
	})

	result, err := svc.RetrieveData(context.Background(), "acme", "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if result.Login != nil {
		t.Fatal("unexpected login challenge")
	}

	wantCalls := []string{
		"acme_get_purchase_history",
		"acme_get_purchase_details",
		"acme_get_purchase_details",
	}
	if got := transport.callNames(); !reflect.DeepEqual(got, wantCalls) {
		t.Fatalf("calls = %v, want %v", got, wantCalls)
	}
	if got := transport.calls[1].args["order_id"]; got != "111" {
		t.Errorf("first detail call order_id = %v, want 111", got)
	}
	if got := transport.calls[2].args["order_id"]; got != "222" {
		t.Errorf("second detail call order_id = %v, want 222", got)
	}

	history := result.Data["purchase_history"].([]any)
	joined := history[0].(map[string]any)
	if !reflect.DeepEqual(joined["product_names"], []any{"widget"}) {
		t.Errorf("joined product_names = %v", joined["product_names"])
	}
	if !reflect.DeepEqual(joined["image_urls"], []any{"https://img/widget.png"}) {
		t.Errorf("joined image_urls = %v", joined["image_urls"])
	}
	// 222 had no matching detail and must keep its original shape.
	unmatched := history[1].(map[string]any)
	if _, has := unmatched["product_names"]; has {
		t.Error("unmatched summary gained product_names")
	}
}

func TestRetrieveDataEscalatesLogin(t *testing.T) {
	transport := &fakeTransport{results: map[string][]map[string]any{
		"acme_get_purchase_history": {{
			"url":     "https://upstream.example/signin/abc",
			"link_id": "link-9",
		}},
	}}
	svc := newTestService(t, func(context.Context, string) (Transport, error) {
		return transport, nil
	})

	result, err := svc.RetrieveData(context.Background(), "acme", "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if result.Login == nil {
		t.Fatal("expected login challenge")
	}
	if result.Login.URL != "https://upstream.example/signin/abc" || result.Login.LinkID != "link-9" {
		t.Errorf("login = %+v", result.Login)
	}
	if len(transport.callNames()) != 1 {
		t.Errorf("chain continued past login escalation: %v", transport.callNames())
	}
}

func TestRetrieveDataUnknownProvider(t *testing.T) {
	svc := newTestService(t, func(context.Context, string) (Transport, error) {
		t.Fatal("dial must not run for unknown provider")
		return nil, nil
	})
	_, err := svc.RetrieveData(context.Background(), "nope", "sess-1")
	if domain.FaultTypeOf(err) != domain.FaultConfiguration {
		t.Fatalf("err = %v, want configuration fault", err)
	}
	if domain.IsRetryable(err) {
		t.Error("configuration fault must not be retryable")
	}
}

func TestCallWithReconnectRetriesOnce(t *testing.T) {
	bad := &fakeTransport{errs: map[string]error{
		"acme_get_purchase_history": errors.New("connection reset"),
	}}
	good := &fakeTransport{results: map[string][]map[string]any{
		"acme_get_purchase_history": {{"purchase_history": []any{}}},
	}}
	var dials atomic.Int32
	transports := []Transport{bad, good}
	svc := newTestService(t, func(context.Context, string) (Transport, error) {
		n := dials.Add(1)
		return transports[n-1], nil
	})

	result, err := svc.RetrieveData(context.Background(), "acme", "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if result.Data == nil {
		t.Fatal("expected data after reconnect")
	}
	if dials.Load() != 2 {
		t.Errorf("dials = %d, want 2", dials.Load())
	}
	if !bad.closed {
		t.Error("failed transport was not closed")
	}
}

func TestCallWithReconnectSecondFailurePropagates(t *testing.T) {
	var dials atomic.Int32
	svc := newTestService(t, func(context.Context, string) (Transport, error) {
		dials.Add(1)
		return &fakeTransport{errs: map[string]error{
			"acme_get_purchase_history": errors.New("still down"),
		}}, nil
	})

	_, err := svc.RetrieveData(context.Background(), "acme", "sess-1")
	if err == nil {
		t.Fatal("expected error")
	}
	if dials.Load() != 2 {
		t.Errorf("dials = %d, want exactly 2 (one retry)", dials.Load())
	}
}

func TestStoreCollapsesConcurrentDialsPerKey(t *testing.T) {
	var dials atomic.Int32
	release := make(chan struct{})
	store := NewStore(func(ctx context.Context, sessionID string) (Transport, error) {
		dials.Add(1)
		<-release
		return &fakeTransport{}, nil
	}, slog.Default())

	key := connKey{SessionID: "sess-1", ProviderID: "acme"}
	other := connKey{SessionID: "sess-2", ProviderID: "acme"}

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.get(context.Background(), key); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := store.get(context.Background(), other); err != nil {
			t.Error(err)
		}
	}()

	// Both keys must be dialing concurrently before anyone finishes.
	deadline := time.After(time.Second)
	for dials.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("second key's dial blocked behind the first")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	close(release)
	wg.Wait()

	if dials.Load() != 2 {
		t.Errorf("dials = %d, want 2 (one per key)", dials.Load())
	}
}

func TestPollUntilFinished(t *testing.T) {
	transport := &fakeTransport{results: map[string][]map[string]any{
		toolPollSignin: {
			{"status": "PENDING"},
			{"status": "PENDING"},
			{"status": "FINISHED"},
		},
	}}
	svc := newTestService(t, func(context.Context, string) (Transport, error) {
		return transport, nil
	})

	out, err := svc.PollUntilFinished(context.Background(), "link-9", "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if out["status"] != "FINISHED" {
		t.Errorf("status = %v, want FINISHED", out["status"])
	}
	if got := len(transport.callNames()); got != 3 {
		t.Errorf("polls = %d, want 3", got)
	}
}

func TestPollUntilFinishedExhaustsBudget(t *testing.T) {
	transport := &fakeTransport{results: map[string][]map[string]any{}}
	svc := newTestService(t, func(context.Context, string) (Transport, error) {
		return transport, nil
	})

	_, err := svc.PollUntilFinished(context.Background(), "link-9", "sess-1")
	if domain.FaultTypeOf(err) != domain.FaultTimeout {
		t.Fatalf("err = %v, want timeout fault", err)
	}
	if got := len(transport.callNames()); got != 3 {
		t.Errorf("polls = %d, want 3 (max attempts)", got)
	}
}

func TestMergeResult(t *testing.T) {
	merged := map[string]any{
		"purchase_history": []any{"a"},
		"cursor":           "old",
	}
	mergeResult(merged, map[string]any{
		"purchase_history": []any{"b"},
		"cursor":           "new",
		"extra":            1.0,
	})
	if !reflect.DeepEqual(merged["purchase_history"], []any{"a", "b"}) {
		t.Errorf("slice merge = %v", merged["purchase_history"])
	}
	if merged["cursor"] != "new" {
		t.Errorf("scalar merge = %v, want new", merged["cursor"])
	}
	if merged["extra"] != 1.0 {
		t.Errorf("new key = %v", merged["extra"])
	}
}

func TestExpandArgsMissingField(t *testing.T) {
	step := provider.ToolStep{
		Name:    "details",
		ForEach: "purchase_history",
		Args:    map[string]string{"order_id": "order_id"},
	}
	merged := map[string]any{
		"purchase_history": []any{map[string]any{"order_number": "x"}},
	}
	_, err := expandArgs(step, merged)
	if domain.FaultTypeOf(err) != domain.FaultProtocol {
		t.Fatalf("err = %v, want protocol fault", err)
	}
}

func TestRewriteLinkURL(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		origin string
		want   string
	}{
		{"rewrites host", "https://upstream.example/link/abc?x=1", "http://localhost:3000",
			"http://localhost:3000/link/abc?x=1"},
		{"empty origin passthrough", "https://upstream.example/link/abc", "",
			"https://upstream.example/link/abc"},
		{"empty url passthrough", "", "http://localhost:3000", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RewriteLinkURL(tt.raw, tt.origin); got != tt.want {
				t.Errorf("RewriteLinkURL = %q, want %q", got, tt.want)
			}
		})
	}
}
