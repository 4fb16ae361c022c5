package userfilter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tickstock/patternrelay/internal/bus"
	"github.com/tickstock/patternrelay/internal/platform/logging"
)

type fakeSource struct {
	rules map[string]Rule
	err   error
}

func (f *fakeSource) LoadAll(ctx context.Context) (map[string]Rule, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.rules, nil
}

func testLogger() *logging.Logger {
	return logging.New("userfilter-test", "error", "text")
}

func TestRuleMatchesSymbolOnly(t *testing.T) {
	r := Rule{Symbols: []string{"AAPL"}}
	if !r.Matches("AAPL", "Bull_Flag", 0.9) {
		t.Error("rule with only symbols should match any pattern above zero confidence")
	}
	if r.Matches("TSLA", "Bull_Flag", 0.9) {
		t.Error("rule should not match a symbol outside its watchlist")
	}
}

func TestRuleMatchesConfidenceFloor(t *testing.T) {
	r := Rule{Symbols: []string{"AAPL"}, MinConfidence: 0.8}
	if r.Matches("AAPL", "Bull_Flag", 0.5) {
		t.Error("rule should reject confidence below its floor")
	}
	if !r.Matches("AAPL", "Bull_Flag", 0.8) {
		t.Error("rule should accept confidence exactly at its floor")
	}
}

func TestRuleMatchesPatternTypeRestriction(t *testing.T) {
	r := Rule{Symbols: []string{"AAPL"}, PatternTypes: []string{"Bull_Flag"}}
	if r.Matches("AAPL", "Doji", 0.9) {
		t.Error("rule should reject a pattern type outside its restriction")
	}
	if !r.Matches("AAPL", "Bull_Flag", 0.9) {
		t.Error("rule should accept its configured pattern type")
	}
}

func TestFilterUsersForAfterRefresh(t *testing.T) {
	src := &fakeSource{rules: map[string]Rule{
		"user1": {Symbols: []string{"AAPL"}},
		"user2": {Symbols: []string{"MSFT"}},
	}}
	f := New(src, bus.NewMemoryBus(), DefaultConfig(), testLogger())
	f.Refresh(context.Background())

	users := f.UsersFor("AAPL", "Bull_Flag", 0.9)
	if len(users) != 1 || users[0] != "user1" {
		t.Errorf("UsersFor(AAPL) = %v, want [user1]", users)
	}
}

func TestFilterFailsOpenOnEmptySnapshot(t *testing.T) {
	f := New(&fakeSource{rules: map[string]Rule{}}, bus.NewMemoryBus(), DefaultConfig(), testLogger())
	users := f.UsersFor("AAPL", "Bull_Flag", 0.9)
	if len(users) != 0 {
		t.Errorf("UsersFor() on empty snapshot = %v, want empty", users)
	}
}

func TestFilterRefreshFailureKeepsPriorSnapshot(t *testing.T) {
	src := &fakeSource{rules: map[string]Rule{"user1": {Symbols: []string{"AAPL"}}}}
	f := New(src, bus.NewMemoryBus(), DefaultConfig(), testLogger())
	f.Refresh(context.Background())

	src.err = errors.New("bus unavailable")
	f.Refresh(context.Background())

	users := f.UsersFor("AAPL", "Bull_Flag", 0.9)
	if len(users) != 1 {
		t.Errorf("UsersFor() after failed refresh = %v, want prior snapshot preserved", users)
	}
}

func TestFilterRunEagerRefreshOnWatchlistUpdate(t *testing.T) {
	src := &fakeSource{rules: map[string]Rule{}}
	b := bus.NewMemoryBus()
	f := New(src, b, Config{RefreshInterval: time.Hour, UpdateChannel: "test.watchlist"}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = f.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	src.rules = map[string]Rule{"user1": {Symbols: []string{"AAPL"}}}
	if err := b.Publish(context.Background(), "test.watchlist", []byte("updated")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if users := f.UsersFor("AAPL", "Bull_Flag", 0.9); len(users) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("eager refresh did not pick up the new rule in time")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}
