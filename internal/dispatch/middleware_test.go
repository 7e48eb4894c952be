package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mymmrac/telego"

	"github.com/multibot-io/multibot/internal/billing"
	"github.com/multibot-io/multibot/internal/errs"
	"github.com/multibot-io/multibot/internal/store"
)

type fakeRecorder struct {
	messages, commands, callbacks int
	errs, newUsers                int
	lastCommand                   string
}

func (f *fakeRecorder) RecordMessage(botID string, userID int64) { f.messages++ }
func (f *fakeRecorder) RecordCommand(botID string, userID int64, command string) {
	f.commands++
	f.lastCommand = command
}
func (f *fakeRecorder) RecordCallback(botID string, userID int64) { f.callbacks++ }
func (f *fakeRecorder) RecordError(botID string)                  { f.errs++ }
func (f *fakeRecorder) RecordNewUser(botID string)                { f.newUsers++ }

type fakeUserRepo struct {
	isNew   bool
	upserts int
}

func (f *fakeUserRepo) Upsert(ctx context.Context, u store.BotUser) (bool, error) {
	f.upserts++
	return f.isNew, nil
}
func (f *fakeUserRepo) Get(ctx context.Context, botID string, telegramID int64) (store.BotUser, error) {
	return store.BotUser{}, errs.ErrNotFound
}
func (f *fakeUserRepo) Count(ctx context.Context, botID string) (int64, error) { return 0, nil }

type fakeTokenRepo struct {
	balance    int64
	isNew      bool
	freeTokens int64
}

func (f *fakeTokenRepo) EnsureBalance(ctx context.Context, telegramID int64, botID string, freeTokens int64) (store.TokenBalance, bool, error) {
	f.freeTokens = freeTokens
	return store.TokenBalance{TelegramID: telegramID, BotID: botID, Balance: f.balance}, f.isNew, nil
}
func (f *fakeTokenRepo) Balance(ctx context.Context, telegramID int64, botID string) (store.TokenBalance, error) {
	return store.TokenBalance{}, errs.ErrNotFound
}
func (f *fakeTokenRepo) Consume(ctx context.Context, telegramID int64, botID string, amount int64, action string) (int64, error) {
	return 0, nil
}
func (f *fakeTokenRepo) Credit(ctx context.Context, telegramID int64, botID string, amount int64, txType string, ref store.CreditRef) (int64, error) {
	return 0, nil
}
func (f *fakeTokenRepo) SeenReference(ctx context.Context, telegramID int64, botID, referenceType, referenceID string) (bool, error) {
	return false, nil
}
func (f *fakeTokenRepo) Transactions(ctx context.Context, telegramID int64, botID string, limit int) ([]store.TokenTransaction, error) {
	return nil, nil
}

type fakeSession struct {
	users  *fakeUserRepo
	tokens *fakeTokenRepo
}

func (f *fakeSession) Bots() store.BotRepo                { return nil }
func (f *fakeSession) Users() store.UserRepo              { return f.users }
func (f *fakeSession) PluginState() store.PluginStateRepo { return nil }
func (f *fakeSession) Stats() store.StatsRepo             { return nil }
func (f *fakeSession) Tokens() store.TokenRepo            { return f.tokens }

type fakeStore struct {
	session *fakeSession
}

func (f *fakeStore) WithSession(ctx context.Context, fn func(store.Session) error) error {
	return fn(f.session)
}
func (f *fakeStore) Health(ctx context.Context) store.HealthStatus {
	return store.HealthStatus{Healthy: true}
}
func (f *fakeStore) PoolStat() store.PoolStat { return store.PoolStat{} }
func (f *fakeStore) Close()                   {}

func newFakeStore() *fakeStore {
	return &fakeStore{session: &fakeSession{
		users:  &fakeUserRepo{},
		tokens: &fakeTokenRepo{},
	}}
}

func okHandler(ctx context.Context, req *Request) error { return nil }

func TestChainOrder(t *testing.T) {
	var order []string
	probe := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *Request) error {
				order = append(order, name+"-in")
				err := next(ctx, req)
				order = append(order, name+"-out")
				return err
			}
		}
	}
	h := Chain(func(ctx context.Context, req *Request) error {
		order = append(order, "handler")
		return nil
	}, probe("outer"), probe("inner"))

	h(context.Background(), &Request{Update: msgUpdate(1, 0, "hi")})

	want := []string{"outer-in", "inner-in", "handler", "inner-out", "outer-out"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestStatsMiddlewareClassification(t *testing.T) {
	payment := msgUpdate(1, 0, "")
	payment.Message.SuccessfulPayment = &telego.SuccessfulPayment{
		TelegramPaymentChargeID: "chg-1",
		TotalAmount:             50,
	}

	tests := []struct {
		name  string
		req   *Request
		check func(t *testing.T, rec *fakeRecorder)
	}{
		{
			name: "command strips mention",
			req:  &Request{BotID: "b", Update: msgUpdate(1, 0, "/start@SomeBot now")},
			check: func(t *testing.T, rec *fakeRecorder) {
				if rec.commands != 1 || rec.lastCommand != "start" {
					t.Errorf("commands=%d lastCommand=%q", rec.commands, rec.lastCommand)
				}
			},
		},
		{
			name: "callback",
			req:  &Request{BotID: "b", Update: callbackUpdate(1, "billing:history")},
			check: func(t *testing.T, rec *fakeRecorder) {
				if rec.callbacks != 1 {
					t.Errorf("callbacks=%d", rec.callbacks)
				}
			},
		},
		{
			name: "plain message",
			req:  &Request{BotID: "b", Update: msgUpdate(1, 0, "hello")},
			check: func(t *testing.T, rec *fakeRecorder) {
				if rec.messages != 1 {
					t.Errorf("messages=%d", rec.messages)
				}
			},
		},
		{
			name: "payment counts as message",
			req:  &Request{BotID: "b", Update: payment},
			check: func(t *testing.T, rec *fakeRecorder) {
				if rec.messages != 1 || rec.commands != 0 {
					t.Errorf("messages=%d commands=%d", rec.messages, rec.commands)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &fakeRecorder{}
			h := Chain(okHandler, StatsMiddleware(rec))
			if err := h(context.Background(), tt.req); err != nil {
				t.Fatalf("chain: %v", err)
			}
			tt.check(t, rec)
		})
	}
}

func TestStatsMiddlewareCountsErrors(t *testing.T) {
	rec := &fakeRecorder{}
	boom := errors.New("handler exploded")
	h := Chain(func(ctx context.Context, req *Request) error {
		return boom
	}, StatsMiddleware(rec))

	err := h(context.Background(), &Request{BotID: "b", Update: msgUpdate(1, 0, "hi")})
	if !errors.Is(err, boom) {
		t.Fatalf("error should pass through, got %v", err)
	}
	if rec.errs != 1 || rec.messages != 1 {
		t.Errorf("errs=%d messages=%d, want 1/1", rec.errs, rec.messages)
	}
}

func TestSessionMiddlewareTracksUsers(t *testing.T) {
	st := newFakeStore()
	st.session.users.isNew = true
	rec := &fakeRecorder{}

	var sawSession bool
	h := Chain(func(ctx context.Context, req *Request) error {
		sawSession = req.Session != nil
		return nil
	}, SessionMiddleware(st, rec))

	req := &Request{BotID: "b", Update: msgUpdate(7, 0, "hi")}
	if err := h(context.Background(), req); err != nil {
		t.Fatalf("chain: %v", err)
	}
	if !sawSession {
		t.Error("handler should see an open session")
	}
	if req.Session != nil {
		t.Error("session must not leak past the middleware")
	}
	if st.session.users.upserts != 1 {
		t.Errorf("upserts=%d, want 1", st.session.users.upserts)
	}
	if rec.newUsers != 1 {
		t.Errorf("newUsers=%d, want 1", rec.newUsers)
	}

	// A returning user does not bump the counter again.
	st.session.users.isNew = false
	if err := h(context.Background(), &Request{BotID: "b", Update: msgUpdate(7, 0, "again")}); err != nil {
		t.Fatalf("chain: %v", err)
	}
	if rec.newUsers != 1 {
		t.Errorf("newUsers=%d after returning user, want 1", rec.newUsers)
	}
}

func TestTokenMiddlewareInjectsBalance(t *testing.T) {
	st := newFakeStore()
	st.session.tokens.balance = 42
	st.session.tokens.isNew = true
	ledger := billing.NewLedger(nil, "b", 50, nil, nil)

	var gotBalance int64
	var gotNew bool
	h := Chain(func(ctx context.Context, req *Request) error {
		gotBalance = req.Balance
		gotNew = req.IsNewUser
		return nil
	}, SessionMiddleware(st, nil), TokenMiddleware(ledger))

	if err := h(context.Background(), &Request{BotID: "b", Update: msgUpdate(7, 0, "hi")}); err != nil {
		t.Fatalf("chain: %v", err)
	}
	if gotBalance != 42 || !gotNew {
		t.Errorf("balance=%d isNew=%v, want 42/true", gotBalance, gotNew)
	}
	if st.session.tokens.freeTokens != 50 {
		t.Errorf("signup grant passed as %d, want 50", st.session.tokens.freeTokens)
	}
}

func TestErrorMiddlewareRecoversPanic(t *testing.T) {
	h := Chain(func(ctx context.Context, req *Request) error {
		panic("boom")
	}, ErrorMiddleware(DefaultErrorOptions()))

	err := h(context.Background(), &Request{BotID: "b", Update: msgUpdate(1, 0, "hi")})
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("panic should surface as error, got %v", err)
	}
}

func TestErrorMiddlewarePassesInsufficientTokens(t *testing.T) {
	short := &errs.InsufficientTokensError{Required: 8, Available: 5}
	h := Chain(func(ctx context.Context, req *Request) error {
		return short
	}, ErrorMiddleware(DefaultErrorOptions()))

	err := h(context.Background(), &Request{BotID: "b", Update: msgUpdate(1, 0, "/horoscope")})
	var got *errs.InsufficientTokensError
	if !errors.As(err, &got) || got.Required != 8 {
		t.Fatalf("insufficient-tokens error should pass through, got %v", err)
	}
}

func TestRateLimitMiddlewareDropsSilently(t *testing.T) {
	var handled int
	h := Chain(func(ctx context.Context, req *Request) error {
		handled++
		return nil
	}, RateLimitMiddleware(1, 1))

	req := &Request{BotID: "b", Update: msgUpdate(5, 0, "hi")}
	if err := h(context.Background(), req); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if err := h(context.Background(), req); err != nil {
		t.Fatalf("dropped call must return nil, got %v", err)
	}
	if handled != 1 {
		t.Errorf("handled=%d, want 1", handled)
	}
}

func TestUserLimiterWindow(t *testing.T) {
	l := newUserLimiter(30, 10)
	now := time.Now()

	admitted, dropped, notices := 0, 0, 0
	for i := 0; i < 15; i++ {
		ok, notify := l.allowAt(now, 42)
		if ok {
			admitted++
		} else {
			dropped++
		}
		if notify {
			notices++
		}
	}
	if admitted != 10 || dropped != 5 {
		t.Fatalf("admitted=%d dropped=%d, want 10/5", admitted, dropped)
	}
	if notices != 1 {
		t.Errorf("notices=%d, want exactly one per dry spell", notices)
	}

	// 30/min refills a token every two seconds.
	later := now.Add(2 * time.Second)
	ok, _ := l.allowAt(later, 42)
	if !ok {
		t.Fatal("one token should have refilled after 2s")
	}
	ok, notify := l.allowAt(later, 42)
	if ok {
		t.Fatal("second hit in the same instant should drop")
	}
	if !notify {
		t.Error("notice should re-arm after an admit")
	}
}

func TestUserLimiterSingleRate(t *testing.T) {
	l := newUserLimiter(60, 1)
	now := time.Now()

	if ok, _ := l.allowAt(now, 1); !ok {
		t.Fatal("first update should pass")
	}
	if ok, _ := l.allowAt(now.Add(200*time.Millisecond), 1); ok {
		t.Fatal("update 200ms later should drop at 1/s")
	}
	if ok, _ := l.allowAt(now.Add(time.Second), 1); !ok {
		t.Fatal("update after a full second should pass")
	}
}

func TestUserLimiterEviction(t *testing.T) {
	l := newUserLimiter(30, 10)
	now := time.Now()
	l.allowAt(now, 1)
	l.allowAt(now, 2)
	if l.size() != 2 {
		t.Fatalf("size=%d, want 2", l.size())
	}

	later := now.Add(bucketIdleEviction + time.Minute)
	l.allowAt(later, 3)
	if l.size() != 1 {
		t.Errorf("idle buckets should be swept, size=%d", l.size())
	}
}
