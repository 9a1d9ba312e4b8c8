package worker

import (
	"context"
	"testing"
	"time"

	"tillbridge/backend/internal/domain"
	"tillbridge/backend/internal/erp"
	"tillbridge/backend/internal/service"
	"tillbridge/backend/internal/session"
	"tillbridge/backend/internal/store/memory"
)

type stubRemote struct{}

func (stubRemote) List(context.Context, string, erp.ListQuery) erp.ListResult {
	return erp.ListResult{Outcome: erp.ListOK}
}

func (stubRemote) Get(context.Context, string, string) (erp.Doc, error) {
	return nil, context.Canceled
}

func (stubRemote) Create(context.Context, string, erp.Doc) (string, error) {
	return "SINV-0001", nil
}

func (stubRemote) Submit(context.Context, string, string) error { return nil }

func (stubRemote) Update(context.Context, string, string, erp.Doc) error { return nil }

type rateRemote struct{ stubRemote }

func (rateRemote) List(_ context.Context, doctype string, _ erp.ListQuery) erp.ListResult {
	if doctype == "Currency Exchange" {
		return erp.ListResult{Outcome: erp.ListOK, Docs: []erp.Doc{
			{"from_currency": "GBP", "to_currency": "EUR", "exchange_rate": 1.19},
		}}
	}
	return erp.ListResult{Outcome: erp.ListOK}
}

func TestNewAppliesDefaults(t *testing.T) {
	r := New(nil, 0, 0, 0, 0, 0)
	if r.pushInterval != 30*time.Second || r.pullInterval != 5*time.Minute {
		t.Fatalf("unexpected interval defaults: %+v", r)
	}
	if r.pushLimit != 25 || r.pullLoops != 10 || r.pageLimit != 100 {
		t.Fatalf("unexpected batch defaults: %+v", r)
	}
}

func TestPushCycleDefersWhileSessionsAreLive(t *testing.T) {
	repo := memory.NewSeeded()
	tracker := session.NewMemoryTracker(150 * time.Millisecond)
	svc := service.New(repo, stubRemote{}, tracker, "Shop", "Standard Selling")
	runner := New(svc, time.Second, time.Minute, 25, 1, 100)
	ctx := context.Background()

	if _, err := svc.RecordSale(ctx, domain.SaleRequest{
		Cashier:  "cashier",
		Lines:    []domain.SaleLineInput{{ItemID: "ITM-MUG", Qty: 1, Rate: 6}},
		Payments: []domain.PaymentInput{{Method: "Cash", Amount: 6}},
	}); err != nil {
		t.Fatalf("record sale failed: %v", err)
	}
	if err := svc.Heartbeat(ctx, "till-1"); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}

	runner.pushCycle(ctx)
	if depth, _ := repo.CountOutbox(ctx); depth != 1 {
		t.Fatalf("expected push deferred while a till is live, outbox depth %d", depth)
	}

	time.Sleep(200 * time.Millisecond)
	runner.pushCycle(ctx)
	if depth, _ := repo.CountOutbox(ctx); depth != 0 {
		t.Fatalf("expected outbox drained once idle, depth %d", depth)
	}
}

func TestRunSeedsRatesAtStartup(t *testing.T) {
	repo := memory.New()
	tracker := session.NewMemoryTracker(time.Second)
	svc := service.New(repo, rateRemote{}, tracker, "Shop", "Standard Selling")
	// Hour-long intervals: only the startup refresh can store a rate.
	runner := New(svc, time.Hour, time.Hour, 25, 1, 100)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		rate, err := repo.GetRate(context.Background(), "GBP", "EUR")
		if err == nil && rate.RateToBase == 1.19 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected startup rate refresh, got rate=%v err=%v", rate, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	<-done
}
