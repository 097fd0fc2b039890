package ops_test

import (
	"testing"

	"github.com/Pavua/krab/internal/bus"
	"github.com/Pavua/krab/internal/ops"
)

func TestRecordAttempt_AccumulatesLedger(t *testing.T) {
	o := ops.New(ops.Config{}, nil)
	o.RecordAttempt(bus.AttemptCompletedEvent{Tier: "local", ModelID: "m1", Outcome: "ok", CostUSD: 0, TokensIn: 10, TokensOut: 20})
	o.RecordAttempt(bus.AttemptCompletedEvent{Tier: "local", ModelID: "m1", Outcome: "fatal", CostUSD: 0, TokensIn: 5, TokensOut: 0})

	snap := o.Snapshot()
	if len(snap.Rows) != 1 {
		t.Fatalf("expected 1 ledger row, got %d", len(snap.Rows))
	}
	row := snap.Rows[0]
	if row.Calls != 2 || row.Failures != 1 {
		t.Fatalf("unexpected row: %+v", row)
	}
	if row.TokensIn != 15 || row.TokensOut != 20 {
		t.Fatalf("unexpected token totals: %+v", row)
	}
}

func TestSoftCap_WarnThenHighOnCloudFree(t *testing.T) {
	o := ops.New(ops.Config{FreeCloudDailyCallCap: 10}, nil)
	for i := 0; i < 8; i++ {
		o.RecordAttempt(bus.AttemptCompletedEvent{Tier: "cloud_free", ModelID: "m", Outcome: "ok"})
	}
	alerts := o.Alerts()
	if len(alerts) != 1 || alerts[0].Severity != ops.SeverityWarn {
		t.Fatalf("expected 1 warn alert at 80%%, got %+v", alerts)
	}

	for i := 0; i < 2; i++ {
		o.RecordAttempt(bus.AttemptCompletedEvent{Tier: "cloud_free", ModelID: "m", Outcome: "ok"})
	}
	alerts = o.Alerts()
	if len(alerts) != 1 || alerts[0].Severity != ops.SeverityHigh {
		t.Fatalf("expected escalation to high at 100%%, got %+v", alerts)
	}
}

func TestAlert_AckSuppressesUntilRecurrence(t *testing.T) {
	o := ops.New(ops.Config{}, nil)
	o.RaiseAlert("test_code", ops.SeverityWarn, "something")
	if !o.AckAlert("test_code") {
		t.Fatalf("expected ack to succeed for known code")
	}
	alerts := o.Alerts()
	if len(alerts) != 1 || !alerts[0].Acked {
		t.Fatalf("expected alert to remain present but acked, got %+v", alerts)
	}

	o.RaiseAlert("test_code", ops.SeverityWarn, "something")
	alerts = o.Alerts()
	if len(alerts) != 1 || alerts[0].Acked {
		t.Fatalf("expected recurrence to clear the acked flag, got %+v", alerts)
	}
}
