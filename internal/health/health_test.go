package health

import (
	"context"
	"testing"
	"time"
)

func TestCheckAll_Empty(t *testing.T) {
	r := NewRegistry()

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Error("empty registry should report healthy")
	}
	if len(statuses) != 0 {
		t.Errorf("expected no statuses, got %d", len(statuses))
	}
}

func TestCheckAll_RegistrationOrder(t *testing.T) {
	r := NewRegistry()
	r.Register("postgres", func(context.Context) Status {
		return Status{Name: "postgres", Healthy: true}
	})
	r.Register("rate_oracle", func(context.Context) Status {
		return Status{Name: "rate_oracle", Healthy: true}
	})
	r.Register("invoice_watcher", func(context.Context) Status {
		return Status{Name: "invoice_watcher", Healthy: true}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Error("all passing checks should report healthy")
	}
	want := []string{"postgres", "rate_oracle", "invoice_watcher"}
	if len(statuses) != len(want) {
		t.Fatalf("expected %d statuses, got %d", len(want), len(statuses))
	}
	for i, name := range want {
		if statuses[i].Name != name {
			t.Errorf("statuses[%d].Name = %q, want %q", i, statuses[i].Name, name)
		}
	}
}

func TestCheckAll_OneFailureDegradesAggregate(t *testing.T) {
	r := NewRegistry()
	r.Register("ok", func(context.Context) Status {
		return Status{Name: "ok", Healthy: true}
	})
	r.Register("down", func(context.Context) Status {
		return Status{Name: "down", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Error("one failing check should degrade the aggregate")
	}
	if statuses[1].Detail != "connection refused" {
		t.Errorf("detail = %q", statuses[1].Detail)
	}
}

func TestRegister_ReplacesByName(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(context.Context) Status {
		return Status{Name: "db", Healthy: false}
	})
	r.Register("db", func(context.Context) Status {
		return Status{Name: "db", Healthy: true}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Error("replacement checker should win")
	}
	if len(statuses) != 1 {
		t.Fatalf("expected a single status, got %d", len(statuses))
	}
}

func TestCheckAll_RunsProbesConcurrently(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"a", "b"} {
		name := name
		r.Register(name, func(context.Context) Status {
			time.Sleep(150 * time.Millisecond)
			return Status{Name: name, Healthy: true}
		})
	}

	start := time.Now()
	r.CheckAll(context.Background())
	if elapsed := time.Since(start); elapsed > 280*time.Millisecond {
		t.Errorf("probes appear serialized: took %v", elapsed)
	}
}

func TestCheckAll_PassesContext(t *testing.T) {
	r := NewRegistry()
	r.Register("ctx", func(ctx context.Context) Status {
		if ctx.Err() != nil {
			return Status{Name: "ctx", Healthy: false, Detail: ctx.Err().Error()}
		}
		return Status{Name: "ctx", Healthy: true}
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	healthy, _ := r.CheckAll(ctx)
	if healthy {
		t.Error("canceled context should surface as unhealthy")
	}
}
