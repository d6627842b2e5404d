package access_test

import (
	"context"
	"net"
	"testing"

	"github.com/oarkflow/access"
	"github.com/oarkflow/access/logger"
	"github.com/oarkflow/access/stores"
)

func benchEngine(b *testing.B) *access.Engine {
	b.Helper()
	eng, err := access.NewEngine(stores.NewMemoryStore(),
		access.WithLogger(logger.NewNullLogger()),
		access.WithAuditBuffer(4096),
	)
	if err != nil {
		b.Fatalf("new engine: %v", err)
	}
	b.Cleanup(func() { eng.Close() })
	cfg := access.NewConfigBuilder().
		AddRole(access.NewRoleBuilder("r0").Build()).
		AddRole(access.NewRoleBuilder("r1").Parent("r0").Build()).
		AddRole(access.NewRoleBuilder("r2").Parent("r1").Build()).
		AddRole(access.NewRoleBuilder("r3").Parent("r2").Build()).
		AddPermission(access.NewPermission("book-read", "book", "read")).
		Grant("r0", "book-read").
		AddPolicy(access.NewPolicyBuilder("p-deny").Deny().Priority(10).
			Resources("book").Actions("read").
			When(access.NewConditionBuilder().Countries("KP").Build()).Build()).
		AddUser("alice", "r3").
		Build()
	if err := eng.ApplyConfig(context.Background(), "bench", cfg); err != nil {
		b.Fatalf("apply config: %v", err)
	}
	return eng
}

func BenchmarkCheckAccess(b *testing.B) {
	eng := benchEngine(b)
	ctx := context.Background()
	actx := access.AccessContext{UserID: "alice", ResourceType: "book", Action: "read", IP: net.ParseIP("10.0.0.1")}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d, err := eng.CheckAccess(ctx, actx)
		if err != nil || !d.Granted {
			b.Fatalf("unexpected decision %+v %v", d, err)
		}
	}
}

func BenchmarkCheckAccessParallel(b *testing.B) {
	eng := benchEngine(b)
	ctx := context.Background()
	actx := access.AccessContext{UserID: "alice", ResourceType: "book", Action: "read"}
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := eng.CheckAccess(ctx, actx); err != nil {
				b.Fatalf("check: %v", err)
			}
		}
	})
}

func BenchmarkParseCondition(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := access.ParseConditionString(`country in [US, CA] AND attrs.amount >= 1000`); err != nil {
			b.Fatalf("parse: %v", err)
		}
	}
}
