package postgres

import (
	"strings"
	"testing"
)

func TestPoolConfig(t *testing.T) {
	t.Parallel()
	const dsn = "postgres://attune@localhost:5432/attune?pool_max_conns=9"

	tests := []struct {
		name string
		opts []Option
		want int32
	}{
		{"dsn setting kept", nil, 9},
		{"option overrides dsn", []Option{WithMaxConns(3)}, 3},
		{"zero ignored", []Option{WithMaxConns(0)}, 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := &options{}
			for _, opt := range tt.opts {
				opt(o)
			}
			cfg, err := poolConfig(dsn, o)
			if err != nil {
				t.Fatalf("poolConfig: %v", err)
			}
			if cfg.MaxConns != tt.want {
				t.Errorf("MaxConns = %d, want %d", cfg.MaxConns, tt.want)
			}
			if cfg.AfterConnect == nil {
				t.Error("AfterConnect not set; pgvector types would be unregistered")
			}
		})
	}
}

func TestPoolConfig_BadDSN(t *testing.T) {
	t.Parallel()
	if _, err := poolConfig("postgres://%zz", &options{}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestDDL_NoVectorIndex(t *testing.T) {
	t.Parallel()
	ddl := strings.ToLower(ddlMemories(4) + ddlUserMemory(4, 2))
	if strings.Contains(ddl, "using hnsw") || strings.Contains(ddl, "using ivfflat") {
		t.Errorf("schema creates a vector index that Nearest cannot use:\n%s", ddl)
	}
}
