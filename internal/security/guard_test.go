package security

import "testing"

func TestCheckQueryAllowsOrdinarySelect(t *testing.T) {
	g := NewGuard(nil, nil)
	blocked, reason := g.CheckQuery("SELECT id, name FROM users WHERE id = 1")
	if blocked {
		t.Fatalf("ordinary SELECT was blocked: %s", reason)
	}
}

func TestCheckQueryBlocksDefaultVerbs(t *testing.T) {
	g := NewGuard(nil, nil)
	cases := []string{
		"DROP TABLE users",
		"truncate table users",
		"GRANT ALL ON *.* TO 'x'@'%'",
	}
	for _, sql := range cases {
		blocked, _ := g.CheckQuery(sql)
		if !blocked {
			t.Errorf("expected %q to be blocked", sql)
		}
	}
}

func TestCheckQueryBlocksStackedStatementInjection(t *testing.T) {
	g := NewGuard(nil, nil)
	blocked, reason := g.CheckQuery("SELECT * FROM users WHERE id = 1; DROP TABLE users--")
	if !blocked {
		t.Fatal("expected stacked-statement injection pattern to be blocked")
	}
	if reason == "" {
		t.Fatal("expected a non-empty reason")
	}
}

func TestCheckQueryRespectsCustomBlockedVerbs(t *testing.T) {
	g := NewGuard(nil, []string{"DELETE"})
	blocked, _ := g.CheckQuery("DELETE FROM users")
	if !blocked {
		t.Fatal("expected custom blocked verb DELETE to be blocked")
	}
	blocked, _ = g.CheckQuery("DROP TABLE users")
	if blocked {
		t.Fatal("DROP should not be blocked once the default verb list is overridden")
	}
}

func TestStatsCountInspectedAndBlocked(t *testing.T) {
	g := NewGuard(nil, nil)
	g.CheckQuery("SELECT 1")
	g.CheckQuery("DROP TABLE users")

	inspected, blocked := g.Stats()
	if inspected != 2 {
		t.Fatalf("inspected = %d, want 2", inspected)
	}
	if blocked != 1 {
		t.Fatalf("blocked = %d, want 1", blocked)
	}
}
