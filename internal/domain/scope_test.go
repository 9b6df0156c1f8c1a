package domain

import "testing"

func TestParseScope(t *testing.T) {
	sc, ok := ParseScope("run:scripts:script:u/alice/*")
	if !ok {
		t.Fatalf("expected scope to parse")
	}
	if sc.Domain != "run" || sc.Action != "scripts" || sc.Kind != "script" || sc.Resource != "u/alice/*" {
		t.Fatalf("unexpected parse: %+v", sc)
	}
}

func TestScopeWildcardPrefix(t *testing.T) {
	sc, _ := ParseScope("run:run:scripts:u/alice/*")
	if !sc.Allows("run", "run", "scripts", "u/alice/add") {
		t.Fatalf("expected wildcard to match prefix")
	}
	if sc.Allows("run", "run", "scripts", "u/bob/add") {
		t.Fatalf("expected wildcard not to match other users")
	}
}

func TestWriteImpliesRead(t *testing.T) {
	sc, _ := ParseScope("resources:write")
	if !sc.Allows("resources", "read", "", "") {
		t.Fatalf("expected write to imply read")
	}
	if sc.Allows("resources", "delete", "", "") {
		t.Fatalf("write should not imply delete")
	}
}

func TestRunScriptsAndRunFlowsAreDistinct(t *testing.T) {
	sc, _ := ParseScope("run:scripts")
	if sc.Allows("run", "flows", "", "") {
		t.Fatalf("run:scripts should not authorize run:flows")
	}
}
