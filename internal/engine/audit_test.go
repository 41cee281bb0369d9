package engine

import "testing"

func TestParseAuditResponseCleanJSON(t *testing.T) {
	raw := `{"status":"APPROVED","issues":[],"summary":"looks good"}`
	result := ParseAuditResponse(raw)
	if !result.IsApproved() {
		t.Errorf("expected APPROVED, got %v", result.Status)
	}
	if len(result.Issues) != 0 {
		t.Errorf("expected no issues, got %v", result.Issues)
	}
}

func TestParseAuditResponseEmbeddedInProse(t *testing.T) {
	raw := "Here is my review:\n\n" + `{"status":"NEEDS_WORK","issues":[{"file":"main.go","severity":"major","description":"missing error check"}]}` + "\n\nLet me know if you have questions."
	result := ParseAuditResponse(raw)
	if result.IsApproved() {
		t.Fatal("expected NEEDS_WORK")
	}
	if len(result.Issues) != 1 || result.Issues[0].File != "main.go" {
		t.Errorf("issues = %+v", result.Issues)
	}
}

func TestParseAuditResponseNoIssuesFieldTreatedEmpty(t *testing.T) {
	raw := `{"status":"NEEDS_WORK"}`
	result := ParseAuditResponse(raw)
	if result.IsApproved() {
		t.Fatal("expected NEEDS_WORK")
	}
	if result.Issues == nil {
		t.Error("expected Issues to be initialized to an empty slice, not nil")
	}
}

func TestParseAuditResponseMalformedSynthesizesNeedsWork(t *testing.T) {
	raw := "The code looks fine to me, no structured verdict here."
	result := ParseAuditResponse(raw)
	if result.IsApproved() {
		t.Fatal("expected malformed response to synthesize NEEDS_WORK")
	}
	if len(result.Issues) != 1 {
		t.Fatalf("expected exactly one synthesized issue, got %+v", result.Issues)
	}
	if result.Issues[0].Severity != SeverityMajor {
		t.Errorf("severity = %v, want major", result.Issues[0].Severity)
	}
}

func TestParseAuditResponseInvalidStatusSynthesizesNeedsWork(t *testing.T) {
	raw := `{"status":"MAYBE","issues":[]}`
	result := ParseAuditResponse(raw)
	if result.IsApproved() {
		t.Fatal("expected invalid status to synthesize NEEDS_WORK")
	}
}

func TestMergeParallelAuditsAllApproved(t *testing.T) {
	merged := MergeParallelAudits([]AuditResult{
		{Status: AuditApproved},
		{Status: AuditApproved},
	})
	if !merged.IsApproved() {
		t.Error("expected merged result to be approved when all inputs approved")
	}
}

func TestMergeParallelAuditsOneNeedsWork(t *testing.T) {
	merged := MergeParallelAudits([]AuditResult{
		{Status: AuditApproved},
		{Status: AuditNeedsWork, Issues: []AuditIssue{{File: "b.go", Severity: SeverityCritical}}},
	})
	if merged.IsApproved() {
		t.Error("expected merged result to be NEEDS_WORK when any input is NEEDS_WORK")
	}
	if len(merged.Issues) != 1 {
		t.Errorf("expected unioned issues, got %+v", merged.Issues)
	}
}

func TestIssuesByFileGroups(t *testing.T) {
	result := AuditResult{Issues: []AuditIssue{
		{File: "a.go", Severity: SeverityMinor},
		{File: "a.go", Severity: SeverityMajor},
		{File: "b.go", Severity: SeverityCritical},
	}}
	grouped := result.IssuesByFile()
	if len(grouped["a.go"]) != 2 {
		t.Errorf("a.go issues = %d, want 2", len(grouped["a.go"]))
	}
	if len(grouped["b.go"]) != 1 {
		t.Errorf("b.go issues = %d, want 1", len(grouped["b.go"]))
	}
}
