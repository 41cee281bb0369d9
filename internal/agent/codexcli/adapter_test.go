package codexcli

import "testing"

func TestCollectText(t *testing.T) {
	stream := `{"type":"item.started","item":{"type":"reasoning"}}
{"type":"item.completed","item":{"type":"agent_message","text":"hello "}}
{"type":"item.completed","item":{"type":"agent_message","text":"world"}}
`
	text, errMsg := collectText(stream)
	if errMsg != "" {
		t.Fatalf("unexpected error message: %q", errMsg)
	}
	want := "hello \nworld\n"
	if text != want {
		t.Errorf("collectText() = %q, want %q", text, want)
	}
}

func TestCollectTextError(t *testing.T) {
	stream := `{"type":"error","error":{"message":"429 too many requests"}}`
	_, errMsg := collectText(stream)
	if errMsg == "" {
		t.Fatal("expected a non-empty error message")
	}

	err := classifyMessage(errMsg)
	ae, ok := err.(interface{ Error() string })
	if !ok {
		t.Fatal("expected an error value")
	}
	_ = ae
}

func TestCollectTextIgnoresMalformedLines(t *testing.T) {
	text, errMsg := collectText("not json\n\n")
	if text != "" || errMsg != "" {
		t.Errorf("expected empty result for malformed input, got text=%q errMsg=%q", text, errMsg)
	}
}
