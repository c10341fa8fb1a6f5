package signal

import (
	"encoding/json"
	"testing"
)

func TestPlay_OmitsEmptyToken(t *testing.T) {
	data, err := Encode(Play("cam-1", ""))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(data) != `{"command":"play","streamId":"cam-1"}` {
		t.Errorf("unexpected play message %s", data)
	}

	data, _ = Encode(Play("cam-1", "tok"))
	if string(data) != `{"command":"play","streamId":"cam-1","token":"tok"}` {
		t.Errorf("unexpected play message %s", data)
	}
}

func TestTakeCandidate_Shape(t *testing.T) {
	data, err := Encode(TakeCandidate("cam-1", "candidate:1 1 udp 1 10.0.0.1 5000 typ host", 0))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["command"] != "takeCandidate" || m["streamId"] != "cam-1" {
		t.Errorf("unexpected envelope %v", m)
	}
	if m["label"] != float64(0) || m["id"] != float64(0) {
		t.Errorf("expected numeric label and id 0, got %v / %v", m["label"], m["id"])
	}
}

func TestAnswerAndPing(t *testing.T) {
	data, _ := Encode(Answer("cam-1", "v=0"))
	if string(data) != `{"command":"takeConfiguration","streamId":"cam-1","type":"answer","sdp":"v=0"}` {
		t.Errorf("unexpected answer %s", data)
	}
	data, _ = Encode(Ping())
	if string(data) != `{"command":"ping"}` {
		t.Errorf("unexpected ping %s", data)
	}
}

func TestDecode(t *testing.T) {
	for _, tc := range []struct {
		name    string
		in      string
		label   int
		wantErr bool
	}{
		{"numeric label", `{"command":"takeCandidate","label":1,"id":"1"}`, 1, false},
		{"string label", `{"command":"takeCandidate","label":"2","id":"video"}`, 2, false},
		{"no label", `{"command":"start","streamId":"cam-1"}`, 0, false},
		{"not json", `hello`, 0, true},
		{"no command", `{"streamId":"cam-1"}`, 0, true},
		{"bad label", `{"command":"takeCandidate","label":"x"}`, 0, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m, err := Decode([]byte(tc.in))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %s", tc.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got := m.LabelOr(0); got != tc.label {
				t.Errorf("expected label %d, got %d", tc.label, got)
			}
		})
	}
}
