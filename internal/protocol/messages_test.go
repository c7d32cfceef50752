package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

// ---------------------------------------------------------------------------
// Parsing
// ---------------------------------------------------------------------------

func TestParseClientMessage_ChatMsg(t *testing.T) {
	input := []byte(`{"type":"message","text":"Hello!"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeMessage {
		t.Fatalf("expected type %q, got %q", TypeMessage, msgType)
	}

	cm, ok := msg.(ChatMsg)
	if !ok {
		t.Fatalf("expected ChatMsg, got %T", msg)
	}
	if cm.Text != "Hello!" {
		t.Errorf("expected text %q, got %q", "Hello!", cm.Text)
	}
}

func TestParseClientMessage_BareTypes(t *testing.T) {
	cases := map[string]interface{}{
		TypeFindStranger:     FindStrangerMsg{},
		TypeTyping:           TypingMsg{},
		TypeStopTyping:       StopTypingMsg{},
		TypeNextChat:         NextChatMsg{},
		TypeFindVideoPartner: FindVideoPartnerMsg{},
		TypeEndCall:          EndCallMsg{},
		TypePing:             PingMsg{},
	}
	for typ, want := range cases {
		input := []byte(`{"type":"` + typ + `"}`)
		gotType, msg, err := ParseClientMessage(input)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", typ, err)
			continue
		}
		if gotType != typ {
			t.Errorf("%s: got type %q", typ, gotType)
		}
		if wantT, gotT := fmt.Sprintf("%T", want), fmt.Sprintf("%T", msg); wantT != gotT {
			t.Errorf("%s: expected %s, got %s", typ, wantT, gotT)
		}
	}
}

func TestParseClientMessage_VideoSignalKeepsPayload(t *testing.T) {
	input := []byte(`{"type":"video_signal","signal_data":{"type":"offer","sdp":"v=0"}}`)

	_, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	vs := msg.(VideoSignalMsg)
	if string(vs.SignalData) != `{"type":"offer","sdp":"v=0"}` {
		t.Errorf("signal data altered: %s", vs.SignalData)
	}
}

func TestParseClientMessage_VideoSignalRequiresData(t *testing.T) {
	for _, input := range []string{
		`{"type":"video_signal"}`,
		`{"type":"video_signal","signal_data":null}`,
	} {
		if _, _, err := ParseClientMessage([]byte(input)); err == nil {
			t.Errorf("expected error for %s", input)
		}
	}
}

func TestParseClientMessage_ReportDefaultsToChat(t *testing.T) {
	_, msg, err := ParseClientMessage([]byte(`{"type":"report_user"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rm := msg.(ReportUserMsg)
	if rm.Kind != ReportKindChat {
		t.Errorf("expected kind %q, got %q", ReportKindChat, rm.Kind)
	}
	if rm.CallDuration != nil {
		t.Errorf("expected nil call duration, got %v", *rm.CallDuration)
	}
}

func TestParseClientMessage_ReportVideo(t *testing.T) {
	input := []byte(`{"type":"report_user","kind":"video","reason":"spam","call_duration":42.5}`)

	_, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rm := msg.(ReportUserMsg)
	if rm.Kind != ReportKindVideo || rm.Reason != "spam" {
		t.Errorf("unexpected report: %+v", rm)
	}
	if rm.CallDuration == nil || *rm.CallDuration != 42.5 {
		t.Errorf("expected call duration 42.5")
	}
}

func TestParseClientMessage_ReportNegativeDuration(t *testing.T) {
	input := []byte(`{"type":"report_user","kind":"video","call_duration":-1}`)
	if _, _, err := ParseClientMessage(input); err == nil {
		t.Fatal("expected validation error for negative call_duration")
	}
}

// ---------------------------------------------------------------------------
// Malformed input
// ---------------------------------------------------------------------------

func TestParseClientMessage_InvalidJSON(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{not json}`))
	if err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

func TestParseClientMessage_MissingType(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"text":"hi"}`))
	if err == nil {
		t.Fatal("expected error for missing type, got nil")
	}
}

func TestParseClientMessage_UnknownType(t *testing.T) {
	msgType, _, err := ParseClientMessage([]byte(`{"type":"partner_found"}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	if msgType != TypePartnerFound {
		t.Errorf("expected type to be reported back, got %q", msgType)
	}
}

func TestParseClientMessage_WrongFieldType(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":"message","text":42}`))
	if err == nil {
		t.Fatal("expected decode error, got nil")
	}
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

func TestNewServerMessage_InjectsType(t *testing.T) {
	data, err := NewServerMessage(TypePartnerLeft, PartnerLeftMsg{Reason: ReasonSkipped})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if out["type"] != TypePartnerLeft {
		t.Errorf("expected type %q, got %v", TypePartnerLeft, out["type"])
	}
	if out["reason"] != ReasonSkipped {
		t.Errorf("expected reason %q, got %v", ReasonSkipped, out["reason"])
	}
}

func TestNewServerMessage_Empty(t *testing.T) {
	for _, payload := range []interface{}{nil, EmptyMsg{}} {
		data, err := NewServerMessage(TypePartnerFound, payload)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(data) != `{"type":"partner_found"}` {
			t.Errorf("unexpected encoding %s", data)
		}
	}
}

func TestNewServerMessage_SignalVerbatim(t *testing.T) {
	raw := json.RawMessage(`{"sdp":"v=0","big":12345678901234567890}`)
	data, err := NewServerMessage(TypeVideoSignal, ServerVideoSignalMsg{SignalData: raw})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `{"type":"video_signal","signal_data":{"sdp":"v=0","big":12345678901234567890}}`
	if string(data) != want {
		t.Errorf("expected %s, got %s", want, data)
	}
}

func TestNewServerMessage_RejectsNonObject(t *testing.T) {
	if _, err := NewServerMessage(TypePong, "pong"); err == nil {
		t.Fatal("expected error for non-object payload")
	}
}
