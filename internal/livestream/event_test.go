package livestream

import (
	"bytes"
	"strings"
	"testing"
)

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		line     string
		wantSeq  int64
		wantType string
		wantErr  bool
	}{
		{`{"seq":12,"type":"dispatch_start"}`, 12, "dispatch_start", false},
		{`{"seq":"12","type":"x"}`, 0, "x", false},
		{`{"type":"x"}`, 0, "x", false},
		{`{"seq":3}`, 3, DefaultEventType, false},
		{`{"seq":3,"type":""}`, 3, DefaultEventType, false},
		{`{"seq":4,"type":"x\ndata: injected"}`, 4, DefaultEventType, false},
		{`{"seq":5,"type":"x\r"}`, 5, DefaultEventType, false},
		{`null`, 0, "", true},
		{`42`, 0, "", true},
		{`{"seq":`, 0, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			ev, err := DecodeEvent([]byte(tt.line))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if ev.Seq != tt.wantSeq || ev.Type != tt.wantType {
				t.Errorf("got seq=%d type=%q, want seq=%d type=%q", ev.Seq, ev.Type, tt.wantSeq, tt.wantType)
			}
		})
	}
}

func TestWriteKeepalive(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteKeepalive(&buf); err != nil {
		t.Fatal(err)
	}
	if buf.String() != ": keepalive\n\n" {
		t.Errorf("keepalive = %q", buf.String())
	}
}

func TestWriteFrame_MultilineTypeStaysOneFrame(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"seq":9,"type":"evil\nevent: other"}`))
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, ev); err != nil {
		t.Fatal(err)
	}
	frame := buf.String()
	if !strings.HasPrefix(frame, "id: 9\nevent: message\ndata: ") {
		t.Errorf("frame = %q", frame)
	}
	if strings.Count(frame, "\nevent: ") != 1 {
		t.Errorf("frame has more than one event line: %q", frame)
	}
}
