package tydom

import (
	"bytes"
	"testing"
)

func TestMarshalRequestNoBody(t *testing.T) {
	got := marshalRequest("GET", "/ping", "1234567890123", nil)
	want := "GET /ping HTTP/1.1\r\n" +
		"Content-Length: 0\r\n" +
		"Content-Type: application/json; charset=UTF-8\r\n" +
		"Transac-Id: 1234567890123\r\n" +
		"\r\n"
	if string(got) != want {
		t.Errorf("frame = %q, want %q", got, want)
	}
}

func TestMarshalRequestWithBody(t *testing.T) {
	got := marshalRequest("PUT", "/devices/1", "1", []byte(`{"value":true}`))
	want := "PUT /devices/1 HTTP/1.1\r\n" +
		"Content-Length: 14\r\n" +
		"Content-Type: application/json; charset=UTF-8\r\n" +
		"Transac-Id: 1\r\n" +
		"\r\n" +
		`{"value":true}` + "\r\n\r\n"
	if string(got) != want {
		t.Errorf("frame = %q, want %q", got, want)
	}
}

func TestParseFrameResponse(t *testing.T) {
	payload := []byte("HTTP/1.1 200 OK\r\n" +
		"Content-Length: 11\r\n" +
		"Uri-Origin: /devices/data\r\n" +
		"Transac-Id: 456\r\n" +
		"\r\n" +
		`{"ok":true}`)

	f, err := ParseFrame(payload)
	if err != nil {
		t.Fatal(err)
	}
	if f.Request {
		t.Error("parsed as request, want response")
	}
	if f.Status != 200 || f.Reason != "OK" {
		t.Errorf("status = %d %q, want 200 OK", f.Status, f.Reason)
	}
	if f.UriOrigin() != "/devices/data" {
		t.Errorf("uri-origin = %q", f.UriOrigin())
	}
	if f.TransacID() != "456" {
		t.Errorf("transac-id = %q", f.TransacID())
	}
	if string(f.Body) != `{"ok":true}` {
		t.Errorf("body = %q", f.Body)
	}
}

func TestParseFrameRequest(t *testing.T) {
	payload := []byte("PUT /devices/data HTTP/1.1\r\n" +
		"content-length: 2\r\n" +
		"\r\n" +
		"[]")

	f, err := ParseFrame(payload)
	if err != nil {
		t.Fatal(err)
	}
	if !f.Request {
		t.Fatal("parsed as response, want request")
	}
	if f.Method != "PUT" || f.Path != "/devices/data" {
		t.Errorf("request line = %s %s", f.Method, f.Path)
	}
	// Header names match case-insensitively.
	if f.Headers.Get("Content-Length") != "2" {
		t.Errorf("content-length = %q", f.Headers.Get("Content-Length"))
	}
	if string(f.Body) != "[]" {
		t.Errorf("body = %q", f.Body)
	}
}

func TestParseFrameNoContentLength(t *testing.T) {
	payload := []byte("HTTP/1.1 200 OK\r\n" +
		"Uri-Origin: /info\r\n" +
		"\r\n" +
		`{"a":1}extra`)

	f, err := ParseFrame(payload)
	if err != nil {
		t.Fatal(err)
	}
	// Without Content-Length the body is the remainder of the payload.
	if string(f.Body) != `{"a":1}extra` {
		t.Errorf("body = %q", f.Body)
	}
}

func TestParseFrameRoundTrip(t *testing.T) {
	cmds := []Command{
		Ping("1"),
		RefreshAll("2"),
		PutDevicesData("3", 7, 8, "position", 50),
		AckEventsCdata("4", 1, 2, "0000"),
	}
	for _, cmd := range cmds {
		f, err := ParseFrame([]byte(cmd))
		if err != nil {
			t.Fatalf("parse %q: %v", cmd, err)
		}
		if !f.Request {
			t.Errorf("parse %q: not a request", cmd)
		}
		if f.TransacID() == "" {
			t.Errorf("parse %q: no transac id", cmd)
		}
		// Bodies serialize with a trailing CRLF CRLF that parsing keeps out
		// of Content-Length.
		want := bytes.TrimSuffix(bodyOf(cmd), []byte("\r\n\r\n"))
		if f.Headers.Get("Content-Length") != "" && len(want) > 0 && !bytes.Equal(f.Body, want) {
			t.Errorf("parse %q: body = %q, want %q", cmd, f.Body, want)
		}
	}
}

func bodyOf(cmd Command) []byte {
	_, after, found := bytes.Cut([]byte(cmd), []byte("\r\n\r\n"))
	if !found {
		return nil
	}
	return after
}

func TestParseFrameErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"empty", ""},
		{"no start line", "garbage"},
		{"bad status", "HTTP/1.1 abc OK\r\n\r\n"},
		{"bad request line", "GET /ping\r\n\r\n"},
		{"bad header", "GET /ping HTTP/1.1\r\nnot-a-header\r\n\r\n"},
		{"bad content length", "HTTP/1.1 200 OK\r\nContent-Length: x\r\n\r\n"},
		{"truncated body", "HTTP/1.1 200 OK\r\nContent-Length: 50\r\n\r\nshort"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseFrame([]byte(tt.payload)); err == nil {
				t.Errorf("ParseFrame(%q) succeeded, want error", tt.payload)
			}
		})
	}
}
