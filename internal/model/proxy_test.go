package model

import (
	"net/http"
	"testing"
)

func TestProxyResponse_Clone(t *testing.T) {
	orig := &ProxyResponse{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Set-Cookie": {"a=1", "b=2"}},
		Body:       []byte("HELLO"),
	}

	c := orig.Clone()
	c.Body[0] = 'J'
	c.Header.Add("Set-Cookie", "c=3")

	if string(orig.Body) != "HELLO" {
		t.Errorf("orig.Body = %q, want %q", orig.Body, "HELLO")
	}
	if n := len(orig.Header.Values("Set-Cookie")); n != 2 {
		t.Errorf("orig Set-Cookie count = %d, want 2", n)
	}

	empty := (&ProxyResponse{StatusCode: http.StatusNoContent, Body: []byte{}}).Clone()
	if empty.Body == nil || len(empty.Body) != 0 {
		t.Errorf("empty clone Body = %v, want empty non-nil", empty.Body)
	}

	var nilRes *ProxyResponse
	if nilRes.Clone() != nil {
		t.Error("Clone() of nil should be nil")
	}
}

func TestUnsupportedHostError(t *testing.T) {
	err := &UnsupportedHostError{Host: "evil.example"}
	if got, want := err.Error(), "Unsupported host evil.example"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
