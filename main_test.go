package main

import (
	"bytes"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
)

func TestShutdownLogsUnfinishedRequests(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	started, release := make(chan struct{}), make(chan struct{})
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
	})}
	go srv.Serve(ln)
	defer close(release)

	go http.Get("http://" + ln.Addr().String())
	<-started

	var buf bytes.Buffer
	shutdown(srv, 10*time.Millisecond, log.NewLogfmtLogger(&buf))
	if out := buf.String(); !strings.Contains(out, "level=warn") || !strings.Contains(out, "during=Shutdown") {
		t.Errorf("log = %q", out)
	}
}

func TestShutdownIdleServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := &http.Server{Handler: http.NotFoundHandler()}
	go srv.Serve(ln)

	var buf bytes.Buffer
	shutdown(srv, time.Second, log.NewLogfmtLogger(&buf))
	if buf.Len() != 0 {
		t.Errorf("clean shutdown should log nothing, got %q", buf.String())
	}
}
