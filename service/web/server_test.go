package web

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/go-delve/kpmap/pkg/kpmap"
	"github.com/go-delve/kpmap/pkg/logflags"
	"github.com/go-delve/kpmap/pkg/mm"
	"github.com/go-delve/kpmap/pkg/pagetable"
	"github.com/go-delve/kpmap/pkg/physmem"
	"github.com/go-delve/kpmap/pkg/procfs"
)

// loadedRegistry returns a registry holding the pseudo-file of a module
// loaded in file mode for proc.
func loadedRegistry(t *testing.T, proc *mm.Process) *procfs.Registry {
	t.Helper()
	reg := procfs.NewRegistry()
	m := &kpmap.Module{
		Mode:       kpmap.ModeFile,
		Invocation: kpmap.Invocation{Proc: proc, CPU: mm.StaticMitigation(mm.PTIOff)},
		Registry:   reg,
		Log:        logflags.NewTextLogger(io.Discard, nil),
	}
	if err := m.Load(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Unload)
	return reg
}

func testProcess(t *testing.T) *mm.Process {
	t.Helper()
	b := pagetable.NewBuilder(physmem.NewRAM(), 0x100000)
	root := b.NewTable()
	if err := b.MapRange(root, 0x1000, 0x9000, 2, pagetable.FlagUser|pagetable.FlagNoExecute); err != nil {
		t.Fatal(err)
	}
	return &mm.Process{Pid: 100, Comm: "sleep", MM: mm.NewAddressSpace(b.RAM(), root.Addr)}
}

var wantLines = []string{
	"kpmap: PTI is off",
	"kpmap: pgd is kernel",
	"kpmap: walk start",
	"USER pte: 1000 \t\t Flags: r--u-",
	"USER pte: 2000 \t\t Flags: r--u-",
	"kpmap: walk end",
}

func TestListFiles(t *testing.T) {
	srv := httptest.NewServer(NewServer(&Config{Registry: loadedRegistry(t, testProcess(t))}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/files")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var names []string
	if err := json.NewDecoder(resp.Body).Decode(&names); err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != kpmap.FileName {
		t.Fatalf("unexpected file list %q", names)
	}
}

func TestGetFile(t *testing.T) {
	tests := []struct {
		name string
		proc *mm.Process
		path string
		code int
		body string
	}{
		{"walk", testProcess(t), "/files/kpmap", http.StatusOK, strings.Join(wantLines, "\n") + "\n"},
		{"kernel thread", &mm.Process{Pid: 2, Comm: "kthreadd"}, "/files/kpmap", http.StatusInternalServerError, "kpmap: mm is NULL\n"},
		{"unknown", testProcess(t), "/files/meminfo", http.StatusNotFound, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(NewServer(&Config{Registry: loadedRegistry(t, tc.proc)}).Handler())
			defer srv.Close()

			resp, err := http.Get(srv.URL + tc.path)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != tc.code {
				t.Fatalf("expected status %d, got %d (%s)", tc.code, resp.StatusCode, body)
			}
			if tc.body != "" && string(body) != tc.body {
				t.Fatalf("unexpected body:\n%q\nwant:\n%q", body, tc.body)
			}
		})
	}
}

func dialStream(t *testing.T, srv *httptest.Server, name string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/files/" + name + "/stream"
	return websocket.DefaultDialer.Dial(url, nil)
}

func readAll(t *testing.T, conn *websocket.Conn) ([]string, error) {
	t.Helper()
	var lines []string
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return lines, err
		}
		lines = append(lines, string(msg))
	}
}

func TestStreamFile(t *testing.T) {
	srv := httptest.NewServer(NewServer(&Config{Registry: loadedRegistry(t, testProcess(t))}).Handler())
	defer srv.Close()

	conn, _, err := dialStream(t, srv, kpmap.FileName)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	lines, err := readAll(t, conn)
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected a normal close, got %v", err)
	}
	if strings.Join(lines, "\n") != strings.Join(wantLines, "\n") {
		t.Fatalf("unexpected lines %q", lines)
	}
}

func TestStreamFileFailure(t *testing.T) {
	srv := httptest.NewServer(NewServer(&Config{Registry: loadedRegistry(t, nil)}).Handler())
	defer srv.Close()

	conn, _, err := dialStream(t, srv, kpmap.FileName)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	lines, err := readAll(t, conn)
	if !websocket.IsCloseError(err, websocket.CloseInternalServerErr) {
		t.Fatalf("expected an internal error close, got %v", err)
	}
	if len(lines) != 1 || lines[0] != "kpmap: mm is NULL" {
		t.Fatalf("unexpected lines %q", lines)
	}
}

func TestStreamUnknownFile(t *testing.T) {
	srv := httptest.NewServer(NewServer(&Config{Registry: procfs.NewRegistry()}).Handler())
	defer srv.Close()

	_, resp, err := dialStream(t, srv, "kpmap")
	if err == nil {
		t.Fatal("expected the handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected a 404 answer, got %v", resp)
	}
}

func TestRunStop(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := NewServer(&Config{Listener: listener, Registry: loadedRegistry(t, testProcess(t))})
	done := make(chan error, 1)
	go func() {
		done <- s.Run()
	}()

	resp, err := http.Get("http://" + listener.Addr().String() + "/files/kpmap")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v after Stop", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	if err := s.Stop(); err == nil {
		t.Fatal("second Stop succeeded")
	}
}
