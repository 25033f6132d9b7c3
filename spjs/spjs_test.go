package spjs

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mastercactapus/gcnc/transport"
)

func TestParseMessage(t *testing.T) {
	for _, tc := range []struct {
		data string
		want interface{}
	}{
		{`{"P":"COM1","D":"ok\r\n"}`, &DataFrame{Port: "COM1", Data: "ok\r\n"}},
		{`{"Error":"We could not find the serial port"}`, &ErrorMessage{Error: "We could not find the serial port"}},
		{`{"Version":"1.96"}`, &VersionMessage{Version: "1.96"}},
		{`{"Hostname":"cnc-bridge"}`, &HostnameMessage{Hostname: "cnc-bridge"}},
		{`{"Cmd":"OpenFail","Desc":"busy","Port":"COM1","Baud":115200}`, &CmdStatus{Cmd: "OpenFail", Desc: "busy", Port: "COM1", Baud: 115200}},
		{`{"SerialPorts":[{"Name":"COM1","Baud":115200,"IsOpen":true}]}`, &SerialPortList{SerialPorts: []SerialPort{{Name: "COM1", Baud: 115200, IsOpen: true}}}},
	} {
		got, err := parseMessage([]byte(tc.data))
		require.NoError(t, err, tc.data)
		assert.Equal(t, tc.want, got, tc.data)
	}

	q, err := parseMessage([]byte(`{"Cmd":"Queued","QCnt":2,"Type":["Buf"],"D":["G0 X1\n"],"Id":["gcnc-1"]}`))
	require.NoError(t, err)
	assert.Equal(t, 2, q.(*CmdStatus).QueueCount)

	_, err = parseMessage([]byte(`{"Foo":1}`))
	assert.ErrorIs(t, err, errUnknownMessage)
	_, err = parseMessage([]byte(`{`))
	assert.Error(t, err)
}

func TestLineSplitter(t *testing.T) {
	var s lineSplitter
	assert.Empty(t, s.push("<Idle|MPos:0.000,0."))
	assert.Equal(t, []string{"<Idle|MPos:0.000,0.000,0.000>", "ok"}, s.push("000,0.000>\r\nok\r\n"))
	assert.Equal(t, []string{"Grbl 1.1h ['$' for help]"}, s.push("\r\nGrbl 1.1h ['$' for help]\n"))
	assert.Empty(t, s.push("error:"))
	assert.Equal(t, []string{"error:9"}, s.push("9\r\n"))
}

type fakeServer struct {
	t        *testing.T
	srv      *httptest.Server
	received chan string
	openResp string
}

func newFakeServer(t *testing.T, openResp string) *fakeServer {
	fs := &fakeServer{t: t, received: make(chan string, 100), openResp: openResp}
	var up websocket.Upgrader
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := up.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			msg := string(data)
			fs.received <- msg
			// echo like the real server
			_ = ws.WriteMessage(websocket.TextMessage, data)

			switch {
			case strings.HasPrefix(msg, "open "):
				_ = ws.WriteMessage(websocket.TextMessage, []byte(fs.openResp))
				if !strings.Contains(fs.openResp, `"Open"`) {
					continue
				}
				_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"P":"other","D":"ignored\n"}`))
				_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"P":"COM1","D":"\r\nGrbl 1.1h ['$' for"}`))
				_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"P":"COM1","D":" help]\r\n"}`))
			case strings.HasPrefix(msg, "sendjson "):
				var sj SendJSON
				if json.Unmarshal([]byte(strings.TrimPrefix(msg, "sendjson ")), &sj) != nil {
					continue
				}
				if sj.Data[0].Data == "$X\n" {
					_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"P":"COM1","D":"ok\r\n"}`))
				}
			case msg == "drop":
				return
			}
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string { return "ws" + strings.TrimPrefix(fs.srv.URL, "http") }

func (fs *fakeServer) next(t *testing.T) string {
	t.Helper()
	select {
	case msg := <-fs.received:
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message received")
	}
	return ""
}

func TestOpener(t *testing.T) {
	fs := newFakeServer(t, `{"Cmd":"Open","Desc":"Got register/open on port.","Port":"COM1","Baud":250000}`)
	o := NewOpener(fs.url(), zaptest.NewLogger(t))

	cfg := transport.DefaultConfig()
	cfg.Baud = 250000
	p, err := o.Open("COM1", cfg)
	require.NoError(t, err)
	assert.Equal(t, "open COM1 250000 grbl", fs.next(t))

	line, err := p.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "Grbl 1.1h ['$' for help]", line)

	_, err = p.Write([]byte("$X\n"))
	require.NoError(t, err)
	msg := fs.next(t)
	require.True(t, strings.HasPrefix(msg, "sendjson "), msg)
	var sj SendJSON
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(msg, "sendjson ")), &sj))
	assert.Equal(t, "COM1", sj.Port)
	require.Len(t, sj.Data, 1)
	assert.Equal(t, "$X\n", sj.Data[0].Data)
	assert.NotEmpty(t, sj.Data[0].ID)

	line, err = p.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "ok", line)

	_, err = p.Write([]byte{0x18})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(fs.next(t), "sendjson ")), &sj))
	assert.Equal(t, "\x18", sj.Data[0].Data)

	require.NoError(t, p.Close())
	assert.Equal(t, "close COM1", fs.next(t))
	_, err = p.ReadLine()
	assert.ErrorIs(t, err, transport.ErrClosed)
	_, err = p.Write([]byte("?"))
	assert.ErrorIs(t, err, transport.ErrClosed)
}

// payload recovers the bytes carried by a sendjson or sendraw message.
func payload(t *testing.T, msg string) []byte {
	t.Helper()
	if raw, ok := strings.CutPrefix(msg, "sendraw COM1 "); ok {
		b, err := base64.StdEncoding.DecodeString(raw)
		require.NoError(t, err)
		return b
	}
	var sj SendJSON
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(msg, "sendjson ")), &sj), msg)
	require.Len(t, sj.Data, 1)
	return []byte(sj.Data[0].Data)
}

func TestOpener_RealtimeBytes(t *testing.T) {
	fs := newFakeServer(t, `{"Cmd":"Open","Port":"COM1"}`)
	p, err := NewOpener(fs.url(), zaptest.NewLogger(t)).Open("COM1", transport.DefaultConfig())
	require.NoError(t, err)
	defer p.Close()
	fs.next(t)

	rt := []byte{'?', '!', '~', 0x18, 0x84, 0x85}
	for b := byte(0x90); b <= 0x9D; b++ {
		rt = append(rt, b)
	}
	for _, b := range rt {
		_, err = p.Write([]byte{b})
		require.NoError(t, err)
		assert.Equal(t, []byte{b}, payload(t, fs.next(t)), "byte 0x%02x", b)
	}

	_, err = p.Write([]byte{0x85, 0x18})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x85, 0x18}, payload(t, fs.next(t)))
}

func TestOpener_OpenFail(t *testing.T) {
	fs := newFakeServer(t, `{"Cmd":"OpenFail","Desc":"Error opening port. Access denied.","Port":"COM1","Baud":115200}`)
	_, err := NewOpener(fs.url(), zaptest.NewLogger(t)).Open("COM1", transport.DefaultConfig())
	assert.ErrorIs(t, err, ErrOpenFailed)
	assert.Contains(t, err.Error(), "Access denied")
}

func TestOpener_ConnectionLost(t *testing.T) {
	fs := newFakeServer(t, `{"Cmd":"Open","Port":"COM1"}`)
	p, err := NewOpener(fs.url(), zaptest.NewLogger(t)).Open("COM1", transport.DefaultConfig())
	require.NoError(t, err)
	defer p.Close()

	_, err = p.ReadLine()
	require.NoError(t, err)

	// the fake server hangs up when it sees this payload
	sp := p.(*port)
	require.NoError(t, sp.writeMessage("drop"))

	_, err = p.ReadLine()
	assert.True(t, errors.Is(err, io.EOF), "got %v", err)
}

func TestOpener_DialError(t *testing.T) {
	o := NewOpener("ws://127.0.0.1:1/ws", zaptest.NewLogger(t))
	o.OpenTimeout = time.Second
	_, err := o.Open("COM1", transport.DefaultConfig())
	assert.Error(t, err)
}
