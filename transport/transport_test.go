package transport

import (
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPort_ReadLine(t *testing.T) {
	local, remote := net.Pipe()
	p := NewPort(local)
	defer p.Close()

	go func() {
		remote.Write([]byte("ok\r\n<Idle|MPos:0.000,0.000,0.000|FS:0,0>\r\n"))
		remote.Write([]byte("Grbl 1.1h"))
		remote.Write([]byte(" ['$' for help]\r\n"))
		remote.Close()
	}()

	line, err := p.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "ok", line)

	line, err = p.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "<Idle|MPos:0.000,0.000,0.000|FS:0,0>", line)

	line, err = p.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "Grbl 1.1h ['$' for help]", line)

	_, err = p.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
}

func TestPort_Write(t *testing.T) {
	local, remote := net.Pipe()
	p := NewPort(local)

	go p.Write([]byte("$I\n"))
	buf := make([]byte, 3)
	_, err := io.ReadFull(remote, buf)
	require.NoError(t, err)
	assert.Equal(t, "$I\n", string(buf))

	require.NoError(t, p.Close())
	assert.NoError(t, p.Close())

	_, err = p.Write([]byte("?"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = p.ReadLine()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 115200, cfg.Baud)
	assert.Equal(t, 8, cfg.DataBits)
	assert.Equal(t, "N", cfg.Parity)
	assert.Equal(t, 1, cfg.StopBits)
}
